// Package storage keeps messages as objects in an S3-compatible bucket and
// exposes them to the filter pipeline as a mail store.
//
// Every message is stored as <prefix>/<collection>/<id>.eml, next to a small
// JSON sidecar <id>.meta holding its flags, tags and attributes. Objects may
// be encrypted client-side with AES-256-GCM.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/circuitbreaker"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the subset of S3 the mail store needs. Get reports a
// missing object with consts.ErrMessageNotFound.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, sourceKey, destKey string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
	breaker       *circuitbreaker.CircuitBreaker
}

var _ ObjectStore = (*S3Storage)(nil)

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("STORAGE: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "s3",
			Timeout:     30 * time.Second,
			ReadyToTrip: circuitbreaker.RatioTrip(5, 0.6),
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, consts.ErrMessageNotFound)
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("STORAGE: circuit breaker state changed", "name", name, "from", from, "to", to)
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
	}, nil
}

// NewFromConfig builds the client and enables encryption when configured.
func NewFromConfig(cfg config.S3Config) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	s, err := New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, !cfg.DisableTLS, cfg.GetDebug())
	if err != nil {
		return nil, err
	}
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption turns on client-side encryption with a hex-encoded
// 32 byte key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}
	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("STORAGE: client-side encryption enabled")
	return nil
}

// do runs op through the breaker and records its metrics.
func (s *S3Storage) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	var runErr error
	if s.breaker != nil {
		runErr = s.breaker.Do(ctx, fn)
	} else {
		runErr = fn(ctx)
	}

	status := "success"
	switch {
	case errors.Is(runErr, consts.ErrMessageNotFound):
		status = "not_found"
	case runErr != nil:
		status = "error"
		metrics.StorageOperationErrors.WithLabelValues(op, classifyS3Error(runErr)).Inc()
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return runErr
}

func isNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == http.StatusNotFound || minioErr.Code == "NoSuchKey"
	}
	return false
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	exists := false
	err := s.do(ctx, "STAT", func(ctx context.Context) error {
		_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
		if err == nil {
			exists = true
			return nil
		}
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stat object %s: %w", key, err)
	})
	return exists, err
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if s.Encrypt {
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}
		encrypted, err := s.encryptData(data)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues("PUT", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		body, size = bytes.NewReader(encrypted), int64(len(encrypted))
	}

	return s.do(ctx, "PUT", func(ctx context.Context) error {
		_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size, minio.PutObjectOptions{SendContentMd5: true})
		return err
	})
}

func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "GET", func(ctx context.Context) error {
		object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer object.Close()
		data, err = io.ReadAll(object)
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", key, consts.ErrMessageNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.Encrypt {
		plain, err := s.decryptData(data)
		if err != nil {
			metrics.StorageOperationErrors.WithLabelValues("GET", "decryption_error").Inc()
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}
		return plain, nil
	}
	return data, nil
}

// Delete is idempotent: a missing object counts as deleted.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	return s.do(ctx, "DELETE", func(ctx context.Context) error {
		return s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	})
}

// Copy copies server-side unless objects are encrypted, in which case the
// object is re-encrypted under a fresh nonce.
func (s *S3Storage) Copy(ctx context.Context, sourceKey, destKey string) error {
	if s.Encrypt {
		data, err := s.Get(ctx, sourceKey)
		if err != nil {
			return fmt.Errorf("failed to get source object for copy: %w", err)
		}
		return s.Put(ctx, destKey, bytes.NewReader(data), int64(len(data)))
	}

	return s.do(ctx, "COPY", func(ctx context.Context) error {
		_, err := s.Client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.BucketName, Object: destKey},
			minio.CopySrcOptions{Bucket: s.BucketName, Object: sourceKey},
		)
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", sourceKey, consts.ErrMessageNotFound)
		}
		return err
	})
}

// List returns every key below prefix.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.do(ctx, "LIST", func(ctx context.Context) error {
		for object := range s.Client.ListObjects(ctx, s.BucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if object.Err != nil {
				return object.Err
			}
			keys = append(keys, object.Key)
		}
		return nil
	})
	return keys, err
}

func (s *S3Storage) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// encryptData prefixes the sealed data with its nonce.
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	gcm, err := s.newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	gcm, err := s.newGCM()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// classifyS3Error labels errors for metrics.
func classifyS3Error(err error) string {
	errStr := err.Error()
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied"), strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "SlowDown"), strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
