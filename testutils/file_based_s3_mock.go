package testutils

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/migadu/mailfilter/consts"
)

// FileBasedS3Mock is an object store kept in a directory. It satisfies
// storage.ObjectStore.
type FileBasedS3Mock struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error // Map of key -> error to simulate failures
}

// NewFileBasedS3Mock stores objects below baseDir.
func NewFileBasedS3Mock(baseDir string) (*FileBasedS3Mock, error) {
	err := os.MkdirAll(baseDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBasedS3Mock{
		baseDir: baseDir,
		errors:  make(map[string]error),
	}, nil
}

func (m *FileBasedS3Mock) simulated(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

func (m *FileBasedS3Mock) Put(ctx context.Context, key string, reader io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.simulated(key); err != nil {
		return err
	}

	filePath := m.keyToFilePath(key)
	m.mu.Lock()
	err := os.MkdirAll(filepath.Dir(filePath), 0755)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}
	return nil
}

// Get reports a missing object with consts.ErrMessageNotFound.
func (m *FileBasedS3Mock) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.simulated(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.keyToFilePath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: %w", key, consts.ErrMessageNotFound)
	}
	return data, err
}

func (m *FileBasedS3Mock) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.simulated(key); err != nil {
		return false, err
	}
	if _, err := os.Stat(m.keyToFilePath(key)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// Delete ignores missing objects, like S3.
func (m *FileBasedS3Mock) Delete(ctx context.Context, key string) error {
	if err := m.simulated(key); err != nil {
		return err
	}
	err := os.Remove(m.keyToFilePath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (m *FileBasedS3Mock) Copy(ctx context.Context, sourceKey, destKey string) error {
	data, err := m.Get(ctx, sourceKey)
	if err != nil {
		return err
	}
	return m.Put(ctx, destKey, bytes.NewReader(data), int64(len(data)))
}

// List returns the sorted keys starting with prefix.
func (m *FileBasedS3Mock) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range m.GetStoredKeys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// SetError makes every operation on key fail with err.
func (m *FileBasedS3Mock) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

func (m *FileBasedS3Mock) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// GetStoredKeys walks the directory and returns every stored key.
func (m *FileBasedS3Mock) GetStoredKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	err := filepath.WalkDir(m.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			keys = append(keys, m.filePathToKey(path))
		}
		return nil
	})
	if err != nil {
		return nil
	}
	return keys
}

func (m *FileBasedS3Mock) GetStoredData(key string) ([]byte, bool) {
	data, err := os.ReadFile(m.keyToFilePath(key))
	return data, err == nil
}

func (m *FileBasedS3Mock) ObjectCount() int {
	return len(m.GetStoredKeys())
}

func (m *FileBasedS3Mock) keyToFilePath(key string) string {
	return filepath.Join(m.baseDir, filepath.FromSlash(key))
}

func (m *FileBasedS3Mock) filePathToKey(filePath string) string {
	rel, err := filepath.Rel(m.baseDir, filePath)
	if err != nil {
		return filePath
	}
	return filepath.ToSlash(rel)
}
