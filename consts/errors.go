package consts

import "errors"

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrMalformedMessage = errors.New("malformed message")
	ErrInternalError    = errors.New("internal error")
	ErrNotPermitted     = errors.New("operation not permitted")

	ErrNotEncrypted     = errors.New("message is not encrypted")
	ErrNoEncryptionKey  = errors.New("no matching encryption key")
	ErrDecryptionFailed = errors.New("decryption failed")

	ErrUnknownTransport   = errors.New("unknown transport")
	ErrUnknownIdentity    = errors.New("unknown identity")
	ErrUnknownTag         = errors.New("unknown tag")
	ErrFilterNotFound     = errors.New("filter not found")
	ErrCollectionNotFound = errors.New("collection not found")

	ErrStoreUnavailable = errors.New("store unavailable")
	ErrDBNotFound       = errors.New("not found")
	ErrDBInsertFailed   = errors.New("insert failed")

	ErrCacheMiss = errors.New("cache miss")
)
