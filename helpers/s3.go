package helpers

import (
	"fmt"
	"strings"
)

// NewS3Key constructs the object key of a stored message.
func NewS3Key(prefix, collection, id string) string {
	collection = strings.Trim(collection, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.eml", collection, id)
	}
	return fmt.Sprintf("%s/%s/%s.eml", strings.Trim(prefix, "/"), collection, id)
}

// S3MetaKey returns the key of the sidecar object holding flags and tags.
func S3MetaKey(messageKey string) string {
	return strings.TrimSuffix(messageKey, ".eml") + ".meta"
}
