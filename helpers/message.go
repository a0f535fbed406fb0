package helpers

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

// ReadEntity parses raw message bytes, tolerating unknown charsets and
// transfer encodings (the affected parts are returned undecoded).
func ReadEntity(raw []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	return entity, nil
}

// WalkLeaves calls fn for every non-multipart entity in document order.
// Bodies handed to fn are transfer-decoded.
func WalkLeaves(raw []byte, fn func(index int, entity *message.Entity) error) error {
	entity, err := ReadEntity(raw)
	if err != nil {
		return err
	}
	index := 0
	return entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}
		if part == nil || part.MultipartReader() != nil {
			return nil
		}
		if err := fn(index, part); err != nil {
			return err
		}
		index++
		return nil
	})
}

// LeafParts returns the decoded bodies of all leaf parts in document order.
func LeafParts(raw []byte) ([][]byte, error) {
	var parts [][]byte
	err := WalkLeaves(raw, func(_ int, part *message.Entity) error {
		content, err := io.ReadAll(part.Body)
		if err != nil {
			return err
		}
		parts = append(parts, content)
		return nil
	})
	return parts, err
}

// ExtractText returns the first text/plain part, or the first text/html
// part converted to plain text when no plain part exists.
func ExtractText(raw []byte) (string, error) {
	var plaintextBody, htmlBody *string
	err := WalkLeaves(raw, func(_ int, part *message.Entity) error {
		mediaType, _, _ := part.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		disposition, _, _ := part.Header.ContentDisposition()
		if disposition == "attachment" {
			return nil
		}
		switch mediaType {
		case "text/plain":
			if plaintextBody != nil {
				return nil
			}
		case "text/html":
			if htmlBody != nil {
				return nil
			}
		default:
			return nil
		}
		content, err := io.ReadAll(part.Body)
		if err != nil {
			return err
		}
		s := string(content)
		if mediaType == "text/plain" {
			plaintextBody = &s
		} else {
			htmlBody = &s
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if plaintextBody != nil {
		return *plaintextBody, nil
	}
	if htmlBody != nil {
		return html2text.HTML2Text(*htmlBody), nil
	}
	return "", nil
}

// HasAttachment reports whether any leaf part is an attachment: an explicit
// attachment disposition, or a named non-text part.
func HasAttachment(raw []byte) bool {
	found := false
	_ = WalkLeaves(raw, func(index int, part *message.Entity) error {
		disposition, params, _ := part.Header.ContentDisposition()
		if disposition == "attachment" {
			found = true
			return io.EOF
		}
		mediaType, ctParams, _ := part.Header.ContentType()
		named := params["filename"] != "" || ctParams["name"] != ""
		if named && !strings.HasPrefix(mediaType, "text/") && index > 0 {
			found = true
			return io.EOF
		}
		return nil
	})
	return found
}

// HasMediaType reports whether any leaf part has the given media type.
func HasMediaType(raw []byte, mediaType string) bool {
	found := false
	_ = WalkLeaves(raw, func(_ int, part *message.Entity) error {
		mt, _, _ := part.Header.ContentType()
		if strings.EqualFold(mt, mediaType) {
			found = true
			return io.EOF
		}
		return nil
	})
	return found
}
