// Package message holds the in-memory representation of a mail message that
// filter rules read and filter actions edit.
//
// Header fields are kept as their original bytes, in order, so a message that
// no action touched serialises back byte for byte. Edits replace or append
// whole fields and never reflow the rest of the header block.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/mailfilter/helpers"
)

// FieldKind selects one of the structured header fields.
type FieldKind int

const (
	FieldFrom FieldKind = iota
	FieldTo
	FieldCc
	FieldBcc
	FieldDate
	FieldSubject
	FieldReplyTo
	FieldSender
)

var fieldNames = map[FieldKind]string{
	FieldFrom:    "From",
	FieldTo:      "To",
	FieldCc:      "Cc",
	FieldBcc:     "Bcc",
	FieldDate:    "Date",
	FieldSubject: "Subject",
	FieldReplyTo: "Reply-To",
	FieldSender:  "Sender",
}

// HeaderName returns the header a structured field is read from.
func (k FieldKind) HeaderName() string {
	return fieldNames[k]
}

// View is the read/write surface rules and actions use on a message.
type View interface {
	HeaderByName(name string) (string, bool)
	SetHeader(name, value string)
	RemoveHeader(name string) int
	RawEncodedContent() []byte
	DecodedBody() []byte
	StructuredField(kind FieldKind) string
	HasAttachment() bool
	Reassemble()
}

type field struct {
	name string
	raw  []byte
}

// Message is a parsed RFC 5322 message. The zero value is an empty message.
type Message struct {
	fields    []field
	separator []byte
	body      []byte
	eol       string
}

var _ View = (*Message)(nil)

// ErrEmptyMessage is returned by Parse for zero-length input.
var ErrEmptyMessage = errors.New("empty message")

// Parse splits raw into header fields and body. It never rejects malformed
// header lines; they are kept verbatim as nameless fields.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}
	m := &Message{}
	m.load(raw)
	return m, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(raw string) *Message {
	m, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Message) load(raw []byte) {
	m.fields = nil
	m.separator = nil
	m.body = nil
	m.eol = "\n"
	if i := bytes.IndexByte(raw, '\n'); i > 0 && raw[i-1] == '\r' {
		m.eol = "\r\n"
	}

	rest := raw
	for len(rest) > 0 {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i+1]
		}

		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			m.separator = line
			m.body = rest[len(line):]
			return
		}

		if (line[0] == ' ' || line[0] == '\t') && len(m.fields) > 0 {
			last := &m.fields[len(m.fields)-1]
			last.raw = append(last.raw, line...)
			rest = rest[len(line):]
			continue
		}

		name := ""
		if colon := bytes.IndexByte(trimmed, ':'); colon > 0 {
			name = strings.TrimSpace(string(trimmed[:colon]))
		}
		m.fields = append(m.fields, field{name: name, raw: append([]byte(nil), line...)})
		rest = rest[len(line):]
	}
}

func (f *field) value() string {
	raw := string(f.raw)
	_, v, _ := strings.Cut(raw, ":")
	v = strings.ReplaceAll(v, "\r\n", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.TrimSpace(v)
}

func decodeValue(name, value string) string {
	var h gomessage.Header
	h.Set(name, value)
	text, err := h.Text(name)
	if err != nil {
		return value
	}
	return text
}

var addressFields = map[string]bool{
	"from":          true,
	"to":            true,
	"cc":            true,
	"bcc":           true,
	"reply-to":      true,
	"sender":        true,
	"resent-from":   true,
	"resent-to":     true,
	"resent-cc":     true,
	"resent-bcc":    true,
	"resent-sender": true,
}

func (m *Message) formatField(name, value string) []byte {
	return []byte(name + ": " + encodeValue(name, value) + m.eol)
}

// encodeValue leaves ASCII values alone. Address lists only get their display
// names encoded; anything else is Q-encoded as a whole.
func encodeValue(name, value string) string {
	if !needsEncoding(value) {
		return value
	}
	if addressFields[strings.ToLower(name)] {
		if addrs, err := mail.ParseAddressList(value); err == nil && len(addrs) > 0 {
			var h mail.Header
			h.SetAddressList(name, addrs)
			return h.Get(name)
		}
	}
	return mime.QEncoding.Encode("utf-8", value)
}

func needsEncoding(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 || (s[i] < ' ' && s[i] != '\t') {
			return true
		}
	}
	return false
}

// HeaderByName returns the unfolded, decoded value of the first field called
// name (case-insensitive).
func (m *Message) HeaderByName(name string) (string, bool) {
	for i := range m.fields {
		if strings.EqualFold(m.fields[i].name, name) {
			return decodeValue(name, m.fields[i].value()), true
		}
	}
	return "", false
}

// HeaderValues returns the decoded values of every field called name.
func (m *Message) HeaderValues(name string) []string {
	var values []string
	for i := range m.fields {
		if strings.EqualFold(m.fields[i].name, name) {
			values = append(values, decodeValue(name, m.fields[i].value()))
		}
	}
	return values
}

// HeaderCount returns how many fields are called name.
func (m *Message) HeaderCount(name string) int {
	n := 0
	for i := range m.fields {
		if strings.EqualFold(m.fields[i].name, name) {
			n++
		}
	}
	return n
}

// HeaderFields returns the names of all fields in order.
func (m *Message) HeaderFields() []string {
	names := make([]string, 0, len(m.fields))
	for _, f := range m.fields {
		if f.name != "" {
			names = append(names, f.name)
		}
	}
	return names
}

// SetHeader replaces the first field called name and drops later duplicates.
// A missing field is appended at the end of the header block.
func (m *Message) SetHeader(name, value string) {
	formatted := m.formatField(name, value)
	replaced := false
	kept := m.fields[:0]
	for _, f := range m.fields {
		if strings.EqualFold(f.name, name) {
			if replaced {
				continue
			}
			f = field{name: name, raw: formatted}
			replaced = true
		}
		kept = append(kept, f)
	}
	m.fields = kept
	if replaced {
		return
	}
	m.AppendHeader(name, value)
}

// AppendHeader adds a field at the end of the header block even if fields
// with the same name exist.
func (m *Message) AppendHeader(name, value string) {
	if n := len(m.fields); n > 0 && !bytes.HasSuffix(m.fields[n-1].raw, []byte("\n")) {
		m.fields[n-1].raw = append(m.fields[n-1].raw, m.eol...)
	}
	m.fields = append(m.fields, field{name: name, raw: m.formatField(name, value)})
}

// PrependHeader adds a field at the top of the header block, where trace and
// resent fields go.
func (m *Message) PrependHeader(name, value string) {
	m.fields = append([]field{{name: name, raw: m.formatField(name, value)}}, m.fields...)
}

// RemoveHeader removes every field called name and returns how many went.
func (m *Message) RemoveHeader(name string) int {
	removed := 0
	kept := m.fields[:0]
	for _, f := range m.fields {
		if strings.EqualFold(f.name, name) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	m.fields = kept
	return removed
}

// RawEncodedContent returns the message as it would be stored.
func (m *Message) RawEncodedContent() []byte {
	var buf bytes.Buffer
	for _, f := range m.fields {
		buf.Write(f.raw)
	}
	buf.Write(m.separator)
	buf.Write(m.body)
	return buf.Bytes()
}

// RawHeader returns the header block without the separating blank line.
func (m *Message) RawHeader() []byte {
	var buf bytes.Buffer
	for _, f := range m.fields {
		buf.Write(f.raw)
	}
	return buf.Bytes()
}

// RawBody returns the undecoded body.
func (m *Message) RawBody() []byte {
	return m.body
}

// HasBody reports whether anything follows the header block.
func (m *Message) HasBody() bool {
	return len(m.body) > 0
}

// DecodedBody returns the main text of the message: the first text/plain
// part, or the first text/html part rendered as plain text.
func (m *Message) DecodedBody() []byte {
	text, err := helpers.ExtractText(m.RawEncodedContent())
	if err != nil {
		return m.body
	}
	return []byte(text)
}

// StructuredField returns the decoded value of a structured field or "".
func (m *Message) StructuredField(kind FieldKind) string {
	v, _ := m.HeaderByName(kind.HeaderName())
	return v
}

// Addresses parses the addresses of an address field.
func (m *Message) Addresses(kind FieldKind) []*mail.Address {
	return helpers.ParseAddressList(m.StructuredField(kind))
}

// Date parses the Date field.
func (m *Message) Date() (time.Time, bool) {
	v, ok := m.HeaderByName("Date")
	if !ok || v == "" {
		return time.Time{}, false
	}
	var h mail.Header
	h.Set("Date", v)
	t, err := h.Date()
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ContentType returns the media type of the top-level entity.
func (m *Message) ContentType() (string, map[string]string) {
	v, ok := m.HeaderByName("Content-Type")
	if !ok {
		return "text/plain", nil
	}
	mediaType, params, err := mime.ParseMediaType(v)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(v, ";")[0])), nil
	}
	return mediaType, params
}

// HasAttachment reports whether any MIME part is an attachment.
func (m *Message) HasAttachment() bool {
	return helpers.HasAttachment(m.RawEncodedContent())
}

// HasInvitation reports whether the message carries a calendar invitation.
func (m *Message) HasInvitation() bool {
	return helpers.HasMediaType(m.RawEncodedContent(), "text/calendar")
}

// IsEncryptedMIME reports a PGP/MIME or S/MIME encrypted top-level entity.
func (m *Message) IsEncryptedMIME() bool {
	mediaType, params := m.ContentType()
	switch mediaType {
	case "multipart/encrypted":
		return true
	case "application/pkcs7-mime", "application/x-pkcs7-mime":
		st := strings.ToLower(params["smime-type"])
		return st == "" || st == "enveloped-data"
	}
	return false
}

// IsInlineEncrypted reports an inline PGP message: the text body starts with
// an armored PGP message once leading whitespace is skipped.
func (m *Message) IsInlineEncrypted() bool {
	body := bytes.TrimLeft(m.DecodedBody(), " \t\r\n")
	return bytes.HasPrefix(body, []byte("-----BEGIN PGP MESSAGE-----"))
}

// Parts returns the decoded bodies of the leaf MIME parts in document order.
func (m *Message) Parts() ([][]byte, error) {
	return helpers.LeafParts(m.RawEncodedContent())
}

// SetContent replaces the whole message with raw.
func (m *Message) SetContent(raw []byte) error {
	if len(raw) == 0 {
		return ErrEmptyMessage
	}
	m.load(raw)
	return nil
}

// Reassemble makes sure a body is separated from the header block by an
// empty line. Field edits are applied eagerly, so nothing else is pending.
func (m *Message) Reassemble() {
	if len(m.body) > 0 && len(m.separator) == 0 {
		if n := len(m.fields); n > 0 && !bytes.HasSuffix(m.fields[n-1].raw, []byte("\n")) {
			m.fields[n-1].raw = append(m.fields[n-1].raw, m.eol...)
		}
		m.separator = []byte(m.eol)
	}
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := &Message{eol: m.eol}
	c.fields = make([]field, len(m.fields))
	for i, f := range m.fields {
		c.fields[i] = field{name: f.name, raw: append([]byte(nil), f.raw...)}
	}
	c.separator = append([]byte(nil), m.separator...)
	c.body = append([]byte(nil), m.body...)
	return c
}

// String renders a short description for logs.
func (m *Message) String() string {
	id, _ := m.HeaderByName("Message-ID")
	subject := m.StructuredField(FieldSubject)
	return fmt.Sprintf("message %s %q", id, subject)
}
