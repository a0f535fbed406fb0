// Package pgp encrypts and decrypts stored messages with OpenPGP, using
// PGP/MIME (RFC 3156) for the messages it writes.
package pgp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/message"
)

const (
	ProtocolOpenPGP = "openpgp"

	armorMessage = "PGP MESSAGE"
	pgpEncrypted = "application/pgp-encrypted"
)

// Service implements filterenv.CryptoService over two keyrings. The public
// ring holds encryption keys; the private ring decrypts.
type Service struct {
	public  openpgp.EntityList
	private openpgp.EntityList
	config  *packet.Config
}

// New loads the armored keyrings named in cfg. Either may be empty.
func New(cfg config.CryptoConfig) (*Service, error) {
	pub, err := readKeyring(cfg.PublicKeyring)
	if err != nil {
		return nil, fmt.Errorf("public keyring: %w", err)
	}
	priv, err := readKeyring(cfg.PrivateKeyring)
	if err != nil {
		return nil, fmt.Errorf("private keyring: %w", err)
	}
	s, err := NewFromEntities(pub, priv, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	logger.Info("PGP: keyrings loaded", "public_keys", len(pub), "private_keys", len(priv))
	return s, nil
}

func readKeyring(path string) (openpgp.EntityList, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return openpgp.ReadArmoredKeyRing(f)
}

// NewFromEntities builds a service from parsed keys, unlocking private keys
// with passphrase. Private entities can also encrypt.
func NewFromEntities(public, private openpgp.EntityList, passphrase string) (*Service, error) {
	for _, e := range private {
		if err := unlock(e, []byte(passphrase)); err != nil {
			return nil, fmt.Errorf("unlock key %s: %w", Fingerprint(e), err)
		}
	}
	return &Service{public: public, private: private}, nil
}

func unlock(e *openpgp.Entity, passphrase []byte) error {
	if e.PrivateKey != nil && e.PrivateKey.Encrypted {
		if err := e.PrivateKey.Decrypt(passphrase); err != nil {
			return err
		}
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fingerprint renders the primary key fingerprint in upper-case hex.
func Fingerprint(e *openpgp.Entity) string {
	return strings.ToUpper(hex.EncodeToString(e.PrimaryKey.Fingerprint))
}

// entity finds a key by full fingerprint or by a key ID suffix of at least
// 16 hex digits.
func (s *Service) entity(fingerprint string) *openpgp.Entity {
	want := filterenv.NormalizeFingerprint(fingerprint)
	if len(want) < 16 {
		return nil
	}
	for _, ring := range []openpgp.EntityList{s.public, s.private} {
		for _, e := range ring {
			if strings.HasSuffix(Fingerprint(e), want) {
				return e
			}
		}
	}
	return nil
}

func isPGPMIME(msg *message.Message) bool {
	mediaType, params := msg.ContentType()
	return mediaType == "multipart/encrypted" && strings.EqualFold(params["protocol"], pgpEncrypted)
}

// IsEncrypted reports any MIME-typed encryption, S/MIME included, or an
// inline PGP body. Only OpenPGP content can be decrypted here.
func (s *Service) IsEncrypted(content []byte) bool {
	msg, err := message.Parse(content)
	if err != nil {
		return false
	}
	return msg.IsEncryptedMIME() || msg.IsInlineEncrypted()
}

// payload returns the armored OpenPGP message carried by content.
func payload(content []byte) (*message.Message, []byte, error) {
	msg, err := message.Parse(content)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	if msg.IsInlineEncrypted() {
		return msg, bytes.TrimLeft(msg.DecodedBody(), " \t\r\n"), nil
	}
	if !isPGPMIME(msg) {
		return msg, nil, consts.ErrNotEncrypted
	}

	e, err := gomessage.Read(bytes.NewReader(content))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return msg, nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	mr := e.MultipartReader()
	if mr == nil {
		return msg, nil, fmt.Errorf("%w: encrypted message is not multipart", consts.ErrMalformedMessage)
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		}
		mediaType, _, _ := p.Header.ContentType()
		if mediaType != "application/octet-stream" {
			continue
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return msg, nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		}
		return msg, body, nil
	}
	return msg, nil, fmt.Errorf("%w: no encrypted part", consts.ErrMalformedMessage)
}

// EncryptionKeyFingerprint returns the fingerprint of the first known key
// the message is encrypted to, or "".
func (s *Service) EncryptionKeyFingerprint(content []byte) string {
	_, armored, err := payload(content)
	if err != nil {
		return ""
	}
	block, err := armor.Decode(bytes.NewReader(armored))
	if err != nil {
		return ""
	}
	packets := packet.NewReader(block.Body)
	for {
		p, err := packets.Next()
		if err != nil {
			return ""
		}
		ek, ok := p.(*packet.EncryptedKey)
		if !ok {
			// Encrypted session keys come first.
			return ""
		}
		for _, ring := range []openpgp.EntityList{s.public, s.private} {
			if keys := ring.KeysById(ek.KeyId); len(keys) > 0 {
				return Fingerprint(keys[0].Entity)
			}
		}
	}
}

// Decrypt returns the plaintext message. For PGP/MIME the outer header is
// kept and the decrypted entity supplies the content fields and body.
func (s *Service) Decrypt(_ context.Context, content []byte) ([]byte, error) {
	msg, armored, err := payload(content)
	if err != nil {
		return nil, err
	}
	block, err := armor.Decode(bytes.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDecryptionFailed, err)
	}
	if block.Type != armorMessage {
		return nil, fmt.Errorf("%w: unexpected armor block %q", consts.ErrDecryptionFailed, block.Type)
	}
	md, err := openpgp.ReadMessage(block.Body, s.private, nil, s.config)
	if err != nil {
		if errors.Is(err, pgperrors.ErrKeyIncorrect) {
			return nil, fmt.Errorf("%w: %v", consts.ErrNoEncryptionKey, err)
		}
		return nil, fmt.Errorf("%w: %v", consts.ErrDecryptionFailed, err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDecryptionFailed, err)
	}

	if !isPGPMIME(msg) {
		// Inline: the header stays, the body is the plaintext.
		var buf bytes.Buffer
		buf.Write(msg.RawHeader())
		buf.Write(plain)
		return buf.Bytes(), nil
	}

	outer, err := readHeader(content)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for f := outer.Fields(); f.Next(); {
		if isContentField(f.Key()) {
			continue
		}
		raw, err := f.Raw()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		}
		buf.Write(raw)
	}
	buf.Write(plain)
	return buf.Bytes(), nil
}

func readHeader(content []byte) (textproto.Header, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(content)))
	if err != nil {
		return h, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}
	return h, nil
}

func isContentField(name string) bool {
	name = strings.ToLower(name)
	return strings.HasPrefix(name, "content-") || name == "mime-version"
}

// Encrypt wraps content in a PGP/MIME message encrypted to key. Only
// OpenPGP keys are supported.
func (s *Service) Encrypt(_ context.Context, content []byte, key filterenv.EncryptionKey) ([]byte, error) {
	if key.Protocol != "" && key.Protocol != ProtocolOpenPGP {
		return nil, fmt.Errorf("%w: protocol %q is not supported", consts.ErrNoEncryptionKey, key.Protocol)
	}
	recipient := s.entity(key.Fingerprint)
	if recipient == nil {
		return nil, fmt.Errorf("%w: %s", consts.ErrNoEncryptionKey, key.Fingerprint)
	}

	h, err := readHeader(content)
	if err != nil {
		return nil, err
	}
	body := content[bodyOffset(content):]

	// The inner entity carries the content fields and the body.
	var inner bytes.Buffer
	var kept [][]byte
	for f := h.Fields(); f.Next(); {
		raw, err := f.Raw()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
		}
		if isContentField(f.Key()) {
			if !strings.EqualFold(f.Key(), "mime-version") {
				inner.Write(raw)
			}
			continue
		}
		kept = append(kept, raw)
	}
	// Header.AddRaw inserts at the top, so add in reverse.
	var outer textproto.Header
	for i := len(kept) - 1; i >= 0; i-- {
		outer.AddRaw(kept[i])
	}
	if !h.Has("Content-Type") {
		inner.WriteString("Content-Type: text/plain; charset=us-ascii\r\n")
	}
	inner.WriteString("\r\n")
	inner.Write(body)

	var armored bytes.Buffer
	aw, err := armor.Encode(&armored, armorMessage, nil)
	if err != nil {
		return nil, err
	}
	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{recipient}, nil, &openpgp.FileHints{IsBinary: true}, s.config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrNoEncryptionKey, err)
	}
	if _, err := pw.Write(inner.Bytes()); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	armored.WriteString("\r\n")

	mh := gomessage.Header{Header: outer}
	mh.Set("Mime-Version", "1.0")
	mh.SetContentType("multipart/encrypted", map[string]string{"protocol": pgpEncrypted})

	var out bytes.Buffer
	w, err := gomessage.CreateWriter(&out, mh)
	if err != nil {
		return nil, err
	}
	if err := writePart(w, pgpEncrypted, nil, []byte("Version: 1\r\n")); err != nil {
		return nil, err
	}
	if err := writePart(w, "application/octet-stream", map[string]string{"name": "encrypted.asc"}, armored.Bytes()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writePart(w *gomessage.Writer, mediaType string, params map[string]string, body []byte) error {
	var ph gomessage.Header
	ph.SetContentType(mediaType, params)
	pw, err := w.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := pw.Write(body); err != nil {
		return err
	}
	return pw.Close()
}

// bodyOffset returns where the body starts: after the first empty line, or
// at the end when there is none.
func bodyOffset(content []byte) int {
	if i := bytes.Index(content, []byte("\r\n\r\n")); i >= 0 {
		if j := bytes.Index(content, []byte("\n\n")); j < 0 || i < j {
			return i + 4
		}
	}
	if j := bytes.Index(content, []byte("\n\n")); j >= 0 {
		return j + 2
	}
	return len(content)
}

var _ filterenv.CryptoService = (*Service)(nil)
