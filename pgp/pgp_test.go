package pgp

import (
	"context"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plain = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: Secret plans\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Meet at noon.\r\n"

func newEntity(t *testing.T, email string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity("Test", "", email, &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)
	return e
}

func newService(t *testing.T) (*Service, *openpgp.Entity) {
	t.Helper()
	e := newEntity(t, "bob@example.org")
	s, err := NewFromEntities(nil, openpgp.EntityList{e}, "")
	require.NoError(t, err)
	return s, e
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, e := newService(t)
	fp := Fingerprint(e)

	assert.False(t, s.IsEncrypted([]byte(plain)))

	encrypted, err := s.Encrypt(ctx, []byte(plain), filterenv.EncryptionKey{Protocol: ProtocolOpenPGP, Fingerprint: fp})
	require.NoError(t, err)
	assert.True(t, s.IsEncrypted(encrypted))
	assert.NotContains(t, string(encrypted), "Meet at noon.")
	assert.Equal(t, fp, s.EncryptionKeyFingerprint(encrypted))

	msg := message.MustParse(string(encrypted))
	assert.Equal(t, "Secret plans", msg.StructuredField(message.FieldSubject), "the envelope stays readable")
	mediaType, params := msg.ContentType()
	assert.Equal(t, "multipart/encrypted", mediaType)
	assert.Equal(t, "application/pgp-encrypted", params["protocol"])

	decrypted, err := s.Decrypt(ctx, encrypted)
	require.NoError(t, err)
	back := message.MustParse(string(decrypted))
	assert.Equal(t, "Secret plans", back.StructuredField(message.FieldSubject))
	ct, _ := back.ContentType()
	assert.Equal(t, "text/plain", ct)
	assert.Equal(t, "Meet at noon.\r\n", string(back.RawBody()))
	assert.False(t, s.IsEncrypted(decrypted))
}

const smimeMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: Signed and sealed\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: application/pkcs7-mime; smime-type=enveloped-data; name=smime.p7m\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"MIAGCSqGSIb3DQEHA6CAMIACAQAxggE=\r\n"

func TestIsEncryptedFormats(t *testing.T) {
	s, _ := newService(t)
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"plain", plain, false},
		{"smime enveloped", smimeMessage, true},
		{"smime signed only", strings.Replace(smimeMessage, "enveloped-data", "signed-data", 1), false},
		{"inline", "Subject: x\r\n\r\n  -----BEGIN PGP MESSAGE-----\r\nxx\r\n-----END PGP MESSAGE-----\r\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.IsEncrypted([]byte(tt.content)))
		})
	}

	_, err := s.Decrypt(context.Background(), []byte(smimeMessage))
	assert.ErrorIs(t, err, consts.ErrNotEncrypted, "S/MIME is recognised but not decrypted here")
}

func TestEncryptByKeyID(t *testing.T) {
	s, e := newService(t)
	fp := Fingerprint(e)
	keyID := strings.ToLower(fp[len(fp)-16:])

	_, err := s.Encrypt(context.Background(), []byte(plain), filterenv.EncryptionKey{Fingerprint: keyID})
	assert.NoError(t, err)
}

func TestEncryptErrors(t *testing.T) {
	s, e := newService(t)
	tests := []struct {
		name string
		key  filterenv.EncryptionKey
	}{
		{"unknown key", filterenv.EncryptionKey{Protocol: ProtocolOpenPGP, Fingerprint: "0123456789ABCDEF0123"}},
		{"too short", filterenv.EncryptionKey{Protocol: ProtocolOpenPGP, Fingerprint: "ABCD"}},
		{"smime", filterenv.EncryptionKey{Protocol: "smime", Fingerprint: Fingerprint(e)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Encrypt(context.Background(), []byte(plain), tt.key)
			assert.ErrorIs(t, err, consts.ErrNoEncryptionKey)
		})
	}
}

func TestDecryptWithoutKey(t *testing.T) {
	ctx := context.Background()
	sender, err := NewFromEntities(openpgp.EntityList{newEntity(t, "carol@example.net")}, nil, "")
	require.NoError(t, err)
	carol := sender.public[0]

	encrypted, err := sender.Encrypt(ctx, []byte(plain), filterenv.EncryptionKey{Fingerprint: Fingerprint(carol)})
	require.NoError(t, err)

	s, _ := newService(t)
	_, err = s.Decrypt(ctx, encrypted)
	assert.Error(t, err)
	assert.Empty(t, s.EncryptionKeyFingerprint(encrypted))
}

func TestDecryptNotEncrypted(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Decrypt(context.Background(), []byte(plain))
	assert.ErrorIs(t, err, consts.ErrNotEncrypted)
	assert.Empty(t, s.EncryptionKeyFingerprint([]byte(plain)))
}

func TestBodyOffset(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"A: b\r\n\r\nbody", 8},
		{"A: b\n\nbody", 6},
		{"A: b\r\n", 6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bodyOffset([]byte(tt.in)), tt.in)
	}
}
