package mdn

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/migadu/mailfilter/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const original = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.org>\r\n" +
	"Subject: Lunch\r\n" +
	"Date: Tue, 14 May 2024 10:00:00 +0000\r\n" +
	"Message-ID: <lunch@example.com>\r\n" +
	"Disposition-Notification-To: Alice <alice@example.com>\r\n" +
	"Bcc: hidden@example.com\r\n" +
	"\r\n" +
	"Noon?\r\n"

func testOptions() Options {
	return Options{
		From:     "Bob <bob@example.org>",
		Hostname: "mx.example.org",
		Now:      time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC),
	}
}

// parts returns media type and body of each part of a multipart message.
func parts(t *testing.T, raw []byte) (string, map[string]string, []string, map[string]string) {
	t.Helper()
	e, err := gomessage.Read(bytes.NewReader(raw))
	require.NoError(t, err)
	mediaType, params, err := e.Header.ContentType()
	require.NoError(t, err)

	mr := e.MultipartReader()
	require.NotNil(t, mr, "expected a multipart message")
	var types []string
	bodies := make(map[string]string)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ct, _, _ := p.Header.ContentType()
		b, err := io.ReadAll(p.Body)
		require.NoError(t, err)
		types = append(types, ct)
		bodies[ct] = string(b)
	}
	return mediaType, params, types, bodies
}

func TestParseDisposition(t *testing.T) {
	d, ok := ParseDisposition(" Displayed ")
	assert.True(t, ok)
	assert.Equal(t, Displayed, d)

	_, ok = ParseDisposition("ignore")
	assert.False(t, ok)
}

func TestCompose(t *testing.T) {
	orig := message.MustParse(original)
	env, err := Compose(orig, Deleted, testOptions())
	require.NoError(t, err)

	assert.Equal(t, "bob@example.org", env.From)
	assert.Equal(t, []string{"alice@example.com"}, env.Recipients)

	reply := message.MustParse(string(env.Raw))
	subject, _ := reply.HeaderByName("Subject")
	assert.Equal(t, "Message Disposition Notification: Lunch", subject)
	inReplyTo, _ := reply.HeaderByName("In-Reply-To")
	assert.Equal(t, "<lunch@example.com>", inReplyTo)
	auto, _ := reply.HeaderByName("Auto-Submitted")
	assert.Equal(t, "auto-replied", auto)

	mediaType, params, types, bodies := parts(t, env.Raw)
	assert.Equal(t, "multipart/report", mediaType)
	assert.Equal(t, "disposition-notification", params["report-type"])
	assert.Equal(t, []string{"text/plain", "message/disposition-notification", "text/rfc822-headers"}, types)

	report := bodies["message/disposition-notification"]
	assert.Contains(t, report, "Reporting-UA: mx.example.org; mailfilter")
	assert.Contains(t, report, "Final-Recipient: rfc822; bob@example.org")
	assert.Contains(t, report, "Original-Message-ID: <lunch@example.com>")
	assert.Contains(t, report, "Disposition: automatic-action/MDN-sent-automatically; deleted")
	assert.Contains(t, bodies["text/plain"], "has been deleted unseen")
	assert.Contains(t, bodies["text/rfc822-headers"], "Subject: Lunch")
}

func TestComposeErrors(t *testing.T) {
	noDNT := message.MustParse("From: a@example.com\r\nSubject: x\r\n\r\nbody\r\n")
	_, err := Compose(noDNT, Displayed, testOptions())
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = Compose(message.MustParse(original), Disposition("bogus"), testOptions())
	assert.Error(t, err)
}

func TestDeliveryReceipt(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"return path", "Return-Path: <bounce@example.com>\r\nFrom: alice@example.com\r\nSubject: s\r\n\r\nb\r\n", []string{"bounce@example.com"}},
		{"from fallback", "From: Alice <alice@example.com>\r\nSubject: s\r\n\r\nb\r\n", []string{"alice@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DeliveryReceipt(message.MustParse(tt.raw), testOptions())
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Recipients)

			receipt := message.MustParse(string(env.Raw))
			subject, _ := receipt.HeaderByName("Subject")
			assert.Equal(t, "Receipt: s", subject)
			assert.Contains(t, string(receipt.RawBody()), "Your message was successfully delivered.")
		})
	}

	_, err := DeliveryReceipt(message.MustParse("Subject: orphan\r\n\r\nb\r\n"), testOptions())
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestRedirect(t *testing.T) {
	orig := message.MustParse(original)
	env, err := Redirect(orig, "carol@example.net", testOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@example.net"}, env.Recipients)

	raw := string(env.Raw)
	assert.True(t, strings.HasPrefix(raw, "Resent-From: Bob <bob@example.org>\r\nResent-To: carol@example.net\r\nResent-Date: "), raw)
	assert.NotContains(t, raw, "hidden@example.com")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nNoon?\r\n"))

	// The original is left alone.
	assert.Equal(t, original, string(orig.RawEncodedContent()))

	_, err = Redirect(orig, "", testOptions())
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestForward(t *testing.T) {
	orig := message.MustParse(original)
	env, err := Forward(orig, "Carol <carol@example.net>", testOptions())
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@example.net"}, env.Recipients)

	fwd := message.MustParse(string(env.Raw))
	subject, _ := fwd.HeaderByName("Subject")
	assert.Equal(t, "Fwd: Lunch", subject)

	mediaType, _, types, bodies := parts(t, env.Raw)
	assert.Equal(t, "multipart/mixed", mediaType)
	assert.Equal(t, []string{"text/plain", "message/rfc822"}, types)
	assert.Equal(t, original, bodies["message/rfc822"])
	assert.Contains(t, bodies["text/plain"], "From: Alice <alice@example.com>")
}
