package helpers

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartMessage = "From: a@example.com\r\n" +
	"To: b@example.com\r\n" +
	"Subject: report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"XX\"\r\n" +
	"\r\n" +
	"--XX\r\n" +
	"Content-Type: multipart/alternative; boundary=\"YY\"\r\n" +
	"\r\n" +
	"--YY\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Hello <b>world</b></p>\r\n" +
	"--YY--\r\n" +
	"--XX\r\n" +
	"Content-Type: application/pdf; name=\"r.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"r.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0=\r\n" +
	"--XX--\r\n"

func TestLeafParts(t *testing.T) {
	parts, err := LeafParts([]byte(multipartMessage))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Contains(t, string(parts[0]), "<b>world</b>")
	assert.Equal(t, "%PDF-", string(parts[1]), "base64 body is decoded")
}

func TestExtractText(t *testing.T) {
	text, err := ExtractText([]byte(multipartMessage))
	require.NoError(t, err)
	assert.Contains(t, text, "Hello world")
	assert.NotContains(t, text, "<p>")

	plain := "Subject: x\n\nplain body\n"
	text, err = ExtractText([]byte(plain))
	require.NoError(t, err)
	assert.Equal(t, "plain body\n", text)
}

func TestHasAttachmentAndMediaType(t *testing.T) {
	assert.True(t, HasAttachment([]byte(multipartMessage)))
	assert.False(t, HasAttachment([]byte("Subject: x\n\nbody\n")))

	invite := "Content-Type: multipart/mixed; boundary=B\n\n--B\nContent-Type: text/plain\n\nhi\n--B\nContent-Type: text/calendar; method=REQUEST\n\nBEGIN:VCALENDAR\n--B--\n"
	assert.True(t, HasMediaType([]byte(invite), "text/calendar"))
	assert.False(t, HasMediaType([]byte(multipartMessage), "text/calendar"))
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"512kb", 512 * 1024, false},
		{"5MB", 5 * 1024 * 1024, false},
		{"1gb", 1 << 30, false},
		{"10 k", 10 * 1024, false},
		{"", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSize(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	d, err = ParseDuration("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDuration("0")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDuration("soon")
	assert.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":                 "''",
		"simple":           "simple",
		"a@b.c":            "a@b.c",
		"two words":        "'two words'",
		"it's":             `'it'\''s'`,
		"$(rm -rf /)":      "'$(rm -rf /)'",
		"Subject; echo hi": "'Subject; echo hi'",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAddressList(t *testing.T) {
	addrs := ParseAddressList(`"Doe, Jane" <jane@example.com>, bob@example.com`)
	require.Len(t, addrs, 2)
	assert.Equal(t, "jane@example.com", addrs[0].Address)
	assert.Equal(t, "Doe, Jane", addrs[0].Name)
	assert.Equal(t, "bob@example.com", addrs[1].Address)

	sloppy := ParseAddressList("jane@example.com, not an address, <bob@example.com")
	require.Len(t, sloppy, 2)
	assert.Equal(t, "bob@example.com", sloppy[1].Address)

	assert.Nil(t, ParseAddressList("  "))
	assert.Equal(t, `"Jane Doe" <jane@example.com>`, FormatAddress("Jane Doe", "jane@example.com"))
	assert.Equal(t, "jane@example.com", FormatAddress("", "jane@example.com"))
}

func TestSubjectPrefixes(t *testing.T) {
	assert.Equal(t, "Meeting", NormalizeSubject("Re: Fwd: RE[2]: Meeting"))
	assert.Equal(t, "Fwd: Meeting", ForwardSubject("Meeting"))
	assert.Equal(t, "FW: Meeting", ForwardSubject("FW: Meeting"))
	assert.Equal(t, "Fwd: Re: Meeting", ForwardSubject("Re: Meeting"))
}

func TestSanitizeFlags(t *testing.T) {
	in := []imap.Flag{imap.FlagSeen, "", "  ", "$NIL", "with space", "$Label1", "$label1", imap.FlagFlagged}
	assert.Equal(t, []imap.Flag{imap.FlagSeen, "$Label1", imap.FlagFlagged}, SanitizeFlags(in))
	assert.Nil(t, SanitizeFlags(nil))
	assert.Equal(t, "abc", SanitizeUTF8("a\x00b\xffc"))
}

func TestS3Keys(t *testing.T) {
	key := NewS3Key("/mail/", "INBOX/Lists", "42")
	assert.Equal(t, "mail/INBOX/Lists/42.eml", key)
	assert.Equal(t, "mail/INBOX/Lists/42.meta", S3MetaKey(key))
	assert.True(t, strings.HasSuffix(NewS3Key("", "INBOX", "x"), "INBOX/x.eml"))
}
