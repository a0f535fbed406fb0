package search

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/message"
	"github.com/migadu/mailfilter/pgp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessage = "From: Alice Example <alice@example.com>\n" +
	"To: Bob <bob@example.org>\n" +
	"Cc: carol@example.net\n" +
	"Subject: Quarterly Report\n" +
	"Date: Tue, 14 May 2024 10:00:00 +0000\n" +
	"Message-ID: <r1@example.com>\n" +
	"X-Spam-Score: 7\n" +
	"\n" +
	"Numbers are up this quarter.\n"

func testItem(t *testing.T) *item.Item {
	t.Helper()
	it := item.New(message.MustParse(testMessage))
	it.Flags = []imap.Flag{imap.FlagSeen, imap.FlagFlagged}
	it.Tags = []string{"work", "finance"}
	return it
}

type fakeAddressBook struct {
	contacts map[string][]filterenv.Contact
	err      error
	lookups  []string
}

func (f *fakeAddressBook) FindByEmail(_ context.Context, email string) ([]filterenv.Contact, error) {
	f.lookups = append(f.lookups, email)
	if f.err != nil {
		return nil, f.err
	}
	return f.contacts[email], nil
}

func (f *fakeAddressBook) HasCollection(context.Context, string) (bool, error) { return true, nil }

func (f *fakeAddressBook) CreateContact(context.Context, string, filterenv.Contact) error {
	return nil
}

type fakeCrypto struct{ encrypted bool }

func (f fakeCrypto) IsEncrypted([]byte) bool { return f.encrypted }
func (fakeCrypto) Decrypt(_ context.Context, c []byte) ([]byte, error) {
	return c, nil
}
func (fakeCrypto) Encrypt(_ context.Context, c []byte, _ filterenv.EncryptionKey) ([]byte, error) {
	return c, nil
}
func (fakeCrypto) EncryptionKeyFingerprint([]byte) string { return "" }

func TestFunctionPairs(t *testing.T) {
	pairs := map[Function]Function{
		FuncContains:        FuncContainsNot,
		FuncEquals:          FuncNotEqual,
		FuncRegExp:          FuncNotRegExp,
		FuncIsGreater:       FuncIsLessOrEqual,
		FuncIsLess:          FuncIsGreaterOrEqual,
		FuncIsInAddressbook: FuncIsNotInAddressbook,
		FuncIsInCategory:    FuncIsNotInCategory,
		FuncHasAttachment:   FuncHasNoAttachment,
		FuncStartWith:       FuncNotStartWith,
		FuncEndWith:         FuncNotEndWith,
		FuncHasInvitation:   FuncHasNoInvitation,
	}
	for pos, neg := range pairs {
		assert.False(t, pos.IsNegated(), pos.String())
		assert.True(t, neg.IsNegated(), neg.String())
		assert.Equal(t, neg, pos.Negation())
		assert.Equal(t, pos, neg.Negation())
		assert.Equal(t, pos, neg.Positive())
	}
	assert.False(t, FuncNone.IsNegated())
	assert.Equal(t, FuncNone, FuncNone.Negation())
	assert.Len(t, Functions(), 22)

	for _, f := range Functions() {
		assert.Equal(t, f, ParseFunction(f.String()))
	}
	assert.Equal(t, FuncNone, ParseFunction("bogus"))
	assert.Equal(t, FuncNotEqual, ParseFunction(" Not-Equal "))
}

func TestCreateInstance(t *testing.T) {
	tests := []struct {
		field string
		want  any
		part  RequiredPart
	}{
		{"<size>", &NumericalRule{}, Envelope},
		{"<age in days>", &NumericalRule{}, Envelope},
		{"<date>", &DateRule{}, Envelope},
		{"<status>", &StatusRule{}, Envelope},
		{"<encryption>", &EncryptionRule{}, CompleteMessage},
		{"<message>", &StringRule{}, CompleteMessage},
		{"<body>", &StringRule{}, CompleteMessage},
		{"<any header>", &StringRule{}, Header},
		{"<recipients>", &StringRule{}, Envelope},
		{"<tag>", &StringRule{}, Envelope},
		{"Subject", &StringRule{}, Envelope},
		{"message-id", &StringRule{}, Envelope},
		{"X-Spam-Score", &StringRule{}, Header},
	}
	for _, tt := range tests {
		r := CreateInstance(tt.field, FuncContains, "1")
		assert.IsType(t, tt.want, r, tt.field)
		assert.Equal(t, tt.part, r.RequiredPart(), tt.field)
	}
}

func TestIsEmpty(t *testing.T) {
	tests := []struct {
		rule  Rule
		empty bool
	}{
		{NewStringRule("Subject", FuncContains, "x"), false},
		{NewStringRule(" ", FuncContains, "x"), true},
		{NewStringRule("Subject", FuncContains, ""), true},
		{NewStringRule("<message>", FuncHasAttachment, ""), false},
		{NewStringRule("From", FuncIsInAddressbook, ""), false},
		{NewStringRule("From", FuncIsInCategory, ""), true},
		{NewStringRule("Subject", FuncRegExp, "("), true},
		{NewNumericalRule("<size>", FuncIsGreater, "100"), false},
		{NewNumericalRule("<size>", FuncIsGreater, "100k"), true},
		{NewDateRule("<date>", FuncEquals, "2024-05-14"), false},
		{NewDateRule("<date>", FuncEquals, "14.05.2024"), true},
		{NewStatusRule("<status>", FuncContains, "Important"), false},
		{NewStatusRule("<status>", FuncContains, "Shiny"), true},
		{NewEncryptionRule("<encryption>", FuncEquals, ""), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.empty, tt.rule.IsEmpty(), tt.rule.String())
	}
}

func TestStringRuleFunctions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		field    string
		function Function
		contents string
		want     bool
	}{
		{"Subject", FuncContains, "quarterly", true},
		{"subject", FuncContainsNot, "weekly", true},
		{"Subject", FuncEquals, "quarterly report", true},
		{"Subject", FuncNotEqual, "quarterly report", false},
		{"Subject", FuncRegExp, "^quar.*rt$", true},
		{"Subject", FuncNotRegExp, "weekly", true},
		{"Subject", FuncIsGreater, "p", true},
		{"Subject", FuncIsLess, "p", false},
		{"Subject", FuncIsLessOrEqual, "quarterly report", true},
		{"Subject", FuncIsGreaterOrEqual, "quarterly report", true},
		{"Subject", FuncStartWith, "Quarterly", true},
		{"Subject", FuncStartWith, "quarterly", false},
		{"Subject", FuncEndWith, "Report", true},
		{"Subject", FuncNotEndWith, "Report", false},
		{"X-Spam-Score", FuncEquals, "7", true},
		{"<body>", FuncContains, "this quarter", true},
		{"<message>", FuncContains, "Message-ID: <r1@example.com>", true},
		{"<any header>", FuncContains, "x-spam-score: 7", true},
		{"<any header>", FuncContains, "this quarter", false},
		{"<recipients>", FuncContains, "carol@", true},
		{"<tag>", FuncEquals, "finance", true},
		{"<tag>", FuncNotEqual, "finance", false},
		{"<tag>", FuncContains, "travel", false},
		{"<message>", FuncHasAttachment, "", false},
		{"<message>", FuncHasNoAttachment, "", true},
		{"<message>", FuncHasInvitation, "", false},
		{"Subject", FuncNone, "x", false},
	}
	for _, tt := range tests {
		r := NewStringRule(tt.field, tt.function, tt.contents)
		if got := r.Matches(ctx, nil, testItem(t)); got != tt.want {
			t.Errorf("%s = %v, want %v", r, got, tt.want)
		}
	}
}

func TestStringRuleEmptyValueNeverMatches(t *testing.T) {
	ctx := context.Background()
	it := testItem(t)
	for _, f := range []Function{FuncContains, FuncContainsNot, FuncEquals, FuncNotEqual, FuncRegExp, FuncNotRegExp, FuncIsLess, FuncIsGreaterOrEqual} {
		r := NewStringRule("X-Missing", f, "x")
		assert.False(t, r.Matches(ctx, nil, it), r.String())
	}

	noRecipients := item.New(message.MustParse("Subject: x\n\n"))
	assert.False(t, NewStringRule("<recipients>", FuncContainsNot, "x").Matches(ctx, nil, noRecipients))
	assert.False(t, NewStringRule("<tag>", FuncNotEqual, "x").Matches(ctx, nil, noRecipients))
}

func TestRecipientsEqualityIsPerHeader(t *testing.T) {
	ctx := context.Background()
	it := testItem(t)

	eq := NewStringRule("<recipients>", FuncEquals, "carol@example.net")
	ne := NewStringRule("<recipients>", FuncNotEqual, "carol@example.net")
	assert.True(t, eq.Matches(ctx, nil, it))
	// To differs from the contents, so not-equal holds as well.
	assert.True(t, ne.Matches(ctx, nil, it))

	contains := NewStringRule("<recipients>", FuncContains, "bob@example.org>, carol")
	assert.True(t, contains.Matches(ctx, nil, it))
}

func TestAttachmentAndInvitation(t *testing.T) {
	ctx := context.Background()
	raw := "Content-Type: multipart/mixed; boundary=B\n\n" +
		"--B\nContent-Type: text/plain\n\nhi\n" +
		"--B\nContent-Type: text/calendar\n\nBEGIN:VCALENDAR\n" +
		"--B\nContent-Type: image/png\nContent-Disposition: attachment; filename=x.png\n\nPNG\n" +
		"--B--\n"
	it := item.New(message.MustParse(raw))
	assert.True(t, NewStringRule("<attachment>", FuncHasAttachment, "").Matches(ctx, nil, it))
	assert.True(t, NewStringRule("<message>", FuncHasInvitation, "").Matches(ctx, nil, it))
	assert.False(t, NewStringRule("<message>", FuncHasNoInvitation, "").Matches(ctx, nil, it))

	flagged := item.New(message.MustParse("Subject: x\n\n"))
	flagged.Flags = []imap.Flag{item.FlagHasAttachment}
	assert.True(t, NewStringRule("<message>", FuncHasAttachment, "").Matches(ctx, nil, flagged))
}

func TestAddressBookFunctions(t *testing.T) {
	ctx := context.Background()
	book := &fakeAddressBook{contacts: map[string][]filterenv.Contact{
		"alice@example.com": {{Email: "alice@example.com", Categories: []string{"Friends"}}},
	}}
	env := &filterenv.Env{AddressBook: book}
	it := testItem(t)

	assert.True(t, NewStringRule("From", FuncIsInAddressbook, "").Matches(ctx, env, it))
	assert.False(t, NewStringRule("From", FuncIsNotInAddressbook, "").Matches(ctx, env, it))
	assert.False(t, NewStringRule("To", FuncIsInAddressbook, "").Matches(ctx, env, it))
	assert.True(t, NewStringRule("To", FuncIsNotInAddressbook, "").Matches(ctx, env, it))

	assert.True(t, NewStringRule("From", FuncIsInCategory, "friends").Matches(ctx, env, it))
	assert.False(t, NewStringRule("From", FuncIsInCategory, "Family").Matches(ctx, env, it))
	assert.True(t, NewStringRule("From", FuncIsNotInCategory, "Family").Matches(ctx, env, it))

	// First hit stops the lookups.
	book.lookups = nil
	multi := item.New(message.MustParse("To: alice@example.com, zed@example.com\n\n"))
	assert.True(t, NewStringRule("To", FuncIsInAddressbook, "").Matches(ctx, env, multi))
	assert.Equal(t, []string{"alice@example.com"}, book.lookups)

	book.err = errors.New("offline")
	assert.False(t, NewStringRule("From", FuncIsInAddressbook, "").Matches(ctx, env, it))
	assert.False(t, NewStringRule("From", FuncIsInAddressbook, "").Matches(ctx, nil, it))
}

func TestNumericalRule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 24, 9, 0, 0, 0, time.UTC)
	env := &filterenv.Env{Now: func() time.Time { return now }}
	it := testItem(t)
	it.Size = 2048

	tests := []struct {
		field    string
		function Function
		contents string
		want     bool
	}{
		{"<size>", FuncIsGreater, "1024", true},
		{"<size>", FuncIsLessOrEqual, "1024", false},
		{"<size>", FuncIsLess, "4096", true},
		{"<size>", FuncEquals, "2048", true},
		{"<size>", FuncNotEqual, "2048", false},
		{"<size>", FuncContains, "04", true},
		{"<size>", FuncRegExp, "^2\\d+8$", true},
		{"<size>", FuncStartWith, "2", false},
		{"<size>", FuncNotStartWith, "2", false},
		{"<age in days>", FuncEquals, "10", true},
		{"<age in days>", FuncIsGreater, "7", true},
		{"<age in days>", FuncIsGreaterOrEqual, "11", false},
	}
	for _, tt := range tests {
		r := NewNumericalRule(tt.field, tt.function, tt.contents)
		if got := r.Matches(ctx, env, it); got != tt.want {
			t.Errorf("%s = %v, want %v", r, got, tt.want)
		}
	}

	undated := item.New(message.MustParse("Subject: x\n\n"))
	assert.False(t, NewNumericalRule("<age in days>", FuncIsLess, "100").Matches(ctx, env, undated))
	assert.False(t, NewNumericalRule("<age in days>", FuncIsGreaterOrEqual, "100").Matches(ctx, env, undated))
}

func TestDaysBetween(t *testing.T) {
	late := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	early := time.Date(2024, 5, 2, 0, 1, 0, 0, time.UTC)
	assert.EqualValues(t, 1, daysBetween(late, early))
	assert.EqualValues(t, 0, daysBetween(early, early))
	assert.EqualValues(t, -1, daysBetween(early, late))
}

func TestDateRule(t *testing.T) {
	ctx := context.Background()
	it := testItem(t)
	tests := []struct {
		function Function
		contents string
		want     bool
	}{
		{FuncEquals, "2024-05-14", true},
		{FuncNotEqual, "2024-05-14", false},
		{FuncIsGreater, "2024-05-13", true},
		{FuncIsLessOrEqual, "2024-05-13", false},
		{FuncIsLess, "2024-05-15", true},
		{FuncIsGreaterOrEqual, "2024-05-14", true},
		{FuncEquals, "2024-05-14T23:00:00Z", true},
		{FuncContains, "2024-05-14", false},
	}
	for _, tt := range tests {
		r := NewDateRule("<date>", tt.function, tt.contents)
		if got := r.Matches(ctx, nil, it); got != tt.want {
			t.Errorf("%s = %v, want %v", r, got, tt.want)
		}
	}
}

func TestStatusRule(t *testing.T) {
	ctx := context.Background()
	it := testItem(t)
	tests := []struct {
		function Function
		contents string
		want     bool
	}{
		{FuncContains, "Important", true},
		{FuncEquals, "important", true},
		{FuncContainsNot, "Important", false},
		{FuncContains, "Read", true},
		{FuncContains, "Unread", false},
		{FuncNotEqual, "Unread", true},
		{FuncContains, "Spam", false},
		{FuncRegExp, "Important", false},
		{FuncNotRegExp, "Important", false},
	}
	for _, tt := range tests {
		r := NewStatusRule("<status>", tt.function, tt.contents)
		if got := r.Matches(ctx, nil, it); got != tt.want {
			t.Errorf("%s = %v, want %v", r, got, tt.want)
		}
	}
}

func TestStatusSetUnset(t *testing.T) {
	it := &item.Item{}
	unread, ok := LookupStatus("unread")
	require.True(t, ok)
	assert.True(t, unread.IsSet(it))

	read, _ := LookupStatus("Read")
	assert.True(t, read.Set(it))
	assert.False(t, unread.IsSet(it))
	assert.True(t, unread.Set(it))
	assert.False(t, read.IsSet(it))
	assert.True(t, unread.Unset(it))
	assert.True(t, read.IsSet(it))

	assert.Contains(t, StatusNames(), "Action Item")
	_, ok = LookupStatus("nope")
	assert.False(t, ok)
}

func TestEncryptionRule(t *testing.T) {
	ctx := context.Background()
	plain := testItem(t)
	inline := item.New(message.MustParse("Subject: x\n\n\n  -----BEGIN PGP MESSAGE-----\nxx\n-----END PGP MESSAGE-----\n"))
	mime := item.New(message.MustParse("Content-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=x\n\n"))

	isEnc := NewEncryptionRule("<encryption>", FuncEquals, "")
	notEnc := NewEncryptionRule("<encryption>", FuncNotEqual, "")
	assert.False(t, isEnc.Matches(ctx, nil, plain))
	assert.True(t, notEnc.Matches(ctx, nil, plain))
	assert.True(t, isEnc.Matches(ctx, nil, inline))
	assert.True(t, isEnc.Matches(ctx, nil, mime))
	assert.False(t, NewEncryptionRule("<encryption>", FuncContains, "").Matches(ctx, nil, inline))

	env := &filterenv.Env{Crypto: fakeCrypto{encrypted: true}}
	assert.True(t, isEnc.Matches(ctx, env, plain))

	smime := item.New(message.MustParse("Content-Type: application/pkcs7-mime; smime-type=enveloped-data; name=smime.p7m\n" +
		"Content-Transfer-Encoding: base64\n\nMIAGCSqGSIb3DQEHA6CAMIACAQAxggE=\n"))
	service, err := pgp.NewFromEntities(nil, nil, "")
	require.NoError(t, err)
	for _, env := range []*filterenv.Env{nil, {Crypto: service}, {Crypto: fakeCrypto{}}} {
		assert.True(t, isEnc.Matches(ctx, env, smime))
		assert.False(t, notEnc.Matches(ctx, env, smime))
		assert.False(t, isEnc.Matches(ctx, env, plain))
	}
}

// For every pair (X, notX) the outcomes are complementary, except for the
// functions a variant does not implement, where both sides never match.
func TestNegationComplement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 24, 0, 0, 0, 0, time.UTC)
	book := &fakeAddressBook{contacts: map[string][]filterenv.Contact{
		"alice@example.com": {{Categories: []string{"vip"}}},
	}}
	env := &filterenv.Env{AddressBook: book, Now: func() time.Time { return now }}

	allString := Functions()
	numerical := []Function{FuncContains, FuncEquals, FuncRegExp, FuncIsGreater, FuncIsLess}
	ordered := []Function{FuncEquals, FuncIsGreater, FuncIsLess}
	tags := []Function{FuncContains, FuncEquals, FuncRegExp, FuncIsGreater, FuncIsLess,
		FuncHasAttachment, FuncStartWith, FuncEndWith, FuncHasInvitation}

	rules := []struct {
		field, contents string
		supported       []Function
	}{
		{"Subject", "report", allString},
		{"From", "vip", allString},
		{"<body>", "up", allString},
		{"<tag>", "work", tags},
		{"<size>", "100", numerical},
		{"<age in days>", "10", numerical},
		{"<date>", "2024-05-14", ordered},
		{"<status>", "Read", []Function{FuncContains, FuncEquals}},
		{"<encryption>", "", []Function{FuncEquals}},
	}
	for _, rc := range rules {
		supported := make(map[Function]bool)
		for _, f := range rc.supported {
			supported[f.Positive()] = true
		}
		for _, f := range Functions() {
			if f.IsNegated() {
				continue
			}
			pos := CreateInstance(rc.field, f, rc.contents)
			neg := CreateInstance(rc.field, f.Negation(), rc.contents)
			require.False(t, pos.IsEmpty(), pos.String())
			p := pos.Matches(ctx, env, testItem(t))
			n := neg.Matches(ctx, env, testItem(t))
			if !supported[f] {
				assert.False(t, p || n, fmt.Sprintf("%s / %s is not implemented and never matches", pos, neg))
				continue
			}
			assert.NotEqual(t, p, n, fmt.Sprintf("%s vs %s", pos, neg))
		}
	}
}

func TestRuleResultsAreLogged(t *testing.T) {
	log := filterlog.New(0)
	env := &filterenv.Env{Log: log}
	NewStringRule("Subject", FuncContains, "report").Matches(context.Background(), env, testItem(t))
	require.Len(t, log.Entries(), 1)
	assert.Equal(t, `1 = "Subject" <contains> "report"`, log.Entries()[0].Message)
	assert.Equal(t, filterlog.RuleResult, log.Entries()[0].Category)
}
