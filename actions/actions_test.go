package actions

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainHeader = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.org>\r\n" +
	"Subject: Status update\r\n" +
	"Date: Tue, 14 May 2024 10:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n"

const plainMessage = plainHeader + "\r\n" + "All systems nominal.\r\n"

func newContext(raw string, full bool) *item.ItemContext {
	it := item.New(message.MustParse(raw))
	it.ID = "42"
	it.Collection = "INBOX"
	it.URL = "imap://bob@example.org/INBOX;UID=42"
	return item.NewContext(it, full)
}

func process(t *testing.T, a Action, env *filterenv.Env, ic *item.ItemContext) ReturnCode {
	t.Helper()
	return a.Process(context.Background(), env, ic, false)
}

func create(t *testing.T, name, args string) Action {
	t.Helper()
	a, err := Create(name, args)
	require.NoError(t, err)
	return a
}

func TestAddHeaderEndToEnd(t *testing.T) {
	ic := newContext(plainMessage, true)
	a := create(t, "add header", "testheader\tfoo")

	assert.Equal(t, GoOn, process(t, a, nil, ic))
	assert.True(t, ic.NeedsPayloadStore())
	assert.False(t, ic.NeedsFlagStore())
	assert.False(t, ic.DeleteItem())

	want := plainHeader + "testheader: foo\r\n\r\nAll systems nominal.\r\n"
	assert.Equal(t, want, string(ic.Item().Message.RawEncodedContent()))
}

func TestAddHeaderIdempotent(t *testing.T) {
	ic := newContext(plainMessage, true)
	a := create(t, "add header", "X-Priority\t1")

	require.Equal(t, GoOn, process(t, a, nil, ic))
	once := string(ic.Item().Message.RawEncodedContent())
	require.Equal(t, GoOn, process(t, a, nil, ic))
	assert.Equal(t, once, string(ic.Item().Message.RawEncodedContent()))
	assert.Equal(t, 1, ic.Item().Message.HeaderCount("X-Priority"))
}

func TestReplyToIdempotent(t *testing.T) {
	ic := newContext(plainMessage, true)
	a := create(t, "set Reply-To", "list@example.com")

	require.Equal(t, GoOn, process(t, a, nil, ic))
	once := string(ic.Item().Message.RawEncodedContent())
	require.Equal(t, GoOn, process(t, a, nil, ic))
	assert.Equal(t, once, string(ic.Item().Message.RawEncodedContent()))

	v, _ := ic.Item().Message.HeaderByName("Reply-To")
	assert.Equal(t, "list@example.com", v)
}

func TestReplyToEncodesOnlyDisplayName(t *testing.T) {
	ic := newContext(plainMessage, true)
	require.Equal(t, GoOn, process(t, create(t, "set Reply-To", "Zoë Liste <zoe@example.org>"), nil, ic))

	raw := string(ic.Item().Message.RawHeader())
	assert.Contains(t, raw, "?= <zoe@example.org>\r\n")
	addrs := ic.Item().Message.Addresses(message.FieldReplyTo)
	require.Len(t, addrs, 1)
	assert.Equal(t, "Zoë Liste", addrs[0].Name)
	assert.Equal(t, "zoe@example.org", addrs[0].Address)
}

func TestEmptyActionsDoNotMutate(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"add header", "\tfoo"},
		{"add header", "X-Test\t"},
		{"remove header", ""},
		{"rewrite header", "Subject\t\tbla"},
		{"rewrite header", "Subject\t([\tbla"},
		{"set Reply-To", ""},
		{"add tag", ""},
		{"transfer", ""},
		{"execute", "   "},
		{"filter app", ""},
		{"set identity", "0"},
		{"set transport", ""},
		{"encrypt", ""},
		{"fake mdn", ""},
		{"add to address book", "Organization\tcontacts\t"},
		{"set status", "Nonsense"},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+tt.args, func(t *testing.T) {
			ic := newContext(plainMessage, true)
			a := create(t, tt.name, tt.args)
			assert.True(t, a.IsEmpty())
			assert.Equal(t, ErrorButGoOn, process(t, a, &filterenv.Env{}, ic))
			assert.Equal(t, plainMessage, string(ic.Item().Message.RawEncodedContent()))
			assert.False(t, ic.NeedsPayloadStore())
			assert.False(t, ic.NeedsFlagStore())
		})
	}
}

func TestNeedComplete(t *testing.T) {
	for _, name := range []string{"add header", "remove header", "rewrite header", "decrypt", "encrypt", "execute", "filter app", "redirect"} {
		a := create(t, name, "")
		switch name {
		case "add header":
			a.ArgsFromString("X-Test\tv")
		case "remove header":
			a.ArgsFromString("X-Test")
		case "rewrite header":
			a.ArgsFromString("Subject\tfoo\tbar")
		case "encrypt":
			a.ArgsFromString("PGP:ABCD:0")
		case "execute", "filter app":
			a.ArgsFromString("cat")
		case "redirect":
			a.ArgsFromString("carol@example.net")
		}
		ic := newContext(plainHeader+"\r\n", false)
		assert.Equal(t, ErrorNeedComplete, process(t, a, &filterenv.Env{}, ic), name)
		assert.False(t, ic.NeedsPayloadStore(), name)
	}
}

func TestRemoveHeaderAllOccurrences(t *testing.T) {
	raw := "testheader: 1\r\n" + plainHeader + "testheader: 2\r\ntestheader: 3\r\n\r\nbody\r\n"
	ic := newContext(raw, true)
	a := create(t, "remove header", "testheader")

	assert.Equal(t, GoOn, process(t, a, nil, ic))
	assert.Equal(t, 0, ic.Item().Message.HeaderCount("testheader"))
	assert.True(t, ic.NeedsPayloadStore())
	assert.Equal(t, plainHeader+"\r\nbody\r\n", string(ic.Item().Message.RawEncodedContent()))
}

func TestRemoveHeaderAbsent(t *testing.T) {
	ic := newContext(plainMessage, true)
	assert.Equal(t, GoOn, process(t, create(t, "remove header", "testheader"), nil, ic))
	assert.False(t, ic.NeedsPayloadStore())
	assert.Equal(t, plainMessage, string(ic.Item().Message.RawEncodedContent()))
}

func TestRewriteHeaderMissingHeader(t *testing.T) {
	ic := newContext(plainMessage, true)
	a := create(t, "rewrite header", "testheader\tfoo\tbla")

	assert.Equal(t, GoOn, process(t, a, nil, ic))
	assert.False(t, ic.NeedsPayloadStore())
	assert.Equal(t, plainMessage, string(ic.Item().Message.RawEncodedContent()))
}

func TestRewriteHeader(t *testing.T) {
	raw := "Subject: [PATCH 3/7] fix parser\r\nFrom: a@example.com\r\n\r\nbody\r\n"
	a := create(t, "rewrite header", `Subject`+"\t"+`\[PATCH (\d+)/(\d+)\]`+"\t"+`(part \1 of \2, $5)`)

	ic := newContext(raw, true)
	assert.Equal(t, GoOn, process(t, a, nil, ic))
	assert.True(t, ic.NeedsPayloadStore())
	subject, _ := ic.Item().Message.HeaderByName("Subject")
	assert.Equal(t, "(part 3 of 7, $5) fix parser", subject)

	// A second run finds nothing left to rewrite.
	again := item.NewContext(ic.Item(), true)
	assert.Equal(t, GoOn, process(t, a, nil, again))
	assert.False(t, again.NeedsPayloadStore())
}

func TestRewriteHeaderNoMatch(t *testing.T) {
	ic := newContext(plainMessage, true)
	a := create(t, "rewrite header", "Subject\tnomatch\tbla")
	assert.Equal(t, GoOn, process(t, a, nil, ic))
	assert.False(t, ic.NeedsPayloadStore())
}

func TestDelete(t *testing.T) {
	for _, full := range []bool{true, false} {
		ic := newContext(plainMessage, full)
		a := create(t, "delete", "")
		assert.False(t, a.IsEmpty())
		assert.Equal(t, GoOn, process(t, a, nil, ic))
		assert.True(t, ic.DeleteItem())
		assert.False(t, ic.NeedsPayloadStore())
		assert.False(t, ic.NeedsFlagStore())
	}
}

func TestAddTag(t *testing.T) {
	env := &filterenv.Env{Tags: fakeTags{"t1": "Work"}}

	ic := newContext(plainMessage, false)
	assert.Equal(t, GoOn, process(t, create(t, "add tag", "t1"), env, ic))
	assert.True(t, ic.NeedsFlagStore())
	assert.Equal(t, []string{"t1"}, ic.Item().Tags)

	ic = newContext(plainMessage, false)
	assert.Equal(t, ErrorButGoOn, process(t, create(t, "add tag", "deleted-tag"), env, ic))
	assert.False(t, ic.NeedsFlagStore())
	assert.Empty(t, ic.Item().Tags)

	assert.Equal(t, ErrorButGoOn, process(t, create(t, "add tag", "t1"), &filterenv.Env{}, newContext(plainMessage, false)))
}

func TestStatusActions(t *testing.T) {
	ic := newContext(plainMessage, false)
	it := ic.Item()

	assert.Equal(t, GoOn, process(t, create(t, "set status", "Read"), nil, ic))
	assert.True(t, it.HasFlag(imap.FlagSeen))
	assert.True(t, ic.NeedsFlagStore())

	assert.Equal(t, GoOn, process(t, create(t, "set status", "Unread"), nil, ic))
	assert.False(t, it.HasFlag(imap.FlagSeen))

	assert.Equal(t, GoOn, process(t, create(t, "set status", "Spam"), nil, ic))
	assert.True(t, it.HasFlag(item.FlagSpam))
	assert.Equal(t, GoOn, process(t, create(t, "unset status", "spam"), nil, ic))
	assert.False(t, it.HasFlag(item.FlagSpam))

	// Nothing to change keeps the flag store untouched.
	quiet := newContext(plainMessage, false)
	assert.Equal(t, GoOn, process(t, create(t, "unset status", "Important"), nil, quiet))
	assert.False(t, quiet.NeedsFlagStore())
}

func TestMoveAndCopy(t *testing.T) {
	ic := newContext(plainMessage, false)
	assert.Equal(t, GoOn, process(t, create(t, "transfer", "INBOX"), nil, ic))
	_, moved := ic.MoveTargetCollection()
	assert.False(t, moved, "moving into the current collection is a no-op")

	assert.Equal(t, GoOn, process(t, create(t, "transfer", "Archive"), nil, ic))
	target, moved := ic.MoveTargetCollection()
	assert.True(t, moved)
	assert.Equal(t, "Archive", target)

	copier := &fakeCopier{}
	assert.Equal(t, GoOn, process(t, create(t, "copy", "Backup"), &filterenv.Env{Copier: copier}, ic))
	assert.Equal(t, []string{"INBOX/42->Backup"}, copier.copies)
	assert.Equal(t, ErrorButGoOn, process(t, create(t, "copy", "Backup"), &filterenv.Env{}, ic))
}

func TestSetIdentity(t *testing.T) {
	env := &filterenv.Env{Identities: fakeIdentities{
		7: {UOID: 7, Name: "Work", Email: "bob@work.example", Bcc: []string{"archive@work.example"}},
	}}

	ic := newContext(plainMessage, true)
	require.Equal(t, GoOn, create(t, "set identity", "7").Process(context.Background(), env, ic, true))
	msg := ic.Item().Message
	id, _ := msg.HeaderByName(HeaderIdentity)
	assert.Equal(t, "7", id)
	from, _ := msg.HeaderByName("From")
	assert.Equal(t, `"Work" <bob@work.example>`, from)
	bcc, _ := msg.HeaderByName("Bcc")
	assert.Equal(t, "archive@work.example", bcc)
	assert.True(t, ic.NeedsPayloadStore())

	// Same identity again changes nothing.
	again := item.NewContext(ic.Item(), true)
	assert.Equal(t, GoOn, process(t, create(t, "set identity", "7"), env, again))
	assert.False(t, again.NeedsPayloadStore())

	// Inbound application leaves From alone.
	inbound := newContext(plainMessage, true)
	require.Equal(t, GoOn, process(t, create(t, "set identity", "7"), env, inbound))
	from, _ = inbound.Item().Message.HeaderByName("From")
	assert.Equal(t, "Alice <alice@example.com>", from)

	assert.Equal(t, ErrorButGoOn, process(t, create(t, "set identity", "9"), env, newContext(plainMessage, true)))
}

func TestSetTransport(t *testing.T) {
	env := &filterenv.Env{Transports: fakeTransports{"smtp-main"}}

	ic := newContext(plainMessage, true)
	assert.Equal(t, GoOn, process(t, create(t, "set transport", "smtp-main"), env, ic))
	v, _ := ic.Item().Message.HeaderByName(HeaderTransport)
	assert.Equal(t, "smtp-main", v)
	assert.True(t, ic.NeedsPayloadStore())

	ic = newContext(plainMessage, true)
	assert.Equal(t, ErrorButGoOn, process(t, create(t, "set transport", "gone"), env, ic))
	assert.False(t, ic.NeedsPayloadStore())
}

func TestRunLogsAppliedAction(t *testing.T) {
	log := filterlog.New(0)
	env := &filterenv.Env{Log: log}
	ic := newContext(plainMessage, true)

	code := Run(context.Background(), env, create(t, "add header", "X-Test\tv"), ic, false)
	assert.Equal(t, GoOn, code)
	require.Len(t, log.Entries(), 1)
	assert.Equal(t, "Add Header: X-Test, v -> go-on", log.Entries()[0].Message)
	assert.Equal(t, filterlog.AppliedAction, log.Entries()[0].Category)

	// Behaviour without a log is the same.
	ic2 := newContext(plainMessage, true)
	assert.Equal(t, GoOn, Run(context.Background(), nil, create(t, "add header", "X-Test\tv"), ic2, false))
	assert.Equal(t, ic.Item().Message.RawEncodedContent(), ic2.Item().Message.RawEncodedContent())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Delete Message", Describe(NewDelete()))
	assert.True(t, strings.HasPrefix(Describe(create(t, "redirect", "a@example.com")), "Redirect To: "))
}
