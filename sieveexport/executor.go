package sieveexport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/go-sieve"
	"github.com/foxcpp/go-sieve/interp"
	"github.com/migadu/mailfilter/message"
)

type Action string

const (
	ActionKeep     Action = "keep"
	ActionDiscard  Action = "discard"
	ActionFileInto Action = "fileinto"
	ActionRedirect Action = "redirect"
)

// Extensions are the Sieve extensions exported scripts may use.
var Extensions = []string{
	"comparator-i;octet",
	"copy",
	"editheader",
	"envelope",
	"fileinto",
	"imap4flags",
	"regex",
	"relational",
	"variables",
}

// HeaderEdit is one addheader or deleteheader command.
type HeaderEdit struct {
	Action    string // "add" or "delete"
	FieldName string
	Value     string
	Last      bool // add: append instead of prepend; delete: Index counts from the end
	Index     int  // delete: 1-based occurrence, 0 for all
}

type Result struct {
	Action        Action
	Mailbox       string
	RedirectTo    string
	Flags         []string
	Copy          bool // keep a copy in the original folder as well
	CreateMailbox bool
	HeaderEdits   []HeaderEdit
}

// Envelope is the SMTP envelope of the evaluated message.
type Envelope struct {
	From string
	To   string
	Auth string
}

func (e *Envelope) EnvelopeFrom() string { return e.From }
func (e *Envelope) EnvelopeTo() string   { return e.To }
func (e *Envelope) AuthUsername() string { return e.Auth }

type sieveMessage struct {
	msg *message.Message
}

func (m sieveMessage) HeaderGet(key string) ([]string, error) {
	return m.msg.HeaderValues(key), nil
}

func (m sieveMessage) MessageSize() int {
	return len(m.msg.RawEncodedContent())
}

// policy allows every redirect and never answers with a vacation message.
type policy struct{}

func (policy) RedirectAllowed(context.Context, *interp.RuntimeData, string) (bool, error) {
	return true, nil
}

func (policy) VacationResponseAllowed(context.Context, *interp.RuntimeData, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (policy) SendVacationResponse(context.Context, *interp.RuntimeData, string, string, string, string, bool) error {
	return nil
}

// Executor evaluates one loaded script.
type Executor struct {
	script *sieve.Script
}

func load(script string, extensions []string) (*sieve.Script, error) {
	options := sieve.DefaultOptions()
	options.EnabledExtensions = extensions
	return sieve.Load(strings.NewReader(script), options)
}

// Validate reports whether script loads with Extensions.
func Validate(script string) error {
	_, err := load(script, Extensions)
	return err
}

// NewExecutor loads script. With nil extensions every extension go-sieve
// knows is allowed.
func NewExecutor(script string, extensions []string) (*Executor, error) {
	s, err := load(script, extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to load sieve script: %w", err)
	}
	return &Executor{script: s}, nil
}

// Evaluate runs the script for msg. A failed run keeps the message.
func (e *Executor) Evaluate(ctx context.Context, env Envelope, msg *message.Message) (Result, error) {
	data := sieve.NewRuntimeData(e.script, policy{}, &env, sieveMessage{msg: msg})
	if err := e.script.Execute(ctx, data); err != nil {
		return Result{Action: ActionKeep}, err
	}

	result := Result{Action: ActionKeep, Flags: []string{}}
	switch {
	case len(data.Mailboxes) > 0:
		result.Action = ActionFileInto
		result.Mailbox = data.Mailboxes[0]
		// :copy leaves the implicit keep in place, an explicit keep sets Keep.
		result.Copy = data.ImplicitKeep || data.Keep
		for _, m := range data.MailboxesCreate {
			if m == result.Mailbox {
				result.CreateMailbox = true
				break
			}
		}
	case len(data.RedirectAddr) > 0:
		result.Action = ActionRedirect
		result.RedirectTo = data.RedirectAddr[0]
		result.Copy = data.ImplicitKeep || data.Keep
	case !data.Keep && !data.ImplicitKeep:
		result.Action = ActionDiscard
	}

	if len(data.Flags) > 0 {
		result.Flags = data.Flags
	}
	for _, edit := range data.HeaderEdits {
		result.HeaderEdits = append(result.HeaderEdits, HeaderEdit{
			Action:    edit.Action,
			FieldName: edit.FieldName,
			Value:     edit.Value,
			Last:      edit.Last,
			Index:     edit.Index,
		})
	}
	return result, nil
}

// ApplyHeaderEdits performs edits on msg in order. Occurrences that survive
// a partial delete move to the end of the header block.
func ApplyHeaderEdits(msg *message.Message, edits []HeaderEdit) {
	for _, edit := range edits {
		switch edit.Action {
		case "add":
			if edit.Last {
				msg.AppendHeader(edit.FieldName, edit.Value)
			} else {
				msg.PrependHeader(edit.FieldName, edit.Value)
			}
		case "delete":
			deleteHeader(msg, edit)
		}
	}
}

func deleteHeader(msg *message.Message, edit HeaderEdit) {
	if edit.Index == 0 && edit.Value == "" {
		msg.RemoveHeader(edit.FieldName)
		return
	}

	values := msg.HeaderValues(edit.FieldName)
	drop := -1
	switch {
	case edit.Index > 0 && edit.Last:
		drop = len(values) - edit.Index
	case edit.Index > 0:
		drop = edit.Index - 1
	default:
		for i, v := range values {
			if v == edit.Value {
				drop = i
				break
			}
		}
	}
	if drop < 0 || drop >= len(values) {
		return
	}

	msg.RemoveHeader(edit.FieldName)
	for i, v := range values {
		if i != drop {
			msg.AppendHeader(edit.FieldName, v)
		}
	}
}
