// Package mdn composes the messages filter actions send on the user's behalf:
// disposition notifications (RFC 8098), delivery receipts, redirects and
// forwards.
package mdn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/google/uuid"
	"github.com/migadu/mailfilter/helpers"
	"github.com/migadu/mailfilter/message"
)

// Disposition is the disposition type reported in an MDN.
type Disposition string

const (
	Displayed  Disposition = "displayed"
	Deleted    Disposition = "deleted"
	Dispatched Disposition = "dispatched"
	Processed  Disposition = "processed"
	Denied     Disposition = "denied"
	Failed     Disposition = "failed"
)

// Dispositions lists the supported types in display order.
var Dispositions = []Disposition{Displayed, Deleted, Dispatched, Processed, Denied, Failed}

// ParseDisposition accepts a disposition name in any case.
func ParseDisposition(s string) (Disposition, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, d := range Dispositions {
		if string(d) == s {
			return d, true
		}
	}
	return "", false
}

var ErrNoRecipient = errors.New("no recipient for generated message")

// Options describe the sender of generated messages.
type Options struct {
	From     string // full From value, e.g. "Name <me@example.com>"
	Hostname string
	Now      time.Time
}

func (o Options) hostname() string {
	if o.Hostname != "" {
		return o.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

func (o Options) messageID() string {
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), o.hostname())
}

func (o Options) fromAddress() string {
	if addrs := helpers.ParseAddressList(o.From); len(addrs) > 0 {
		return addrs[0].Address
	}
	return o.From
}

// Envelope is a composed message ready for submission.
type Envelope struct {
	From       string
	Recipients []string
	Raw        []byte
}

func addresses(value string) []string {
	var out []string
	for _, a := range helpers.ParseAddressList(value) {
		out = append(out, a.Address)
	}
	return out
}

func (o Options) baseHeader(to, subject string, orig *message.Message) gomessage.Header {
	var h gomessage.Header
	h.Set("From", o.From)
	h.Set("To", to)
	h.SetText("Subject", subject)
	h.Set("Date", o.now().Format(time.RFC1123Z))
	h.Set("Message-Id", o.messageID())
	h.Set("Mime-Version", "1.0")
	if id, ok := orig.HeaderByName("Message-ID"); ok && id != "" {
		h.Set("In-Reply-To", id)
		h.Set("References", id)
	}
	return h
}

type part struct {
	contentType string
	params      map[string]string
	body        []byte
}

func writeMultipart(h gomessage.Header, mediaType string, params map[string]string, parts []part) ([]byte, error) {
	h.SetContentType(mediaType, params)
	var buf bytes.Buffer
	w, err := gomessage.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		var ph gomessage.Header
		ph.SetContentType(p.contentType, p.params)
		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(pw, bytes.NewReader(p.body)); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var dispositionText = map[Disposition]string{
	Displayed:  "The message sent on %s to %s with subject \"%s\" has been displayed. This is no guarantee that the message has been read or understood.",
	Deleted:    "The message sent on %s to %s with subject \"%s\" has been deleted unseen. This is no guarantee that the message will not be \"undeleted\" and nonetheless read later on.",
	Dispatched: "The message sent on %s to %s with subject \"%s\" has been dispatched. This is no guarantee that the message will not be read later on.",
	Processed:  "The message sent on %s to %s with subject \"%s\" has been processed by some automatic means.",
	Denied:     "The message sent on %s to %s with subject \"%s\" has been acted upon. The sender does not wish to disclose more details to you than that.",
	Failed:     "Generating a disposition notification for the message sent on %s to %s with subject \"%s\" failed.",
}

// Compose builds a disposition notification for orig, addressed to its
// Disposition-Notification-To header.
func Compose(orig *message.Message, d Disposition, opts Options) (*Envelope, error) {
	if _, ok := dispositionText[d]; !ok {
		return nil, fmt.Errorf("unknown disposition %q", d)
	}
	rcptValue, _ := orig.HeaderByName("Disposition-Notification-To")
	rcpts := addresses(rcptValue)
	if len(rcpts) == 0 {
		return nil, ErrNoRecipient
	}

	subject := orig.StructuredField(message.FieldSubject)
	sent := orig.StructuredField(message.FieldDate)
	text := fmt.Sprintf(dispositionText[d], sent, orig.StructuredField(message.FieldTo), subject) + "\r\n"

	var report strings.Builder
	fmt.Fprintf(&report, "Reporting-UA: %s; mailfilter\r\n", opts.hostname())
	if orcpt, ok := orig.HeaderByName("Original-Recipient"); ok && orcpt != "" {
		fmt.Fprintf(&report, "Original-Recipient: %s\r\n", orcpt)
	}
	fmt.Fprintf(&report, "Final-Recipient: rfc822; %s\r\n", opts.fromAddress())
	if id, ok := orig.HeaderByName("Message-ID"); ok && id != "" {
		fmt.Fprintf(&report, "Original-Message-ID: %s\r\n", id)
	}
	fmt.Fprintf(&report, "Disposition: automatic-action/MDN-sent-automatically; %s\r\n", d)

	h := opts.baseHeader(rcptValue, "Message Disposition Notification: "+subject, orig)
	h.Set("Auto-Submitted", "auto-replied")
	raw, err := writeMultipart(h, "multipart/report", map[string]string{"report-type": "disposition-notification"}, []part{
		{contentType: "text/plain", params: map[string]string{"charset": "utf-8"}, body: []byte(text)},
		{contentType: "message/disposition-notification", body: []byte(report.String())},
		{contentType: "text/rfc822-headers", body: orig.RawHeader()},
	})
	if err != nil {
		return nil, fmt.Errorf("compose disposition notification: %w", err)
	}
	return &Envelope{From: opts.fromAddress(), Recipients: rcpts, Raw: raw}, nil
}

// DeliveryReceipt tells the sender of orig that it arrived. The receipt goes
// to Return-Path, or to From when there is none.
func DeliveryReceipt(orig *message.Message, opts Options) (*Envelope, error) {
	to, _ := orig.HeaderByName("Return-Path")
	to = strings.TrimSpace(strings.Trim(strings.TrimSpace(to), "<>"))
	if to == "" {
		to = orig.StructuredField(message.FieldFrom)
	}
	rcpts := addresses(to)
	if len(rcpts) == 0 {
		return nil, ErrNoRecipient
	}

	var body strings.Builder
	body.WriteString("Your message was successfully delivered.\r\n\r\n")
	body.WriteString("---------- Message header follows ----------\r\n")
	body.Write(orig.RawHeader())
	body.WriteString("--------------------------------------------\r\n")

	h := opts.baseHeader(to, "Receipt: "+orig.StructuredField(message.FieldSubject), orig)
	h.Set("Auto-Submitted", "auto-replied")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := gomessage.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose delivery receipt: %w", err)
	}
	if _, err := io.WriteString(w, body.String()); err != nil {
		return nil, fmt.Errorf("compose delivery receipt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose delivery receipt: %w", err)
	}
	return &Envelope{From: opts.fromAddress(), Recipients: rcpts, Raw: buf.Bytes()}, nil
}

// Redirect resends orig unchanged to a new recipient, adding a block of
// Resent-* fields on top.
func Redirect(orig *message.Message, to string, opts Options) (*Envelope, error) {
	rcpts := addresses(to)
	if len(rcpts) == 0 {
		return nil, ErrNoRecipient
	}
	m := orig.Clone()
	m.RemoveHeader("Bcc")
	// Prepended in reverse so they end up in the usual order.
	m.PrependHeader("Resent-Message-ID", opts.messageID())
	m.PrependHeader("Resent-Date", opts.now().Format(time.RFC1123Z))
	m.PrependHeader("Resent-To", to)
	m.PrependHeader("Resent-From", opts.From)
	return &Envelope{From: opts.fromAddress(), Recipients: rcpts, Raw: m.RawEncodedContent()}, nil
}

// Forward wraps orig as a message/rfc822 attachment of a new message.
func Forward(orig *message.Message, to string, opts Options) (*Envelope, error) {
	rcpts := addresses(to)
	if len(rcpts) == 0 {
		return nil, ErrNoRecipient
	}

	subject := helpers.ForwardSubject(orig.StructuredField(message.FieldSubject))
	intro := fmt.Sprintf("---------- Forwarded Message ----------\r\nSubject: %s\r\nDate: %s\r\nFrom: %s\r\nTo: %s\r\n",
		orig.StructuredField(message.FieldSubject),
		orig.StructuredField(message.FieldDate),
		orig.StructuredField(message.FieldFrom),
		orig.StructuredField(message.FieldTo))

	h := opts.baseHeader(to, subject, orig)
	raw, err := writeMultipart(h, "multipart/mixed", nil, []part{
		{contentType: "text/plain", params: map[string]string{"charset": "utf-8"}, body: []byte(intro)},
		{contentType: "message/rfc822", body: orig.RawEncodedContent()},
	})
	if err != nil {
		return nil, fmt.Errorf("compose forward: %w", err)
	}
	return &Envelope{From: opts.fromAddress(), Recipients: rcpts, Raw: raw}, nil
}
