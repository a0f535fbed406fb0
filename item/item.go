// Package item describes a stored message together with its flags, tags and
// the bookkeeping the filter pipeline leaves for the caller.
package item

import (
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailfilter/message"
)

// Keyword flags used next to the IMAP system flags.
const (
	FlagForwarded     imap.Flag = "$Forwarded"
	FlagQueued        imap.Flag = "$QUEUED"
	FlagSent          imap.Flag = "$SENT"
	FlagWatched       imap.Flag = "$WATCHED"
	FlagIgnored       imap.Flag = "$IGNORED"
	FlagToAct         imap.Flag = "$TODO"
	FlagSpam          imap.Flag = "$Junk"
	FlagHam           imap.Flag = "$NotJunk"
	FlagHasAttachment imap.Flag = "$ATTACHMENT"
	FlagEncrypted     imap.Flag = "$ENCRYPTED"
	FlagHasInvitation imap.Flag = "$INVITATION"
	FlagMDNSent       imap.Flag = "$MDNSent"
)

// AttributeMDNIgnore marks an item whose read receipt request is ignored.
const AttributeMDNIgnore = "mdn-state"

// Ref identifies an item inside a store.
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) String() string {
	return r.Collection + "/" + r.ID
}

// Item is one message as seen by the filters.
type Item struct {
	ID         string
	RemoteID   string
	URL        string
	Collection string
	Size       int64
	Flags      []imap.Flag
	Tags       []string
	Attributes map[string]string
	Message    *message.Message
}

// New wraps a parsed message that has no store behind it.
func New(msg *message.Message) *Item {
	it := &Item{Message: msg}
	if msg != nil {
		it.Size = int64(len(msg.RawEncodedContent()))
	}
	return it
}

func (it *Item) Ref() Ref {
	return Ref{Collection: it.Collection, ID: it.ID}
}

// HasFlag compares case-insensitively, as IMAP does.
func (it *Item) HasFlag(flag imap.Flag) bool {
	for _, f := range it.Flags {
		if strings.EqualFold(string(f), string(flag)) {
			return true
		}
	}
	return false
}

// SetFlag adds flag and reports whether the set changed.
func (it *Item) SetFlag(flag imap.Flag) bool {
	if it.HasFlag(flag) {
		return false
	}
	it.Flags = append(it.Flags, flag)
	return true
}

// ClearFlag removes flag and reports whether the set changed.
func (it *Item) ClearFlag(flag imap.Flag) bool {
	kept := it.Flags[:0]
	removed := false
	for _, f := range it.Flags {
		if strings.EqualFold(string(f), string(flag)) {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	it.Flags = kept
	return removed
}

func (it *Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag adds tag and reports whether the set changed.
func (it *Item) AddTag(tag string) bool {
	if it.HasTag(tag) {
		return false
	}
	it.Tags = append(it.Tags, tag)
	return true
}

func (it *Item) Attribute(key string) (string, bool) {
	v, ok := it.Attributes[key]
	return v, ok
}

func (it *Item) SetAttribute(key, value string) {
	if it.Attributes == nil {
		it.Attributes = make(map[string]string)
	}
	it.Attributes[key] = value
}
