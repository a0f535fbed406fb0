package search

import (
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailfilter/item"
)

// Status is one entry of the status vocabulary rules and status actions use.
type Status struct {
	Name string
	Flag imap.Flag
	// Inverted statuses hold while Flag is absent.
	Inverted bool
}

var statuses = []Status{
	{Name: "Important", Flag: imap.FlagFlagged},
	{Name: "Unread", Flag: imap.FlagSeen, Inverted: true},
	{Name: "Read", Flag: imap.FlagSeen},
	{Name: "Deleted", Flag: imap.FlagDeleted},
	{Name: "Replied", Flag: imap.FlagAnswered},
	{Name: "Forwarded", Flag: item.FlagForwarded},
	{Name: "Queued", Flag: item.FlagQueued},
	{Name: "Sent", Flag: item.FlagSent},
	{Name: "Watched", Flag: item.FlagWatched},
	{Name: "Ignored", Flag: item.FlagIgnored},
	{Name: "Action Item", Flag: item.FlagToAct},
	{Name: "Spam", Flag: item.FlagSpam},
	{Name: "Ham", Flag: item.FlagHam},
	{Name: "Has Attachment", Flag: item.FlagHasAttachment},
}

// LookupStatus finds a status by name, ignoring case.
func LookupStatus(name string) (Status, bool) {
	name = strings.TrimSpace(name)
	for _, s := range statuses {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Status{}, false
}

// StatusNames lists the vocabulary in display order.
func StatusNames() []string {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.Name
	}
	return names
}

// IsSet reports whether it currently has the status.
func (s Status) IsSet(it *item.Item) bool {
	return it.HasFlag(s.Flag) != s.Inverted
}

// Set gives it the status and reports whether its flags changed.
func (s Status) Set(it *item.Item) bool {
	if s.Inverted {
		return it.ClearFlag(s.Flag)
	}
	return it.SetFlag(s.Flag)
}

// Unset removes the status and reports whether its flags changed.
func (s Status) Unset(it *item.Item) bool {
	if s.Inverted {
		return it.SetFlag(s.Flag)
	}
	return it.ClearFlag(s.Flag)
}
