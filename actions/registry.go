package actions

import (
	"fmt"
	"strings"
)

// Descriptor describes one kind of action.
type Descriptor struct {
	Name  string
	Label string
	New   func() Action
}

var descriptors = []Descriptor{}

func register(create func() Action) {
	a := create()
	descriptors = append(descriptors, Descriptor{Name: a.Name(), Label: a.Label(), New: create})
}

func init() {
	register(func() Action { return NewMove() })
	register(func() Action { return NewCopy() })
	register(func() Action { return NewDelete() })
	register(func() Action { return NewSetStatus() })
	register(func() Action { return NewUnsetStatus() })
	register(func() Action { return NewAddTag() })
	register(func() Action { return NewFakeMDN() })
	register(func() Action { return NewConfirmDelivery() })
	register(func() Action { return NewRedirect() })
	register(func() Action { return NewForward() })
	register(func() Action { return NewReplyTo() })
	register(func() Action { return NewSetIdentity() })
	register(func() Action { return NewSetTransport() })
	register(func() Action { return NewAddHeader() })
	register(func() Action { return NewRemoveHeader() })
	register(func() Action { return NewRewriteHeader() })
	register(func() Action { return NewAddToAddressBook() })
	register(func() Action { return NewExec() })
	register(func() Action { return NewPipeThrough() })
	register(func() Action { return NewPlaySound() })
	register(func() Action { return NewEncrypt() })
	register(func() Action { return NewDecrypt() })
}

// Descriptors lists every known action kind.
func Descriptors() []Descriptor {
	return append([]Descriptor(nil), descriptors...)
}

// Names lists the persisted names of every known action kind.
func Names() []string {
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Name
	}
	return names
}

// Create builds the named action and loads its arguments. Names match
// case-insensitively.
func Create(name, args string) (Action, error) {
	for _, d := range descriptors {
		if strings.EqualFold(d.Name, strings.TrimSpace(name)) {
			a := d.New()
			a.ArgsFromString(args)
			return a, nil
		}
	}
	return nil, fmt.Errorf("unknown filter action %q", name)
}
