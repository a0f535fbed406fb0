// Package filterenv declares the collaborators filter rules and actions talk
// to and bundles them into an Env that the pipeline driver owns.
package filterenv

import (
	"context"
	"strings"
	"time"

	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/identity"
	"github.com/migadu/mailfilter/item"
)

// EncryptionKey selects the key an encrypt action uses.
type EncryptionKey struct {
	Protocol    string // "openpgp" or "smime"
	Fingerprint string
}

// NormalizeFingerprint upper-cases a key reference and strips spaces and a
// 0x prefix.
func NormalizeFingerprint(fp string) string {
	fp = strings.ToUpper(strings.ReplaceAll(fp, " ", ""))
	return strings.TrimPrefix(fp, "0X")
}

// SameKey reports whether a and b refer to one key. Either may be a full
// fingerprint or a key ID suffix of at least 16 hex digits.
func SameKey(a, b string) bool {
	a, b = NormalizeFingerprint(a), NormalizeFingerprint(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return len(a) >= 16 && strings.HasSuffix(b, a)
}

// CryptoService is the opaque encryption backend.
type CryptoService interface {
	IsEncrypted(content []byte) bool
	Decrypt(ctx context.Context, content []byte) ([]byte, error)
	Encrypt(ctx context.Context, content []byte, key EncryptionKey) ([]byte, error)
	EncryptionKeyFingerprint(content []byte) string
}

// TempFiles is a scoped directory for files handed to external commands.
type TempFiles interface {
	Write(name string, data []byte) (string, error)
	Cleanup() error
}

// CommandRunner runs a shell command line with stdin and collects stdout.
type CommandRunner interface {
	Run(ctx context.Context, commandLine string, stdin []byte) (exitCode int, stdout []byte, err error)
	TempFiles() (TempFiles, error)
}

// Contact is an address book entry.
type Contact struct {
	ID         string
	Name       string
	Email      string
	Categories []string
}

func (c Contact) HasCategory(name string) bool {
	for _, cat := range c.Categories {
		if strings.EqualFold(cat, name) {
			return true
		}
	}
	return false
}

// AddressBook resolves and creates contacts.
type AddressBook interface {
	FindByEmail(ctx context.Context, email string) ([]Contact, error)
	HasCollection(ctx context.Context, collection string) (bool, error)
	CreateContact(ctx context.Context, collection string, c Contact) error
}

// Tag is a user-defined label that can be attached to items.
type Tag struct {
	ID   string
	Name string
}

// TagRegistry knows which tags currently exist.
type TagRegistry interface {
	Tag(ctx context.Context, id string) (Tag, bool, error)
}

type IdentityManager interface {
	Identity(uoid uint32) (identity.Identity, bool)
	Default() (identity.Identity, bool)
}

type TransportManager interface {
	HasTransport(id string) bool
}

// Sender submits a message through a transport. An empty transport id means
// the default transport.
type Sender interface {
	Send(ctx context.Context, transportID, from string, rcpts []string, raw []byte) error
}

// MDNTracker remembers which messages already got a disposition
// notification. RecordMDN reports false if one was recorded before.
type MDNTracker interface {
	RecordMDN(ctx context.Context, messageID, disposition string) (bool, error)
}

type SoundPlayer interface {
	Play(ctx context.Context, file string) error
}

// Copier copies an item into another collection of its store.
type Copier interface {
	Copy(ctx context.Context, ref item.Ref, collection string) error
}

// Env is the explicit, process-scoped context handed to rules and actions.
// Every collaborator may be nil; rules and actions treat a missing
// collaborator as a configuration error.
type Env struct {
	Crypto      CryptoService
	Commands    CommandRunner
	AddressBook AddressBook
	Tags        TagRegistry
	Identities  IdentityManager
	Transports  TransportManager
	Sender      Sender
	MDN         MDNTracker
	Sound       SoundPlayer
	Copier      Copier
	Log         *filterlog.Log
	Jobs        *JobGroup
	Now         func() time.Time
}

// Clock returns the current time, honouring an injected clock.
func (e *Env) Clock() time.Time {
	if e == nil || e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// FilterLog returns the log sink, which may be nil.
func (e *Env) FilterLog() *filterlog.Log {
	if e == nil {
		return nil
	}
	return e.Log
}
