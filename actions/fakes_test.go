package actions

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/identity"
	"github.com/migadu/mailfilter/item"
)

// fakeCrypto "encrypts" by hex encoding the message behind a marker header.
type fakeCrypto struct {
	failDecrypt bool
	failEncrypt bool
}

const fakeKeyHeader = "X-Fake-Key: "

func (f *fakeCrypto) IsEncrypted(c []byte) bool {
	return strings.HasPrefix(string(c), fakeKeyHeader)
}

func (f *fakeCrypto) Decrypt(_ context.Context, c []byte) ([]byte, error) {
	if f.failDecrypt || !f.IsEncrypted(c) {
		return nil, errors.New("cannot decrypt")
	}
	_, body, _ := strings.Cut(string(c), "\r\n\r\n")
	return hex.DecodeString(strings.TrimSpace(body))
}

func (f *fakeCrypto) Encrypt(_ context.Context, c []byte, key filterenv.EncryptionKey) ([]byte, error) {
	if f.failEncrypt {
		return nil, errors.New("cannot encrypt")
	}
	return []byte(fakeKeyHeader + key.Fingerprint + "\r\nContent-Type: application/octet-stream\r\n\r\n" + hex.EncodeToString(c) + "\r\n"), nil
}

func (f *fakeCrypto) EncryptionKeyFingerprint(c []byte) string {
	if !f.IsEncrypted(c) {
		return ""
	}
	line, _, _ := strings.Cut(string(c), "\r\n")
	return strings.TrimPrefix(line, fakeKeyHeader)
}

type fakeTempFiles struct {
	dir      string
	failing  bool
	cleaned  bool
	contents map[string]string
}

func (f *fakeTempFiles) Write(name string, data []byte) (string, error) {
	if f.failing {
		return "", errors.New("disk full")
	}
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	f.contents[name] = string(data)
	return path, nil
}

func (f *fakeTempFiles) Cleanup() error {
	f.cleaned = true
	return nil
}

type fakeRunner struct {
	t        *testing.T
	exitCode int
	stdout   []byte
	runErr   error
	failTemp bool
	lastTemp *fakeTempFiles
	commands []string
	stdin    []byte
}

func (f *fakeRunner) Run(_ context.Context, commandLine string, stdin []byte) (int, []byte, error) {
	f.commands = append(f.commands, commandLine)
	f.stdin = stdin
	return f.exitCode, f.stdout, f.runErr
}

func (f *fakeRunner) TempFiles() (filterenv.TempFiles, error) {
	f.lastTemp = &fakeTempFiles{dir: f.t.TempDir(), failing: f.failTemp, contents: make(map[string]string)}
	return f.lastTemp, nil
}

type fakeTags map[string]string

func (f fakeTags) Tag(_ context.Context, id string) (filterenv.Tag, bool, error) {
	name, ok := f[id]
	if !ok {
		return filterenv.Tag{}, false, nil
	}
	return filterenv.Tag{ID: id, Name: name}, true, nil
}

type sentMessage struct {
	transport string
	from      string
	rcpts     []string
	raw       string
}

type fakeSender struct {
	err  error
	sent []sentMessage
}

func (f *fakeSender) Send(_ context.Context, transport, from string, rcpts []string, raw []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{transport: transport, from: from, rcpts: rcpts, raw: string(raw)})
	return nil
}

type fakeIdentities map[uint32]identity.Identity

func (f fakeIdentities) Identity(uoid uint32) (identity.Identity, bool) {
	i, ok := f[uoid]
	return i, ok
}

func (f fakeIdentities) Default() (identity.Identity, bool) {
	return f.Identity(1)
}

type fakeTransports []string

func (f fakeTransports) HasTransport(id string) bool {
	for _, t := range f {
		if t == id {
			return true
		}
	}
	return false
}

type fakeMDNTracker struct {
	seen map[string]bool
}

func (f *fakeMDNTracker) RecordMDN(_ context.Context, messageID, _ string) (bool, error) {
	if f.seen[messageID] {
		return false, nil
	}
	f.seen[messageID] = true
	return true, nil
}

type fakeCopier struct {
	copies []string
}

func (f *fakeCopier) Copy(_ context.Context, ref item.Ref, collection string) error {
	f.copies = append(f.copies, ref.String()+"->"+collection)
	return nil
}

type fakeAddressBook struct {
	mu          sync.Mutex
	collections map[string]bool
	known       map[string]bool
	created     []filterenv.Contact
}

func (f *fakeAddressBook) FindByEmail(_ context.Context, email string) ([]filterenv.Contact, error) {
	if f.known[email] {
		return []filterenv.Contact{{Email: email}}, nil
	}
	return nil, nil
}

func (f *fakeAddressBook) HasCollection(_ context.Context, c string) (bool, error) {
	return f.collections[c], nil
}

func (f *fakeAddressBook) CreateContact(_ context.Context, _ string, c filterenv.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, c)
	return nil
}

type fakeSound struct {
	mu     sync.Mutex
	played []string
}

func (f *fakeSound) Play(_ context.Context, file string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, file)
	return nil
}
