package actions

import (
	"context"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/search"
)

// Encrypt encrypts the stored copy of the message to a configured key.
type Encrypt struct {
	base
	Key CryptoParam
}

func NewEncrypt() *Encrypt {
	return &Encrypt{base: base{name: "encrypt", label: "Encrypt"}}
}

func (a *Encrypt) IsEmpty() bool                     { return a.Key.IsEmpty() }
func (a *Encrypt) RequiredPart() search.RequiredPart { return search.CompleteMessage }
func (a *Encrypt) ArgsFromString(args string)        { a.Key.FromString(args) }
func (a *Encrypt) ArgsAsString() string              { return a.Key.String() }

func (a *Encrypt) InformationAboutNotValidAction() string {
	if a.Key.IsEmpty() {
		return "No encryption key has been selected."
	}
	return ""
}

func (a *Encrypt) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	if env == nil || env.Crypto == nil {
		logger.Warn("ACTIONS: no crypto service configured", "action", a.Name())
		return ErrorButGoOn
	}
	it := ic.Item()
	content := it.Message.RawEncodedContent()

	if search.IsEncrypted(env, it) {
		if !a.Key.Reencrypt {
			return GoOn
		}
		if filterenv.SameKey(env.Crypto.EncryptionKeyFingerprint(content), a.Key.Fingerprint) {
			return GoOn
		}
		// A message we cannot decrypt stays as it is.
		plain, err := env.Crypto.Decrypt(ctx, content)
		if err != nil {
			logger.Debug("ACTIONS: skipping re-encryption, cannot decrypt", "item", it.Ref(), "error", err)
			return GoOn
		}
		content = plain
	}

	key := filterenv.EncryptionKey{Protocol: a.Key.Protocol, Fingerprint: a.Key.Fingerprint}
	encrypted, err := env.Crypto.Encrypt(ctx, content, key)
	if err != nil {
		logger.Warn("ACTIONS: encryption failed", "item", it.Ref(), "key", a.Key.Fingerprint, "error", err)
		return ErrorButGoOn
	}
	if err := it.Message.SetContent(encrypted); err != nil {
		logger.Warn("ACTIONS: encryption produced an empty message", "item", it.Ref(), "error", err)
		return ErrorButGoOn
	}
	it.SetFlag(item.FlagEncrypted)
	ic.SetNeedsPayloadStore()
	ic.SetNeedsFlagStore()
	return GoOn
}

// Decrypt replaces an encrypted message with its plaintext.
type Decrypt struct {
	base
}

func NewDecrypt() *Decrypt {
	return &Decrypt{base: base{name: "decrypt", label: "Decrypt"}}
}

func (a *Decrypt) IsEmpty() bool                     { return false }
func (a *Decrypt) RequiredPart() search.RequiredPart { return search.CompleteMessage }
func (a *Decrypt) ArgsFromString(string)             {}
func (a *Decrypt) ArgsAsString() string              { return "" }

func (a *Decrypt) Process(ctx context.Context, env *filterenv.Env, ic *item.ItemContext, _ bool) ReturnCode {
	if code, ok := ready(a, ic); !ok {
		return code
	}
	it := ic.Item()
	if !search.IsEncrypted(env, it) {
		return GoOn
	}
	if env == nil || env.Crypto == nil {
		logger.Warn("ACTIONS: no crypto service configured", "action", a.Name())
		return ErrorButGoOn
	}
	plain, err := env.Crypto.Decrypt(ctx, it.Message.RawEncodedContent())
	if err != nil {
		logger.Warn("ACTIONS: decryption failed", "item", it.Ref(), "error", err)
		return ErrorButGoOn
	}
	if err := it.Message.SetContent(plain); err != nil {
		logger.Warn("ACTIONS: decryption produced an empty message", "item", it.Ref(), "error", err)
		return ErrorButGoOn
	}
	it.ClearFlag(item.FlagEncrypted)
	ic.SetNeedsPayloadStore()
	ic.SetNeedsFlagStore()
	return GoOn
}
