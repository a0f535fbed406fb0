package search

import (
	"context"

	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/item"
)

// EncryptionRule is a pure boolean test: equals means encrypted, not-equal
// means not encrypted.
type EncryptionRule struct {
	ruleBase
}

func NewEncryptionRule(field string, function Function, contents string) *EncryptionRule {
	return &EncryptionRule{ruleBase: newRuleBase(field, function, contents)}
}

func (r *EncryptionRule) IsEmpty() bool {
	return false
}

func (r *EncryptionRule) Matches(_ context.Context, env *filterenv.Env, it *item.Item) bool {
	return r.finish(env, r.matches(env, it))
}

func (r *EncryptionRule) matches(env *filterenv.Env, it *item.Item) bool {
	if it == nil || it.Message == nil {
		return false
	}
	if r.function != FuncEquals && r.function != FuncNotEqual {
		return false
	}
	return negate(r.function, IsEncrypted(env, it), true)
}

// IsEncrypted reports MIME encryption of any kind or an inline PGP body. A
// configured crypto service may recognise further formats.
func IsEncrypted(env *filterenv.Env, it *item.Item) bool {
	if it.Message.IsEncryptedMIME() || it.Message.IsInlineEncrypted() {
		return true
	}
	return env != nil && env.Crypto != nil && env.Crypto.IsEncrypted(it.Message.RawEncodedContent())
}
