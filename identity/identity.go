// Package identity resolves sending identities by their UOID.
package identity

import (
	"fmt"
	"sort"

	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/helpers"
)

// Identity is one configured sender.
type Identity struct {
	UOID      uint32
	Name      string
	Email     string
	ReplyTo   string
	Bcc       []string
	Transport string
}

// FullEmail renders the identity as a From value.
func (i Identity) FullEmail() string {
	return helpers.FormatAddress(i.Name, i.Email)
}

// IsNull reports the zero identity.
func (i Identity) IsNull() bool {
	return i.UOID == 0
}

// Manager holds the configured identities.
type Manager struct {
	byUOID      map[uint32]Identity
	defaultUOID uint32
}

// NewManager builds a manager from configuration. The identity marked
// default, or else the one with the lowest UOID, becomes the default.
func NewManager(cfgs []config.IdentityConfig) (*Manager, error) {
	m := &Manager{byUOID: make(map[uint32]Identity, len(cfgs))}
	for _, c := range cfgs {
		if c.UOID == 0 {
			return nil, fmt.Errorf("identity %q: %w: uoid must not be 0", c.Email, consts.ErrUnknownIdentity)
		}
		if _, dup := m.byUOID[c.UOID]; dup {
			return nil, fmt.Errorf("identity %d defined twice", c.UOID)
		}
		m.byUOID[c.UOID] = Identity{
			UOID:      c.UOID,
			Name:      c.Name,
			Email:     c.Email,
			ReplyTo:   c.ReplyTo,
			Bcc:       append([]string(nil), c.Bcc...),
			Transport: c.Transport,
		}
		if c.Default {
			m.defaultUOID = c.UOID
		}
	}
	if m.defaultUOID == 0 {
		for _, uoid := range m.UOIDs() {
			m.defaultUOID = uoid
			break
		}
	}
	return m, nil
}

// Identity returns the identity with the given UOID.
func (m *Manager) Identity(uoid uint32) (Identity, bool) {
	if m == nil {
		return Identity{}, false
	}
	id, ok := m.byUOID[uoid]
	return id, ok
}

func (m *Manager) Default() (Identity, bool) {
	if m == nil {
		return Identity{}, false
	}
	return m.Identity(m.defaultUOID)
}

// UOIDs lists the known identities in ascending order.
func (m *Manager) UOIDs() []uint32 {
	if m == nil {
		return nil
	}
	uoids := make([]uint32, 0, len(m.byUOID))
	for uoid := range m.byUOID {
		uoids = append(uoids, uoid)
	}
	sort.Slice(uoids, func(i, j int) bool { return uoids[i] < uoids[j] })
	return uoids
}
