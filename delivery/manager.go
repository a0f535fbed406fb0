package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/consts"
	"github.com/migadu/mailfilter/filterenv"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/metrics"
	"github.com/migadu/mailfilter/pkg/retry"
)

// Manager resolves transport IDs and submits through them, retrying
// temporary failures.
type Manager struct {
	transports map[string]*SMTPTransport
	order      []string
	defaultID  string
	backoff    retry.BackoffConfig
}

func NewManager(cfgs []config.TransportConfig, cb *config.CircuitBreakerConfig) (*Manager, error) {
	m := &Manager{
		transports: make(map[string]*SMTPTransport, len(cfgs)),
		backoff:    retry.DefaultBackoffConfig(),
	}
	for _, c := range cfgs {
		if c.ID == "" {
			return nil, fmt.Errorf("transport %q has no id", c.Name)
		}
		key := strings.ToLower(c.ID)
		if _, dup := m.transports[key]; dup {
			return nil, fmt.Errorf("transport %q defined twice", c.ID)
		}
		t, err := NewSMTPTransport(c, cb)
		if err != nil {
			return nil, err
		}
		m.transports[key] = t
		m.order = append(m.order, key)
		if c.Default {
			m.defaultID = key
		}
	}
	if m.defaultID == "" && len(m.order) > 0 {
		m.defaultID = m.order[0]
	}
	return m, nil
}

// SetBackoff replaces the retry policy.
func (m *Manager) SetBackoff(b retry.BackoffConfig) {
	m.backoff = b
}

func (m *Manager) lookup(id string) (*SMTPTransport, bool) {
	if id == "" {
		id = m.defaultID
	}
	if t, ok := m.transports[strings.ToLower(id)]; ok {
		return t, true
	}
	for _, key := range m.order {
		if t := m.transports[key]; strings.EqualFold(t.Name, id) {
			return t, true
		}
	}
	return nil, false
}

// HasTransport accepts transport IDs and names.
func (m *Manager) HasTransport(id string) bool {
	if id == "" {
		return false
	}
	_, ok := m.lookup(id)
	return ok
}

// Transports lists the configured transports in configuration order.
func (m *Manager) Transports() []*SMTPTransport {
	out := make([]*SMTPTransport, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.transports[key])
	}
	return out
}

// Send submits through transportID, or the default transport when it is
// empty.
func (m *Manager) Send(ctx context.Context, transportID, from string, rcpts []string, raw []byte) error {
	t, ok := m.lookup(transportID)
	if !ok {
		return fmt.Errorf("%q: %w", transportID, consts.ErrUnknownTransport)
	}

	start := time.Now()
	err := retry.WithRetry(ctx, func() error {
		err := t.Send(ctx, from, rcpts, raw)
		if IsPermanentError(err) {
			return retry.Stop(err)
		}
		return err
	}, m.backoff)
	metrics.SMTPDeliveryDuration.WithLabelValues(t.ID).Observe(time.Since(start).Seconds())

	if err != nil {
		result := "temporary_failure"
		if IsPermanentError(err) {
			result = "permanent_failure"
		}
		metrics.SMTPDeliveries.WithLabelValues(t.ID, result).Inc()
		logger.Warn("SMTP: submission failed", "transport", t.ID, "from", from, "recipients", len(rcpts), "error", err)
		return err
	}
	metrics.SMTPDeliveries.WithLabelValues(t.ID, "success").Inc()
	logger.Info("SMTP: message submitted", "transport", t.ID, "from", from, "recipients", len(rcpts), "size", len(raw))
	return nil
}

var (
	_ filterenv.Sender           = (*Manager)(nil)
	_ filterenv.TransportManager = (*Manager)(nil)
)
