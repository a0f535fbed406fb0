// Package delivery submits messages composed by filter actions (redirects,
// forwards, receipts) to configured SMTP transports.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/mailfilter/config"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/circuitbreaker"
	"github.com/migadu/mailfilter/pkg/metrics"
)

// RelayError tells permanent rejections (5xx) apart from failures worth
// retrying (4xx, network).
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports a 5xx rejection. Network errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

// SMTPTransport submits to one SMTP server.
type SMTPTransport struct {
	ID       string
	Name     string
	Host     string
	TLS      bool
	StartTLS bool
	Verify   bool
	User     string
	Password string
	Timeout  time.Duration

	breaker *circuitbreaker.CircuitBreaker
}

// NewSMTPTransport builds a transport from its configuration. A nil breaker
// setting disables the circuit breaker.
func NewSMTPTransport(cfg config.TransportConfig, cb *config.CircuitBreakerConfig) (*SMTPTransport, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("transport %q: invalid timeout: %w", cfg.ID, err)
	}
	t := &SMTPTransport{
		ID:       cfg.ID,
		Name:     cfg.Name,
		Host:     cfg.Host,
		TLS:      cfg.TLS,
		StartTLS: cfg.StartTLS,
		Verify:   !cfg.InsecureSkipVerify,
		User:     cfg.User,
		Password: cfg.Password,
		Timeout:  timeout,
	}
	if cb != nil {
		interval, err := cb.GetInterval()
		if err != nil {
			return nil, fmt.Errorf("transport %q: invalid breaker interval: %w", cfg.ID, err)
		}
		openFor, err := cb.GetTimeout()
		if err != nil {
			return nil, fmt.Errorf("transport %q: invalid breaker timeout: %w", cfg.ID, err)
		}
		t.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "smtp-" + cfg.ID,
			MaxRequests: cb.GetMaxRequests(),
			Interval:    interval,
			Timeout:     openFor,
			ReadyToTrip: circuitbreaker.RatioTrip(cb.GetMinRequests(), cb.GetFailureRatio()),
			// A rejected message says nothing about the health of the server.
			IsSuccessful: func(err error) bool { return err == nil || IsPermanentError(err) },
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("SMTP: circuit breaker state changed", "name", name, "from", from, "to", to)
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		})
	}
	return t, nil
}

// CircuitBreaker returns the transport's breaker, or nil.
func (t *SMTPTransport) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return t.breaker
}

// Send submits raw for every recipient in one transaction.
func (t *SMTPTransport) Send(ctx context.Context, from string, rcpts []string, raw []byte) error {
	if t.Host == "" {
		return &RelayError{Err: fmt.Errorf("transport %q has no host", t.ID), Permanent: true}
	}
	if len(rcpts) == 0 {
		return &RelayError{Err: errors.New("no recipients"), Permanent: true}
	}
	if t.breaker == nil {
		return t.send(ctx, from, rcpts, raw)
	}
	err := t.breaker.Do(ctx, func(ctx context.Context) error {
		return t.send(ctx, from, rcpts, raw)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.Warn("SMTP: circuit breaker is open, skipping submission", "transport", t.ID, "host", t.Host)
		return &RelayError{Err: fmt.Errorf("transport %q: %w", t.ID, err)}
	}
	return err
}

func (t *SMTPTransport) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !t.Verify,
	}
	switch {
	case t.TLS:
		return smtp.DialTLS(t.Host, tlsConfig)
	case t.StartTLS:
		return smtp.DialStartTLS(t.Host, tlsConfig)
	default:
		return smtp.Dial(t.Host)
	}
}

func (t *SMTPTransport) send(ctx context.Context, from string, rcpts []string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := t.dial()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("connect to %s: %w", t.Host, err)}
	}
	defer c.Close()
	if t.Timeout > 0 {
		c.CommandTimeout = t.Timeout
		c.SubmissionTimeout = t.Timeout
	}

	if t.User != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.User, t.Password)); err != nil {
			return &RelayError{Err: fmt.Errorf("authenticate as %s: %w", t.User, err), Permanent: IsPermanentError(err)}
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}
	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(raw); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("finish data: %w", err), Permanent: IsPermanentError(err)}
	}
	if err := c.Quit(); err != nil {
		logger.Debug("SMTP: QUIT failed after accepted submission", "host", t.Host, "error", err)
	}
	return nil
}
