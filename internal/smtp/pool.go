package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/courierd/courierd/internal/dkim"
	"github.com/courierd/courierd/internal/metrics"
)

// Config contains relay connection settings
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	TLS        bool // implicit TLS; otherwise opportunistic STARTTLS
	HelloName  string
	PoolSize   int
	Timeout    time.Duration
	ConnMaxAge time.Duration
}

// DKIMProvider resolves the signer for a sender address
type DKIMProvider interface {
	SignerForEmail(email string) *dkim.Signer
}

// Result reports the outcome of one message submission. Rejected
// recipients carry their individual SMTP failures; accepted ones were
// taken by the relay.
type Result struct {
	Accepted []string
	Rejected map[string]*DeliveryError
}

// Pool delivers messages through a bounded set of reusable relay
// connections.
type Pool struct {
	cfg    Config
	conns  chan *conn
	logger *slog.Logger
	dkim   DKIMProvider
}

// NewPool creates a connection pool. Connections are dialed lazily on
// first use.
func NewPool(cfg Config, logger *slog.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConnMaxAge <= 0 {
		cfg.ConnMaxAge = 5 * time.Minute
	}
	return &Pool{
		cfg:    cfg,
		conns:  make(chan *conn, cfg.PoolSize),
		logger: logger.With("component", "smtp"),
	}
}

// SetDKIMProvider configures per-domain message signing
func (p *Pool) SetDKIMProvider(provider DKIMProvider) {
	p.dkim = provider
}

// Send submits one message to the relay. Recipient-level rejections do
// not fail the submission as long as at least one recipient is
// accepted; the per-recipient outcomes are in the Result.
func (p *Pool) Send(ctx context.Context, from string, to []string, data []byte) (*Result, error) {
	c, err := p.get(ctx)
	if err != nil {
		return nil, err
	}

	result, err := p.send(c, from, to, data)
	if err != nil {
		// The session is in an unknown state after a failure.
		c.close()
		return result, err
	}

	p.put(c)
	return result, nil
}

func (p *Pool) send(c *conn, from string, to []string, data []byte) (*Result, error) {
	message := data
	if p.dkim != nil {
		if signer := p.dkim.SignerForEmail(from); signer != nil {
			signed, err := signer.Sign(data)
			if err != nil {
				p.logger.Warn("failed to sign message, sending unsigned",
					"domain", signer.Domain(), "error", err)
			} else {
				message = signed
			}
		}
	}

	if err := c.client.Mail(from, nil); err != nil {
		return nil, categorizeError(err, "MAIL FROM")
	}

	result := &Result{Rejected: make(map[string]*DeliveryError)}
	for _, rcpt := range to {
		if err := c.client.Rcpt(rcpt, nil); err != nil {
			result.Rejected[rcpt] = categorizeError(err, "RCPT TO")
			continue
		}
		result.Accepted = append(result.Accepted, rcpt)
	}
	if len(result.Accepted) == 0 {
		c.client.Reset()
		return result, &DeliveryError{
			Temporary: anyTemporary(result.Rejected),
			Message:   fmt.Sprintf("all %d recipients rejected", len(to)),
		}
	}

	wc, err := c.client.Data()
	if err != nil {
		return result, categorizeError(err, "DATA")
	}
	if _, err := wc.Write(message); err != nil {
		wc.Close()
		return result, &DeliveryError{Temporary: true, Message: fmt.Sprintf("failed to write message data: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return result, categorizeError(err, "DATA close")
	}

	return result, nil
}

func anyTemporary(rejected map[string]*DeliveryError) bool {
	for _, de := range rejected {
		if de.Temporary {
			return true
		}
	}
	return false
}

// get returns a healthy pooled connection, dialing when none is
// available. Aged or dead connections are discarded.
func (p *Pool) get(ctx context.Context) (*conn, error) {
	for {
		select {
		case c := <-p.conns:
			if time.Since(c.createdAt) > p.cfg.ConnMaxAge {
				c.close()
				continue
			}
			if err := c.client.Noop(); err != nil {
				c.close()
				continue
			}
			return c, nil
		default:
			c, err := dial(p.cfg)
			if err != nil {
				return nil, err
			}
			metrics.IncSMTPConnections()
			return c, nil
		}
	}
}

func (p *Pool) put(c *conn) {
	select {
	case p.conns <- c:
	default:
		c.close()
	}
}

// Close drains and closes all pooled connections
func (p *Pool) Close() {
	for {
		select {
		case c := <-p.conns:
			c.close()
		default:
			return
		}
	}
}
