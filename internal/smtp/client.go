// Package smtp delivers built messages through the configured relay
// over a pooled connection set.
package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/courierd/courierd/internal/metrics"
)

// DeliveryError carries an SMTP failure with enough structure for
// bounce classification and retry decisions.
type DeliveryError struct {
	Temporary bool
	Code      int
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Response renders the error in SMTP reply form, "550 text", which is
// what bounce classification expects.
func (e *DeliveryError) Response() string {
	if e.Code > 0 {
		return fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return e.Message
}

// IsTemporary reports whether err allows a retry. Unknown errors count
// as temporary.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// categorizeError maps transport and protocol errors onto
// DeliveryError. 4xx replies are temporary, 5xx permanent, anything
// without a code temporary.
func categorizeError(err error, stage string) *DeliveryError {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code >= 400 && smtpErr.Code < 500,
			Code:      smtpErr.Code,
			Message:   fmt.Sprintf("%s failed: %s", stage, smtpErr.Message),
		}
	}
	return &DeliveryError{
		Temporary: true,
		Message:   fmt.Sprintf("%s failed: %v", stage, err),
	}
}

// conn wraps a live relay session with its creation time so the pool
// can retire aged connections.
type conn struct {
	client    *gosmtp.Client
	createdAt time.Time
}

func (c *conn) close() {
	if c.client != nil {
		c.client.Quit()
		c.client = nil
		metrics.DecSMTPConnections()
	}
}

// dial opens and authenticates a new relay connection
func dial(cfg Config) (*conn, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	tlsCfg := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	var client *gosmtp.Client
	var err error
	if cfg.TLS {
		client, err = gosmtp.DialTLS(addr, tlsCfg)
	} else {
		client, err = gosmtp.Dial(addr)
	}
	if err != nil {
		return nil, &DeliveryError{Temporary: true, Message: fmt.Sprintf("connection to %s failed: %v", addr, err)}
	}

	if cfg.HelloName != "" {
		if err := client.Hello(cfg.HelloName); err != nil {
			client.Close()
			return nil, categorizeError(err, "HELO")
		}
	}

	if !cfg.TLS {
		// STARTTLS is opportunistic: plaintext relays without the
		// extension stay plaintext. The session cannot be upgraded in
		// place, so an advertising relay is redialed through the
		// handshake path and re-greeted over TLS.
		if ok, _ := client.Extension("STARTTLS"); ok {
			client.Quit()
			client, err = gosmtp.DialStartTLS(addr, tlsCfg)
			if err != nil {
				return nil, categorizeError(err, "STARTTLS")
			}
			if cfg.HelloName != "" {
				if err := client.Hello(cfg.HelloName); err != nil {
					client.Close()
					return nil, categorizeError(err, "HELO")
				}
			}
		}
	}

	if cfg.Username != "" {
		auth := sasl.NewPlainClient("", cfg.Username, cfg.Password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, categorizeError(err, "AUTH")
		}
	}

	return &conn{client: client, createdAt: time.Now()}, nil
}
