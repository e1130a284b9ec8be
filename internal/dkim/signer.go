// Package dkim signs outgoing messages per sending domain.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer signs email messages for one domain
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a new DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     domain,
		selector:   selector,
	}
}

// NewSignerFromFile creates a new DKIM signer from a PEM key file
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	privateKey, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key for %s: %w", domain, err)
	}
	return NewSigner(privateKey, domain, selector), nil
}

// Sign signs the message and returns the signed message
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signedMsg bytes.Buffer
	if err := dkim.Sign(&signedMsg, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signedMsg.Bytes(), nil
}

// Domain returns the DKIM domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// Registry resolves the signer for a sender address
type Registry struct {
	signers map[string]*Signer
}

// Key names a selector and PEM key file for one sending domain
type Key struct {
	Selector string
	KeyFile  string
}

// NewRegistry builds a registry from per-domain key files
func NewRegistry(keys map[string]Key) (*Registry, error) {
	r := &Registry{signers: make(map[string]*Signer, len(keys))}
	for domain, k := range keys {
		signer, err := NewSignerFromFile(k.KeyFile, domain, k.Selector)
		if err != nil {
			return nil, err
		}
		r.signers[strings.ToLower(domain)] = signer
	}
	return r, nil
}

// SignerForEmail returns the signer for the sender's domain, or nil
// when the domain has no key configured
func (r *Registry) SignerForEmail(from string) *Signer {
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return nil
	}
	return r.signers[strings.ToLower(from[at+1:])]
}
