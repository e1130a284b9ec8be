// Package tracking generates and decodes open/click tracking artifacts
// and rewrites outgoing HTML to carry them.
package tracking

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidToken is returned when a tracking token cannot be decoded.
var ErrInvalidToken = errors.New("invalid tracking token")

// PixelToken identifies the message behind an open-tracking pixel.
// Field names are short to keep tokens compact in URLs.
type PixelToken struct {
	MessageID string `json:"m"`
	DomainID  string `json:"d"`
}

// LinkToken identifies a rewritten link and carries the original
// destination so the redirect works without a store lookup.
type LinkToken struct {
	MessageID   string `json:"m"`
	DomainID    string `json:"d"`
	OriginalURL string `json:"u"`
	LinkIndex   int    `json:"i"`
}

// EncodePixelToken serializes a pixel token for use in a tracking URL
func EncodePixelToken(tok PixelToken) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("failed to encode pixel token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodePixelToken parses a token from an open-tracking request
func DecodePixelToken(s string) (PixelToken, error) {
	var tok PixelToken
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return tok, ErrInvalidToken
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return tok, ErrInvalidToken
	}
	if tok.MessageID == "" {
		return tok, ErrInvalidToken
	}
	return tok, nil
}

// EncodeLinkToken serializes a link token for use in a redirect URL
func EncodeLinkToken(tok LinkToken) (string, error) {
	data, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("failed to encode link token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeLinkToken parses a token from a click-tracking request
func DecodeLinkToken(s string) (LinkToken, error) {
	var tok LinkToken
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return tok, ErrInvalidToken
	}
	if err := json.Unmarshal(data, &tok); err != nil {
		return tok, ErrInvalidToken
	}
	if tok.MessageID == "" || tok.OriginalURL == "" {
		return tok, ErrInvalidToken
	}
	return tok, nil
}
