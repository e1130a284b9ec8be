package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultKeyBits is the RSA key size used when none is requested.
// 2048 is the ceiling most DNS providers accept in a single TXT
// string once base64 encoded.
const DefaultKeyBits = 2048

const minKeyBits = 1024

// KeyPair binds a freshly generated signing key to the domain and
// selector it will be published under.
type KeyPair struct {
	Domain     string
	Selector   string
	PrivateKey *rsa.PrivateKey
}

// GenerateKey creates a new RSA signing key for domain under
// selector. bits of 0 selects DefaultKeyBits; anything below 1024 is
// refused because verifiers drop such keys.
func GenerateKey(domain, selector string, bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < minKeyBits {
		return nil, fmt.Errorf("key size %d too small, need at least %d bits", bits, minKeyBits)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %d-bit RSA key: %w", bits, err)
	}
	return &KeyPair{Domain: domain, Selector: selector, PrivateKey: key}, nil
}

// SavePrivateKey writes the key in PKCS#1 PEM form, creating parent
// directories as needed. The file is world-unreadable.
func (kp *KeyPair) SavePrivateKey(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()

	err = pem.Encode(f, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	})
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	return nil
}

// DNSName returns the TXT record name, "<selector>._domainkey.<domain>"
func (kp *KeyPair) DNSName() string {
	return kp.Selector + "._domainkey." + kp.Domain
}

// DNSRecord returns the TXT record value publishing the public key
func (kp *KeyPair) DNSRecord() string {
	pub, err := x509.MarshalPKIXPublicKey(&kp.PrivateKey.PublicKey)
	if err != nil {
		return ""
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)
}

// LoadPrivateKey reads an RSA key saved by SavePrivateKey. PKCS#8
// files produced by openssl are accepted too.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s does not hold an RSA key", path)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q in %s", block.Type, path)
	}
}
