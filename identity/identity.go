// Package identity holds the signing identities requests are authorised
// with. Key generation and storage live with the caller; the engine only
// needs the signing seam.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/nustiueudinastea/icagent/certification"
	"github.com/nustiueudinastea/icagent/principal"
)

// Identity signs request payloads and exposes the sender it authenticates.
type Identity interface {
	// Sender is the principal requests are sent as.
	Sender() principal.Principal
	// Sign signs a domain-separated payload. The payload already carries its
	// separator; implementations must not add one.
	Sign(payload []byte) ([]byte, error)
	// PublicKey is the DER-encoded public key, or nil for anonymous.
	PublicKey() []byte
}

// Anonymous is the unauthenticated identity: requests carry no signature and
// are sent as the anonymous principal.
type Anonymous struct{}

func (Anonymous) Sender() principal.Principal { return principal.Anonymous() }
func (Anonymous) Sign([]byte) ([]byte, error) { return nil, nil }
func (Anonymous) PublicKey() []byte           { return nil }

// Ed25519 is a self-authenticating ed25519 identity.
type Ed25519 struct {
	privateKey ed25519.PrivateKey
	derKey     []byte
	sender     principal.Principal
}

// NewEd25519 wraps an existing private key.
func NewEd25519(privateKey ed25519.PrivateKey) (*Ed25519, error) {
	publicKey, ok := privateKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ed25519 private key has no ed25519 public key")
	}
	derKey, err := certification.Ed25519KeyToDER(publicKey)
	if err != nil {
		return nil, err
	}
	return &Ed25519{
		privateKey: privateKey,
		derKey:     derKey,
		sender:     principal.SelfAuthenticating(derKey),
	}, nil
}

// GenerateEd25519 creates a fresh identity. Intended for tests and
// short-lived session keys; durable key storage is the caller's concern.
func GenerateEd25519() (*Ed25519, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return NewEd25519(privateKey)
}

func (i *Ed25519) Sender() principal.Principal { return i.sender }

func (i *Ed25519) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(i.privateKey, payload), nil
}

func (i *Ed25519) PublicKey() []byte { return i.derKey }
