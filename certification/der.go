package certification

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// DER SubjectPublicKeyInfo prefixes for the two key algorithms on the wire.
// Subnet keys are BLS12-381 G2 points; node keys are ed25519.
var (
	blsDerPrefix     = mustHex("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100")
	ed25519DerPrefix = mustHex("302a300506032b6570032100")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// PublicKeyFromDER unwraps a DER-encoded BLS12-381 G2 subnet public key to
// its 96-byte compressed form.
func PublicKeyFromDER(der []byte) ([]byte, error) {
	want := len(blsDerPrefix) + BLSPublicKeyLength
	if len(der) != want {
		return nil, fmt.Errorf("der bls public key is %d bytes, want %d", len(der), want)
	}
	if !bytes.HasPrefix(der, blsDerPrefix) {
		return nil, fmt.Errorf("der bls public key has wrong algorithm prefix")
	}
	return der[len(blsDerPrefix):], nil
}

// PublicKeyToDER wraps a 96-byte compressed G2 public key in its DER form.
func PublicKeyToDER(publicKey []byte) ([]byte, error) {
	if len(publicKey) != BLSPublicKeyLength {
		return nil, fmt.Errorf("bls public key is %d bytes, want %d", len(publicKey), BLSPublicKeyLength)
	}
	out := make([]byte, 0, len(blsDerPrefix)+BLSPublicKeyLength)
	out = append(out, blsDerPrefix...)
	return append(out, publicKey...), nil
}

// Ed25519KeyFromDER unwraps a 44-byte DER-encoded ed25519 node public key to
// its 32-byte raw form.
func Ed25519KeyFromDER(der []byte) ([]byte, error) {
	want := len(ed25519DerPrefix) + 32
	if len(der) != want {
		return nil, fmt.Errorf("der ed25519 public key is %d bytes, want %d", len(der), want)
	}
	if !bytes.HasPrefix(der, ed25519DerPrefix) {
		return nil, fmt.Errorf("der ed25519 public key has wrong algorithm prefix")
	}
	return der[len(ed25519DerPrefix):], nil
}

// Ed25519KeyToDER wraps a raw 32-byte ed25519 public key in its DER form.
func Ed25519KeyToDER(publicKey []byte) ([]byte, error) {
	if len(publicKey) != 32 {
		return nil, fmt.Errorf("ed25519 public key is %d bytes, want 32", len(publicKey))
	}
	out := make([]byte, 0, len(ed25519DerPrefix)+32)
	out = append(out, ed25519DerPrefix...)
	return append(out, publicKey...), nil
}
