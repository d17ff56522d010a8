// Package principal implements the opaque identifier used for users,
// canisters and subnets, together with its CRC-prefixed base32 textual form.
package principal

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

// MaxLength is the maximum raw length of a principal in bytes.
const MaxLength = 29

const (
	selfAuthenticatingTag byte = 0x02
	anonymousTag          byte = 0x04
)

// textEncoding is unpadded lowercase RFC4648 base32.
var textEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is an opaque identifier of 0-29 raw bytes.
//
// It is a value type; the zero value is the management principal (empty raw form).
type Principal struct {
	raw string
}

// FromRaw builds a principal from its raw byte form.
func FromRaw(raw []byte) (Principal, error) {
	if len(raw) > MaxLength {
		return Principal{}, fmt.Errorf("principal too long: %d bytes", len(raw))
	}
	return Principal{raw: string(raw)}, nil
}

// MustFromRaw is FromRaw for known-good inputs. It panics on error.
func MustFromRaw(raw []byte) Principal {
	p, err := FromRaw(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Anonymous returns the anonymous principal (single 0x04 byte).
func Anonymous() Principal {
	return Principal{raw: string([]byte{anonymousTag})}
}

// SelfAuthenticating derives the principal of a DER-encoded public key:
// SHA-224 of the key, tagged 0x02.
func SelfAuthenticating(derPublicKey []byte) Principal {
	sum := sha256.Sum224(derPublicKey)
	raw := make([]byte, 0, sha256.Size224+1)
	raw = append(raw, sum[:]...)
	raw = append(raw, selfAuthenticatingTag)
	return Principal{raw: string(raw)}
}

// FromText parses the dash-grouped textual form and verifies the CRC prefix.
func FromText(text string) (Principal, error) {
	stripped := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(text)), "-", "")
	decoded, err := textEncoding.DecodeString(strings.ToUpper(stripped))
	if err != nil {
		return Principal{}, fmt.Errorf("invalid principal text %q: %w", text, err)
	}
	if len(decoded) < crc32.Size {
		return Principal{}, fmt.Errorf("invalid principal text %q: too short", text)
	}
	check := binary.BigEndian.Uint32(decoded[:crc32.Size])
	raw := decoded[crc32.Size:]
	if check != crc32.ChecksumIEEE(raw) {
		return Principal{}, fmt.Errorf("invalid principal text %q: checksum mismatch", text)
	}
	p, err := FromRaw(raw)
	if err != nil {
		return Principal{}, err
	}
	// The textual form is canonical: re-encoding must reproduce the input.
	if p.String() != strings.ToLower(strings.TrimSpace(text)) {
		return Principal{}, fmt.Errorf("invalid principal text %q: non-canonical form", text)
	}
	return p, nil
}

// MustFromText is FromText for known-good inputs. It panics on error.
func MustFromText(text string) Principal {
	p, err := FromText(text)
	if err != nil {
		panic(err)
	}
	return p
}

// Raw returns a copy of the raw byte form.
func (p Principal) Raw() []byte {
	return []byte(p.raw)
}

// String returns the dash-grouped textual form.
func (p Principal) String() string {
	prefixed := make([]byte, crc32.Size+len(p.raw))
	binary.BigEndian.PutUint32(prefixed, crc32.ChecksumIEEE([]byte(p.raw)))
	copy(prefixed[crc32.Size:], p.raw)

	encoded := strings.ToLower(textEncoding.EncodeToString(prefixed))
	var b strings.Builder
	for i := 0; i < len(encoded); i += 5 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 5
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
	}
	return b.String()
}

// Equal reports whether two principals have the same raw form.
func (p Principal) Equal(other Principal) bool {
	return p.raw == other.raw
}

// Compare orders principals lexicographically by raw form.
func (p Principal) Compare(other Principal) int {
	return bytes.Compare([]byte(p.raw), []byte(other.raw))
}

// IsAnonymous reports whether p is the anonymous principal.
func (p Principal) IsAnonymous() bool {
	return p.raw == string([]byte{anonymousTag})
}
