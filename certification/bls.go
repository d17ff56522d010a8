package certification

import (
	"errors"
	"fmt"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
)

// blsDST is the hash-to-curve suite the network signs state roots under.
const blsDST = "BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"

const (
	// BLSSignatureLength is the size of a compressed G1 signature.
	BLSSignatureLength = 48
	// BLSPublicKeyLength is the size of a compressed G2 public key.
	BLSPublicKeyLength = 96
)

// ErrBLSSignatureMismatch is returned when a well-formed signature does not
// verify under the given key.
var ErrBLSSignatureMismatch = errors.New("bls signature does not verify")

// VerifyBLSSignature checks a compressed G1 signature over msg with a
// compressed G2 public key.
func VerifyBLSSignature(publicKey, msg, signature []byte) error {
	if len(publicKey) != BLSPublicKeyLength {
		return fmt.Errorf("bls public key is %d bytes, want %d", len(publicKey), BLSPublicKeyLength)
	}
	if len(signature) != BLSSignatureLength {
		return fmt.Errorf("bls signature is %d bytes, want %d", len(signature), BLSSignatureLength)
	}

	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(publicKey); err != nil {
		return fmt.Errorf("decoding bls public key: %w", err)
	}
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(signature); err != nil {
		return fmt.Errorf("decoding bls signature: %w", err)
	}

	hm, err := bls12381.HashToG1(msg, []byte(blsDST))
	if err != nil {
		return fmt.Errorf("hashing message to curve: %w", err)
	}

	// e(sig, -g2) * e(H(msg), pk) == 1  <=>  e(sig, g2) == e(H(msg), pk)
	_, _, _, g2 := bls12381.Generators()
	var negG2 bls12381.G2Affine
	negG2.Neg(&g2)

	ok, err := bls12381.PairingCheck(
		[]bls12381.G1Affine{sig, hm},
		[]bls12381.G2Affine{negG2, pk},
	)
	if err != nil {
		return fmt.Errorf("pairing check: %w", err)
	}
	if !ok {
		return ErrBLSSignatureMismatch
	}
	return nil
}
