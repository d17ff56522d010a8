// Package certification verifies the signed Merkle proofs replicas attach to
// their replies: it recomputes tree roots, checks the BLS-signed delegation
// chain from the network root down to the signing subnet, enforces canister
// range containment and bounds the certificate's embedded wall-clock time.
package certification

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nustiueudinastea/icagent/principal"
)

// DefaultDriftBudget bounds how far a certificate's embedded time may deviate
// from the local clock before it is rejected as stale or from the future.
const DefaultDriftBudget = 5 * time.Minute

// Delegation carries a root-signed certificate granting a subnet authority
// over its canister ranges.
type Delegation struct {
	SubnetID    []byte `cbor:"subnet_id"`
	Certificate []byte `cbor:"certificate"`
}

// Certificate is the decoded wire envelope of a signed state proof.
type Certificate struct {
	Tree       HashTree    `cbor:"tree"`
	Signature  []byte      `cbor:"signature"`
	Delegation *Delegation `cbor:"delegation,omitempty"`
}

// ParseCertificate decodes the outer CBOR envelope.
func ParseCertificate(data []byte) (*Certificate, error) {
	var cert Certificate
	if err := cbor.Unmarshal(data, &cert); err != nil {
		return nil, wrapTrustError(CodeMalformedCbor, fmt.Errorf("decoding certificate: %w", err))
	}
	return &cert, nil
}

// VerifyConfig carries the inputs of a single verification. Exactly one of
// CanisterID and SubnetID identifies the expected principal.
type VerifyConfig struct {
	// RootPublicKey is the network trust anchor, raw (96 bytes) or
	// DER-wrapped.
	RootPublicKey []byte

	CanisterID *principal.Principal
	SubnetID   *principal.Principal

	// Now is the verification wall-clock; the zero value means time.Now().
	Now time.Time
	// DriftBudget defaults to DefaultDriftBudget when zero.
	DriftBudget time.Duration
	// DisableTimeVerification skips the freshness check. Time-sync reads use
	// this, since their whole point is that the clocks disagree.
	DisableTimeVerification bool

	// allowDelegation is cleared when verifying a delegation certificate,
	// which bounds the chain to depth 1.
	allowDelegation bool
}

// Verify checks the certificate end to end per the given config: root hash,
// delegation chain, BLS signature, range containment and time freshness.
func Verify(cert *Certificate, cfg VerifyConfig) error {
	cfg.allowDelegation = true
	return verify(cert, cfg)
}

func verify(cert *Certificate, cfg VerifyConfig) error {
	if cfg.DriftBudget == 0 {
		cfg.DriftBudget = DefaultDriftBudget
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	rootKey, err := normalizeRootKey(cfg.RootPublicKey)
	if err != nil {
		return err
	}

	root, err := cert.Tree.Reconstruct()
	if err != nil {
		return wrapTrustError(CodeMalformedCbor, err)
	}

	signingKey, err := effectiveSigningKey(cert, cfg, rootKey)
	if err != nil {
		return err
	}

	msg := append(domainSep("ic-state-root"), root...)
	if err := VerifyBLSSignature(signingKey, msg, cert.Signature); err != nil {
		return wrapTrustError(CodeBadSignature, err)
	}

	if !cfg.DisableTimeVerification {
		if err := verifyTime(cert, cfg.Now, cfg.DriftBudget); err != nil {
			return err
		}
	}
	return nil
}

// RootSubnetID derives the root subnet's principal: the self-authenticating
// principal of the network root key.
func RootSubnetID(rootKey []byte) (principal.Principal, error) {
	raw, err := normalizeRootKey(rootKey)
	if err != nil {
		return principal.Principal{}, err
	}
	der, err := PublicKeyToDER(raw)
	if err != nil {
		return principal.Principal{}, wrapTrustError(CodeBadSignature, err)
	}
	return principal.SelfAuthenticating(der), nil
}

// normalizeRootKey accepts either the raw 96-byte G2 key or its DER wrapping.
func normalizeRootKey(key []byte) ([]byte, error) {
	switch len(key) {
	case BLSPublicKeyLength:
		return key, nil
	case len(blsDerPrefix) + BLSPublicKeyLength:
		return PublicKeyFromDER(key)
	case 0:
		return nil, trustErrorf(CodeBadSignature, "no root public key configured")
	default:
		return nil, trustErrorf(CodeBadSignature, "root public key is %d bytes", len(key))
	}
}

// effectiveSigningKey resolves the key the certificate must be signed under:
// the network root key for root-subnet certificates, or the delegated
// subnet's key extracted from a verified delegation certificate.
func effectiveSigningKey(cert *Certificate, cfg VerifyConfig, rootKey []byte) ([]byte, error) {
	if cert.Delegation == nil {
		// A non-delegated certificate is signed by the root subnet directly.
		// A canister expectation has no range proof here and must be
		// rejected. A top-level certificate can only vouch for the root
		// subnet's own principal; a delegation certificate (allowDelegation
		// cleared) vouches for the subnet it delegates to, which the caller
		// has already matched against the delegation's subnet id.
		if cfg.CanisterID != nil {
			return nil, trustErrorf(CodeWrongRootDelegation,
				"certificate carries no delegation and cannot vouch for canister %s", cfg.CanisterID)
		}
		if cfg.SubnetID != nil && cfg.allowDelegation {
			der, err := PublicKeyToDER(rootKey)
			if err != nil {
				return nil, wrapTrustError(CodeBadSignature, err)
			}
			rootSubnet := principal.SelfAuthenticating(der)
			if !cfg.SubnetID.Equal(rootSubnet) {
				return nil, trustErrorf(CodeWrongRootDelegation,
					"certificate is signed by the root subnet %s, not %s", rootSubnet, cfg.SubnetID)
			}
		}
		return rootKey, nil
	}

	if !cfg.allowDelegation {
		return nil, trustErrorf(CodeWrongRootDelegation, "delegation certificates may not themselves delegate")
	}

	subnetID, err := principal.FromRaw(cert.Delegation.SubnetID)
	if err != nil {
		return nil, wrapTrustError(CodeMalformedCbor, fmt.Errorf("delegation subnet id: %w", err))
	}
	if cfg.SubnetID != nil && !cfg.SubnetID.Equal(subnetID) {
		return nil, trustErrorf(CodeWrongRootDelegation,
			"certificate is delegated to subnet %s, not %s", subnetID, cfg.SubnetID)
	}

	delegCert, err := ParseCertificate(cert.Delegation.Certificate)
	if err != nil {
		return nil, err
	}
	// Subnet delegations are long-lived; freshness is enforced on the outer
	// certificate only.
	if err := verify(delegCert, VerifyConfig{
		RootPublicKey:           rootKey,
		SubnetID:                &subnetID,
		Now:                     cfg.Now,
		DriftBudget:             cfg.DriftBudget,
		DisableTimeVerification: true,
	}); err != nil {
		return nil, err
	}

	if cfg.CanisterID != nil {
		ranges, err := lookupCanisterRanges(&delegCert.Tree, subnetID)
		if err != nil {
			return nil, err
		}
		if !ranges.Contains(*cfg.CanisterID) {
			return nil, trustErrorf(CodeNotInRanges,
				"canister %s is not authorised by subnet %s", cfg.CanisterID, subnetID)
		}
	}

	keyLookup := delegCert.Tree.LookupPath([]byte("subnet"), cert.Delegation.SubnetID, []byte("public_key"))
	if keyLookup.Status != LookupFound {
		return nil, trustErrorf(CodeLookupFailure,
			"delegation certificate has no public key for subnet %s (%s)", subnetID, keyLookup.Status)
	}
	return PublicKeyFromDERChecked(keyLookup.Value)
}

// PublicKeyFromDERChecked is PublicKeyFromDER with trust-error wrapping.
func PublicKeyFromDERChecked(der []byte) ([]byte, error) {
	key, err := PublicKeyFromDER(der)
	if err != nil {
		return nil, wrapTrustError(CodeMalformedCbor, err)
	}
	return key, nil
}

func verifyTime(cert *Certificate, now time.Time, drift time.Duration) error {
	certTime, err := Time(cert)
	if err != nil {
		return err
	}
	if certTime.Before(now.Add(-drift)) {
		return trustErrorf(CodeStale,
			"certificate time %s is more than %s behind local time %s",
			certTime.UTC().Format(time.RFC3339Nano), drift, now.UTC().Format(time.RFC3339Nano))
	}
	if certTime.After(now.Add(drift)) {
		return trustErrorf(CodeFromFuture,
			"certificate time %s is more than %s ahead of local time %s",
			certTime.UTC().Format(time.RFC3339Nano), drift, now.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// Time extracts the certificate's embedded wall-clock time from /time.
func Time(cert *Certificate) (time.Time, error) {
	r := cert.Tree.LookupPath([]byte("time"))
	if r.Status != LookupFound {
		return time.Time{}, trustErrorf(CodeLookupFailure, "certificate has no /time (%s)", r.Status)
	}
	ns, err := DecodeULEB128(r.Value)
	if err != nil {
		return time.Time{}, wrapTrustError(CodeMalformedCbor, fmt.Errorf("decoding /time: %w", err))
	}
	return time.Unix(0, int64(ns)), nil
}

// CanisterRange is an inclusive [Start, End] span of canister principals.
type CanisterRange struct {
	Start principal.Principal
	End   principal.Principal
}

// CanisterRanges is a subnet's authorised range set.
type CanisterRanges []CanisterRange

// Contains reports whether the canister lies within one of the ranges under
// lexicographic raw-byte order.
func (rs CanisterRanges) Contains(canister principal.Principal) bool {
	for _, r := range rs {
		if r.Start.Compare(canister) <= 0 && canister.Compare(r.End) <= 0 {
			return true
		}
	}
	return false
}

// lookupCanisterRanges reads the subnet's range set from the delegation tree.
// The modern top-level path wins; the legacy per-subnet path is only read
// when the modern lookup does not find a value (absent, pruned or invalid).
func lookupCanisterRanges(tree *HashTree, subnetID principal.Principal) (CanisterRanges, error) {
	sid := subnetID.Raw()
	r := tree.LookupPath([]byte("canister_ranges"), sid)
	if r.Status != LookupFound {
		r = tree.LookupPath([]byte("subnet"), sid, []byte("canister_ranges"))
	}
	if r.Status != LookupFound {
		return nil, trustErrorf(CodeLookupFailure,
			"delegation certificate has no canister ranges for subnet %s (%s)", subnetID, r.Status)
	}
	return decodeCanisterRanges(r.Value)
}

func decodeCanisterRanges(data []byte) (CanisterRanges, error) {
	// Some replicas emit the leaf with the CBOR self-describe tag.
	data = bytes.TrimPrefix(data, []byte{0xd9, 0xd9, 0xf7})
	var raw [][][]byte
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, wrapTrustError(CodeMalformedCbor, fmt.Errorf("decoding canister ranges: %w", err))
	}
	ranges := make(CanisterRanges, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, trustErrorf(CodeMalformedCbor, "canister range %d has %d elements, want 2", i, len(pair))
		}
		start, err := principal.FromRaw(pair[0])
		if err != nil {
			return nil, wrapTrustError(CodeMalformedCbor, err)
		}
		end, err := principal.FromRaw(pair[1])
		if err != nil {
			return nil, wrapTrustError(CodeMalformedCbor, err)
		}
		if bytes.Compare(pair[0], pair[1]) > 0 {
			return nil, trustErrorf(CodeMalformedCbor, "canister range %d is inverted", i)
		}
		ranges = append(ranges, CanisterRange{Start: start, End: end})
	}
	return ranges, nil
}
