// Package icagent is a client-side trust engine for a decentralised compute
// network. Every replica reply carries a signed state certificate; the
// engine independently verifies, from the reply alone, that the data was
// produced by the claimed authority and is neither stale nor replayed, and
// drives the update/query/read-state request lifecycle on top of that
// verification.
package icagent

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nustiueudinastea/icagent/certification"
	"github.com/nustiueudinastea/icagent/identity"
	"github.com/nustiueudinastea/icagent/principal"
	"github.com/nustiueudinastea/icagent/protocol"
	"github.com/nustiueudinastea/icagent/transport"
	"github.com/sirupsen/logrus"
)

// MainnetRootKeyDER is the production network's BLS public key in DER form:
// the trust anchor every certificate chain must root in.
const MainnetRootKeyDER = "308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100" +
	"814c0e6ec71fab583b08bd81373c255c3c371b2e84863c98a4f1e08b74235d14fb5d9c0cd546d9685f913a0c0b2cc534" +
	"1583bf4b4392e467db96d65b9bb4cb717112f8472e0d5a4d14505ffd7484b01291091c5f87b98883463f98091a0baaae"

// DefaultRetryTimes is the per-call retry budget for transient failures and
// clock-mismatch certificate rejections.
const DefaultRetryTimes = 3

// DefaultTimeSyncSamples is how many certificate times a sync reads before
// taking the median; three absorbs a single lagging replica.
const DefaultTimeSyncSamples = 3

// Config configures an Agent. The zero value of every optional field selects
// a conservative default.
type Config struct {
	// Host is the replica or boundary node base URL. Required.
	Host string
	// RootPublicKey is the network trust anchor, raw (96 bytes) or DER.
	// Defaults to the production network key.
	RootPublicKey []byte
	// Identity signs requests. Defaults to the anonymous identity.
	Identity identity.Identity
	// HTTPClient is optional; the default client is used when nil.
	HTTPClient *http.Client
	Log        *logrus.Entry

	// RetryTimes bounds retries per call. Nil uses DefaultRetryTimes; an
	// explicit zero disables retries.
	RetryTimes *int
	// IngressExpiryDelta is how far into the future requests expire.
	// Zero uses protocol.DefaultIngressExpiryDelta.
	IngressExpiryDelta time.Duration
	// DriftBudget bounds how far a certificate time may deviate from the
	// local clock. Zero uses certification.DefaultDriftBudget.
	DriftBudget time.Duration
	// DisableTimeVerification skips certificate freshness checks entirely.
	DisableTimeVerification bool

	// VerifyQuerySignatures controls node-signature verification on query
	// replies. Nil means enabled.
	VerifyQuerySignatures *bool

	// ShouldSyncTime runs a time sync at construction, so the first call
	// already carries a corrected expiry.
	ShouldSyncTime bool
	// TimeSyncSamples is the number of certificate reads per sync.
	// Zero uses DefaultTimeSyncSamples.
	TimeSyncSamples int
	// TimeSyncCanister is the canister whose state is read during sync.
	// Defaults to the management canister.
	TimeSyncCanister *principal.Principal

	// PollStrategyFactory builds per-call polling schedules. Nil uses
	// DefaultPollStrategy.
	PollStrategyFactory PollStrategyFactory
}

// subnetTopology is the verified membership of one subnet: its node keys and
// the canister it was learned through. Values are immutable once cached;
// refreshes replace the whole entry.
type subnetTopology struct {
	subnetID principal.Principal
	// nodeKeys maps node principal (string form of raw bytes) to the
	// node's DER-encoded ed25519 public key.
	nodeKeys map[string][]byte
}

// Agent drives certified calls, queries and state reads against one network.
//
// The only mutable shared state is the drift estimate, the identity and the
// subnet topology cache; all three are safe for concurrent use. In-flight
// calls keep the drift they captured at build time.
type Agent struct {
	client *transport.Client
	cfg    Config
	log    *logrus.Entry

	rootKey []byte

	identityMu sync.RWMutex
	identity   identity.Identity

	// driftNs is the signed estimate of (replica clock - local clock).
	driftNs    atomic.Int64
	syncedTime atomic.Bool

	// topologyMu guards the copy-on-write caches below. Readers take the
	// whole map snapshot; writers clone, then swap.
	topologyMu       sync.RWMutex
	subnets          map[string]*subnetTopology
	canisterToSubnet map[string]principal.Principal
}

// New validates the config and builds an agent. When cfg.ShouldSyncTime is
// set, one time sync runs before New returns.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	if cfg.Host == "" {
		return nil, agentErrorf(KindInput, "config: Host is required")
	}
	if cfg.Identity == nil {
		cfg.Identity = identity.Anonymous{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.RetryTimes == nil {
		retries := DefaultRetryTimes
		cfg.RetryTimes = &retries
	}
	if *cfg.RetryTimes < 0 {
		return nil, agentErrorf(KindInput, "config: RetryTimes must not be negative")
	}
	if cfg.IngressExpiryDelta == 0 {
		cfg.IngressExpiryDelta = protocol.DefaultIngressExpiryDelta
	}
	if cfg.DriftBudget == 0 {
		cfg.DriftBudget = certification.DefaultDriftBudget
	}
	if cfg.VerifyQuerySignatures == nil {
		verify := true
		cfg.VerifyQuerySignatures = &verify
	}
	if cfg.TimeSyncSamples == 0 {
		cfg.TimeSyncSamples = DefaultTimeSyncSamples
	}
	if cfg.TimeSyncCanister == nil {
		management := principal.MustFromRaw(nil)
		cfg.TimeSyncCanister = &management
	}
	if cfg.PollStrategyFactory == nil {
		cfg.PollStrategyFactory = DefaultPollStrategy
	}
	rootKey := cfg.RootPublicKey
	if len(rootKey) == 0 {
		decoded, err := hex.DecodeString(MainnetRootKeyDER)
		if err != nil {
			return nil, fmt.Errorf("decoding built-in root key: %w", err)
		}
		rootKey = decoded
	}

	client, err := transport.NewClient(transport.Config{
		Host:       cfg.Host,
		HTTPClient: cfg.HTTPClient,
		Log:        cfg.Log,
	})
	if err != nil {
		return nil, agentErrorf(KindInput, "%w", err)
	}

	a := &Agent{
		client:           client,
		cfg:              cfg,
		log:              cfg.Log.WithField("component", "agent"),
		rootKey:          rootKey,
		identity:         cfg.Identity,
		subnets:          make(map[string]*subnetTopology),
		canisterToSubnet: make(map[string]principal.Principal),
	}

	if cfg.ShouldSyncTime {
		if err := a.SyncTime(ctx); err != nil {
			return nil, fmt.Errorf("initial time sync: %w", err)
		}
	}
	return a, nil
}

// GetPrincipal returns the principal requests are currently sent as.
func (a *Agent) GetPrincipal() principal.Principal {
	a.identityMu.RLock()
	defer a.identityMu.RUnlock()
	return a.identity.Sender()
}

// ReplaceIdentity swaps the signing identity. The swap waits for outstanding
// signs to complete; calls built afterwards use the new identity.
func (a *Agent) ReplaceIdentity(id identity.Identity) {
	a.identityMu.Lock()
	defer a.identityMu.Unlock()
	a.identity = id
}

// Drift returns the current clock-drift estimate.
func (a *Agent) Drift() time.Duration {
	return time.Duration(a.driftNs.Load())
}

// HasSyncedTime reports whether a time sync has completed on this engine.
func (a *Agent) HasSyncedTime() bool {
	return a.syncedTime.Load()
}

// newExpiry computes an ingress expiry from the engine defaults and the
// drift estimate captured now.
func (a *Agent) newExpiry() protocol.Expiry {
	return protocol.NewExpiry(a.cfg.IngressExpiryDelta, a.Drift())
}

// buildEnvelope stamps the request with the identity's sender, signs it and
// encodes the envelope, all under one identity read: the sender principal
// and the signing key always come from the same identity, and an identity
// replacement sequences against in-flight signs.
func (a *Agent) buildEnvelope(req protocol.Request) ([]byte, protocol.RequestID, error) {
	a.identityMu.RLock()
	defer a.identityMu.RUnlock()

	req.Sender = a.identity.Sender()
	rid := req.ID()

	envelope := protocol.Envelope{Content: req}
	if pubKey := a.identity.PublicKey(); len(pubKey) > 0 {
		sig, err := a.identity.Sign(protocol.RequestSignPayload(rid))
		if err != nil {
			return nil, rid, agentErrorf(KindUnknown, "signing request: %w", err)
		}
		envelope.SenderPubKey = pubKey
		envelope.SenderSig = sig
	}
	encoded, err := envelope.EncodeCBOR()
	if err != nil {
		return nil, rid, agentErrorf(KindInput, "%w", err)
	}
	return encoded, rid, nil
}

// cachedSubnetForCanister returns the owning subnet learned from an earlier
// key fetch.
func (a *Agent) cachedSubnetForCanister(canisterID principal.Principal) (principal.Principal, bool) {
	a.topologyMu.RLock()
	defer a.topologyMu.RUnlock()
	subnet, ok := a.canisterToSubnet[string(canisterID.Raw())]
	return subnet, ok
}

// cachedTopology returns the node-key map for a subnet, if known.
func (a *Agent) cachedTopology(subnetID principal.Principal) (*subnetTopology, bool) {
	a.topologyMu.RLock()
	defer a.topologyMu.RUnlock()
	topo, ok := a.subnets[string(subnetID.Raw())]
	return topo, ok
}

// storeTopology records a verified subnet topology and the canister it was
// learned through. Entire entries are replaced, never mutated in place.
func (a *Agent) storeTopology(canisterID principal.Principal, topo *subnetTopology) {
	a.topologyMu.Lock()
	defer a.topologyMu.Unlock()

	subnets := make(map[string]*subnetTopology, len(a.subnets)+1)
	for k, v := range a.subnets {
		subnets[k] = v
	}
	subnets[string(topo.subnetID.Raw())] = topo
	a.subnets = subnets

	canisters := make(map[string]principal.Principal, len(a.canisterToSubnet)+1)
	for k, v := range a.canisterToSubnet {
		canisters[k] = v
	}
	canisters[string(canisterID.Raw())] = topo.subnetID
	a.canisterToSubnet = canisters
}
