package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DefaultIngressExpiryDelta is how far into the future requests expire by
// default.
const DefaultIngressExpiryDelta = 5 * time.Minute

// Expiry is an absolute ingress deadline in nanoseconds since the Unix epoch.
//
// Deadlines are rounded down to the nearest minute when the minute boundary
// still leaves a full minute of headroom, otherwise to the nearest second.
// Coarser deadlines collapse retried requests onto the same request id, which
// is what makes replica-side duplicate detection effective.
type Expiry struct {
	ns uint64
}

// NewExpiry computes an expiry delta from now, corrected by the engine's
// current clock-drift estimate.
func NewExpiry(delta, drift time.Duration) Expiry {
	return NewExpiryAt(time.Now(), delta, drift)
}

// NewExpiryAt is NewExpiry against an explicit wall-clock reading.
func NewExpiryAt(now time.Time, delta, drift time.Duration) Expiry {
	correctedMs := now.UnixMilli() + drift.Milliseconds()
	targetMs := correctedMs + delta.Milliseconds()

	const minuteMs = int64(60_000)
	flooredToMinute := targetMs - targetMs%minuteMs
	if targetMs-correctedMs >= minuteMs && flooredToMinute-correctedMs >= minuteMs {
		return Expiry{ns: uint64(flooredToMinute) * uint64(time.Millisecond)}
	}
	flooredToSecond := targetMs - targetMs%1000
	return Expiry{ns: uint64(flooredToSecond) * uint64(time.Millisecond)}
}

// ExpiryFromNanoseconds restores an expiry from its wire value.
func ExpiryFromNanoseconds(ns uint64) Expiry {
	return Expiry{ns: ns}
}

// Nanoseconds returns the deadline as unsigned nanoseconds since the epoch.
func (e Expiry) Nanoseconds() uint64 {
	return e.ns
}

// Time returns the deadline as a wall-clock instant.
func (e Expiry) Time() time.Time {
	return time.Unix(0, int64(e.ns))
}

func (e Expiry) String() string {
	return e.Time().UTC().Format(time.RFC3339Nano)
}

// expiryJSON is the cross-language carrier: a type tag plus the value as a
// decimal string, so the 64-bit integer survives JSON number precision.
type expiryJSON struct {
	Type  string `json:"__expiry__"`
	Value string `json:"value"`
}

// MarshalJSON encodes the deadline as a tagged decimal string.
func (e Expiry) MarshalJSON() ([]byte, error) {
	return json.Marshal(expiryJSON{Type: "expiry", Value: strconv.FormatUint(e.ns, 10)})
}

// UnmarshalJSON restores a deadline from the tagged decimal form.
func (e *Expiry) UnmarshalJSON(data []byte) error {
	var carrier expiryJSON
	if err := json.Unmarshal(data, &carrier); err != nil {
		return err
	}
	if carrier.Type != "expiry" {
		return fmt.Errorf("not an expiry carrier: type %q", carrier.Type)
	}
	ns, err := strconv.ParseUint(carrier.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry value %q: %w", carrier.Value, err)
	}
	e.ns = ns
	return nil
}
