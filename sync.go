package icagent

import (
	"context"
	"sort"
	"time"

	"github.com/nustiueudinastea/icagent/certification"
	"github.com/nustiueudinastea/icagent/principal"
	"go.uber.org/multierr"
)

// timePaths reads the certified network time.
var timePaths = [][][]byte{{[]byte("time")}}

// SyncTime estimates the clock drift against the network: it reads the
// certified time several times, takes the median and stores
// (median - local now) as the drift every subsequent expiry is corrected by.
//
// Freshness verification is disabled on the sync reads themselves; their
// whole purpose is that the clocks may disagree. In-flight calls keep the
// drift they captured at build time.
func (a *Agent) SyncTime(ctx context.Context) error {
	return a.syncTime(ctx, readStateTarget{
		canister:           a.cfg.TimeSyncCanister,
		skipPrincipalCheck: true,
		unverifiedTime:     true,
	})
}

// SyncTimeWithSubnet is SyncTime against an explicit subnet's state.
func (a *Agent) SyncTimeWithSubnet(ctx context.Context, subnetID principal.Principal) error {
	return a.syncTime(ctx, readStateTarget{
		subnet:             &subnetID,
		skipPrincipalCheck: true,
		unverifiedTime:     true,
	})
}

func (a *Agent) syncTime(ctx context.Context, target readStateTarget) error {
	samples := make([]time.Time, 0, a.cfg.TimeSyncSamples)
	var readErrs error
	for i := 0; i < a.cfg.TimeSyncSamples; i++ {
		if ctx.Err() != nil {
			return &AgentError{Kind: KindCancelled, Err: ctx.Err()}
		}
		cert, err := a.readState(ctx, target, timePaths)
		if err != nil {
			readErrs = multierr.Append(readErrs, err)
			continue
		}
		certTime, err := certification.Time(cert)
		if err != nil {
			readErrs = multierr.Append(readErrs, err)
			continue
		}
		samples = append(samples, certTime)
	}
	if len(samples) == 0 {
		return agentErrorf(KindTransient, "time sync: all samples failed: %w", readErrs)
	}
	if readErrs != nil {
		a.log.WithError(readErrs).Warn("time sync: some samples failed, using the rest")
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Before(samples[j]) })
	median := samples[(len(samples)-1)/2]
	drift := time.Until(median)

	a.driftNs.Store(int64(drift))
	a.syncedTime.Store(true)
	a.log.WithField("drift", drift.String()).Debug("time synced")
	return nil
}
