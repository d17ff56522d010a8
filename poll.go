package icagent

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollStrategyFactory builds the backoff schedule for one call's polling
// phase. A fresh strategy is created per call and never shared: strategies
// are stateful, and reusing one would let a slow call starve the next.
type PollStrategyFactory func() backoff.BackOff

// DefaultPollStrategy polls quickly at first and backs off to a bounded
// interval, giving up after five minutes.
func DefaultPollStrategy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 300 * time.Millisecond
	b.RandomizationFactor = 0.3
	b.Multiplier = 1.6
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	b.Reset()
	return b
}

// errPollDeadline means the strategy gave up before the request settled.
var errPollDeadline = errors.New("polling deadline exceeded before the request settled")

// waitPoll sleeps for the strategy's next interval, honouring cancellation.
func waitPoll(ctx context.Context, strategy backoff.BackOff) error {
	delay := strategy.NextBackOff()
	if delay == backoff.Stop {
		return agentErrorf(KindUnknown, "%w", errPollDeadline)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &AgentError{Kind: KindCancelled, Err: ctx.Err()}
	case <-timer.C:
		return nil
	}
}
