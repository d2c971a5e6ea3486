package providers

import (
	"context"
	"time"
)

// Backoff is the polling policy used by Await: start at Initial, multiply by
// Multiplier after each pending poll, never exceed Cap, give up after
// MaxAttempts polls. Sleep is injectable so tests run without real time.
type Backoff struct {
	Initial     time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
	Sleep       func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff covers a vendor's typical worst-case latency of a few
// minutes: 2s, 4s, 8s, ... capped at 30s, 15 attempts (~6.5 minutes total).
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     2 * time.Second,
		Multiplier:  2,
		Cap:         30 * time.Second,
		MaxAttempts: 15,
	}
}

func (b Backoff) sleep(ctx context.Context, d time.Duration) error {
	if b.Sleep != nil {
		return b.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Next returns the interval following d under the policy.
func (b Backoff) Next(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * b.Multiplier)
	if b.Cap > 0 && next > b.Cap {
		return b.Cap
	}
	return next
}

// Await drives the poll loop for one submitted operation until it completes,
// fails, or the attempt budget runs out. The moment a poll reports DONE the
// result URLs are fetched through op.Fetch because vendors expire them
// within minutes; only durable bytes ever leave this function.
//
// Exhausting the attempt budget is a transient error: the stage may be
// retried at the job level, where a separate retry budget applies.
func Await(ctx context.Context, op Operation, h Handle, policy Backoff) ([][]byte, error) {
	interval := policy.Initial
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := op.Poll(ctx, h)
		if err != nil {
			return nil, err
		}
		switch result.State {
		case StateDone:
			return collectResults(ctx, op, h, result)
		case StateFailed:
			reason := result.Reason
			if reason == "" {
				reason = "vendor reported failure"
			}
			return nil, Fatalf(h.Kind, "task %s failed: %s", h.TaskID, reason)
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if err := policy.sleep(ctx, interval); err != nil {
			return nil, err
		}
		interval = policy.Next(interval)
	}
	return nil, Transientf(h.Kind, "task %s still pending after %d polls", h.TaskID, policy.MaxAttempts)
}

func collectResults(ctx context.Context, op Operation, h Handle, result PollResult) ([][]byte, error) {
	if len(result.Inline) > 0 {
		return result.Inline, nil
	}
	if len(result.ResultURLs) == 0 {
		return nil, Fatalf(h.Kind, "task %s done without results", h.TaskID)
	}
	outputs := make([][]byte, 0, len(result.ResultURLs))
	for _, u := range result.ResultURLs {
		data, err := op.Fetch(ctx, u)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, data)
	}
	return outputs, nil
}
