package playback

import (
	"context"
	"errors"
)

// RetryPolicy bounds failed-play recovery: after a failure the asset URL is
// refreshed and the play retried at most MaxAttempts times, then Fallback runs.
type RetryPolicy struct {
	MaxAttempts int
	Fallback    func(ctx context.Context, err error)
}

// Retryable reports whether refreshing the URL can help. A blocked autoplay
// is a browser policy decision, not a stale link.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrAutoplayBlocked) && !errors.Is(err, context.Canceled)
}

// Run calls attempt, refreshing between failed attempts, and returns the
// number of refreshes performed with the final error.
func (p RetryPolicy) Run(ctx context.Context, attempt, refresh func(context.Context) error) (int, error) {
	err := attempt(ctx)
	refreshes := 0
	for err != nil && Retryable(err) && refreshes < p.MaxAttempts {
		refreshes++
		if rerr := refresh(ctx); rerr != nil {
			err = rerr
			break
		}
		err = attempt(ctx)
	}
	if err != nil && p.Fallback != nil {
		p.Fallback(ctx, err)
	}
	return refreshes, err
}
