package services

import (
	"context"
	"errors"
	"time"

	"contest-engine/repository"

	"github.com/cenkalti/backoff/v4"
)

const readRetries = 3

// readWithRetry retries transient read failures with exponential backoff.
// Not-found is structural and returned immediately.
func readWithRetry[T any](ctx context.Context, read func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 5 * time.Second

	var out T
	op := func() error {
		v, err := read(ctx)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) || errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, readRetries), ctx))
	return out, err
}
