package common

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
)

const DefaultContendedRetries = 3

// RetryContended reruns op while it fails with a retryable error, a few
// times and with jittered backoff. Any other error is returned at once.
func RetryContended[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond //nolint:mnd
	b.MaxInterval = 250 * time.Millisecond    //nolint:mnd

	result, err := backoff.Retry(ctx, func() (T, error) {
		result, err := op()
		if err != nil && !apperrors.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}

		return result, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(DefaultContendedRetries),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}

	//nolint:wrapcheck
	return result, err
}
