package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
)

// errNotReady marks a readiness check that should be tried again.
var errNotReady = errors.New("not ready")

// NotReady wraps reason so that Poll keeps polling.
func NotReady(reason string) error {
	return fmt.Errorf("%s: %w", reason, errNotReady)
}

// PollConfig bounds readiness polling.
type PollConfig struct {
	Attempts uint
	Interval time.Duration
}

// Poll calls check until it returns a nil error, a non NotReady error,
// or Attempts is exhausted.  Exhaustion yields ErrProvisionTimeout.
func Poll[T any](ctx context.Context, cfg PollConfig, check func(context.Context) (T, error)) (T, error) {
	var result T
	err := retry.Do(
		func() error {
			v, err := check(ctx)
			if err != nil {
				return err
			}
			result = v
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(max(cfg.Attempts, 1)),
		retry.Delay(cfg.Interval),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errNotReady) }),
		retry.LastErrorOnly(true),
	)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, errNotReady):
		return result, fmt.Errorf("%w after %d attempts: %w", ErrProvisionTimeout, cfg.Attempts, err)
	default:
		return result, err
	}
}

// RetryTransient retries op with linear backoff while it fails with
// ErrTransient.  Exhausting the attempts escalates to
// ErrProvisionTimeout.
func RetryTransient(ctx context.Context, attempts uint, step time.Duration, op func() error) error {
	err := retry.Do(
		op,
		retry.Context(ctx),
		retry.Attempts(max(attempts, 1)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * step
		}),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrTransient) }),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, ErrTransient) {
		return fmt.Errorf("%w: %w", ErrProvisionTimeout, err)
	}
	return err
}
