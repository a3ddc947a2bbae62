package world

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/zeusync/worldstore/internal/core/models"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
)

// RetryPolicy bounds ApplyWithRetry.
type RetryPolicy struct {
	// MaxAttempts caps rejected attempts before ErrContentionExhausted.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxUnavailable caps how long outages are retried. Zero retries until
	// ctx ends.
	MaxUnavailable  time.Duration `yaml:"max_unavailable"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     10,
		MaxUnavailable:  30 * time.Second,
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxUnavailable
	b.Reset()
	return b
}

// BuildFunc reads whatever state it needs and returns the transaction to try.
type BuildFunc func(ctx context.Context) (models.ChangeToApply, error)

// ApplyWithRetry runs build and applies its result until it commits.
// Rejections rebuild the transaction immediately, outages back off first.
func ApplyWithRetry(ctx context.Context, api WorldApi, build BuildFunc, policy RetryPolicy) (models.ApplyResult, error) {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	b := policy.backOff()

	for rejected := 0; ; {
		tx, err := build(ctx)
		if err != nil {
			return models.ApplyResult{}, err
		}
		result, err := api.Apply(ctx, tx)
		switch {
		case err == nil:
			return result, nil

		case errors.Is(err, ErrTransactionRejected):
			rejected++
			if rejected >= policy.MaxAttempts {
				return models.ApplyResult{}, errors.Join(ErrContentionExhausted, err)
			}
			metrics.ApplyRetries.Inc()
			b.Reset()

		case errors.Is(err, ErrBackingUnavailable):
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return models.ApplyResult{}, err
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return models.ApplyResult{}, ctx.Err()
			case <-timer.C:
			}

		default:
			return models.ApplyResult{}, err
		}
	}
}
