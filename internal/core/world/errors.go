package world

import (
	"errors"
	"fmt"

	"github.com/zeusync/worldstore/internal/core/models"
)

var (
	// ErrTransactionRejected means an iff did not hold. Nothing was written.
	ErrTransactionRejected = errors.New("transaction rejected")
	// ErrBackingUnavailable wraps transport failures of the backing store.
	ErrBackingUnavailable = errors.New("backing store unavailable")
	// ErrMalformedEntity reports stored bytes that could not be decoded.
	ErrMalformedEntity = models.ErrMalformedEntity
	// ErrSubscriptionExpired means the cursor points before the trimmed log.
	ErrSubscriptionExpired = errors.New("subscription cursor expired")
	// ErrContentionExhausted is returned by ApplyWithRetry once every attempt
	// was rejected.
	ErrContentionExhausted = errors.New("contention: retries exhausted")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrClosed              = errors.New("world closed")
)

type unavailableError struct {
	op    string
	cause error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrBackingUnavailable, e.cause)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrBackingUnavailable, e.cause} }

// Unavailable marks err as a backing store failure during op. Nil stays nil
// and errors that already carry a world sentinel are returned unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackingUnavailable) || errors.Is(err, ErrTransactionRejected) ||
		errors.Is(err, ErrSubscriptionExpired) || errors.Is(err, ErrMalformedEntity) {
		return err
	}
	return &unavailableError{op: op, cause: err}
}

// IsRetryable reports whether a caller may retry after err, with a rebuilt
// transaction for rejections and a backoff for outages.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionRejected) || errors.Is(err, ErrBackingUnavailable)
}
