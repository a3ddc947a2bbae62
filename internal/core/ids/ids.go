// Package ids allocates entity ids. Ids come from a shared counter passed
// through a reversible permutation of the 53-bit space, so consecutive
// allocations do not look sequential.
package ids

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeusync/worldstore/internal/core/models"
)

const (
	space = uint64(1) << 53
	mask  = space - 1

	// multiplier and increment define the permutation. Any odd multiplier is
	// invertible modulo a power of two.
	multiplier = uint64(0x5DEECE66D)
	increment  = uint64(0xB)
)

// inverse is multiplier^-1 mod 2^53.
var inverse = modInverse(multiplier)

var ErrExhausted = errors.New("ids: counter exhausted")

// Permute maps a counter value to an entity id.
func Permute(seq uint64) models.EntityID {
	return models.EntityID((multiplier*seq + increment) & mask)
}

// Unpermute inverts Permute.
func Unpermute(id models.EntityID) uint64 {
	return (inverse * (uint64(id) - increment)) & mask
}

// modInverse uses Newton iteration; each step doubles the correct low bits.
func modInverse(a uint64) uint64 {
	x := a
	for range 6 {
		x *= 2 - a*x
	}
	return x & mask
}

// Counter hands out contiguous ranges of sequence numbers. IncrBy returns the
// last value of the reserved range.
type Counter interface {
	IncrBy(ctx context.Context, n uint64) (uint64, error)
}

// Allocator turns counter ranges into entity ids.
type Allocator struct {
	counter Counter
}

func NewAllocator(counter Counter) *Allocator {
	return &Allocator{counter: counter}
}

// Next allocates a single id.
func (a *Allocator) Next(ctx context.Context) (models.EntityID, error) {
	out, err := a.Batch(ctx, 1)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// Batch allocates n ids with a single counter round trip.
func (a *Allocator) Batch(ctx context.Context, n int) ([]models.EntityID, error) {
	if n <= 0 {
		return nil, nil
	}
	// One extra slot covers the rare sequence that permutes to zero.
	last, err := a.counter.IncrBy(ctx, uint64(n)+1)
	if err != nil {
		return nil, fmt.Errorf("allocate ids: %w", err)
	}
	if last >= mask {
		return nil, ErrExhausted
	}
	first := last - uint64(n)
	out := make([]models.EntityID, 0, n)
	for seq := first; seq <= last && len(out) < n; seq++ {
		if id := Permute(seq); id.Valid() {
			out = append(out, id)
		}
	}
	return out, nil
}
