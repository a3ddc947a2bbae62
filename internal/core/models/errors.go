package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEntityID = errors.New("invalid entity id")
	ErrMalformedEntity = errors.New("malformed entity")
	ErrUnknownChange   = errors.New("unknown change kind")

	errUnsupportedFormat = errors.New("unsupported component format")
)

// MalformedEntityError reports stored bytes that could not be decoded.
//
// It matches ErrMalformedEntity with errors.Is.
type MalformedEntityError struct {
	ID        EntityID
	Component ComponentID
	cause     error
}

func (e *MalformedEntityError) Error() string {
	if e.Component != 0 {
		return fmt.Sprintf("malformed entity %d (component %d): %v", e.ID, e.Component, e.cause)
	}
	return fmt.Sprintf("malformed entity %d: %v", e.ID, e.cause)
}

func (e *MalformedEntityError) Unwrap() []error { return []error{ErrMalformedEntity, e.cause} }

// Malformed wraps a decode failure for the given entity.
func Malformed(id EntityID, cid ComponentID, cause error) error {
	return &MalformedEntityError{ID: id, Component: cid, cause: cause}
}
