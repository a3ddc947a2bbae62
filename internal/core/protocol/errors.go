package protocol

import (
	"errors"
	"fmt"

	"github.com/zeusync/worldstore/internal/core/world"
)

// Error codes. Each maps to one world sentinel so errors.Is survives the
// round trip.
const (
	CodeRejected    = "rejected"
	CodeUnavailable = "unavailable"
	CodeMalformed   = "malformed"
	CodeExpired     = "expired"
	CodeContention  = "contention"
	CodeInvalid     = "invalid"
	CodeClosed      = "closed"
	CodeBadRequest  = "bad_request"
	CodeInternal    = "internal"
)

var codes = []struct {
	code     string
	sentinel error
}{
	{CodeContention, world.ErrContentionExhausted},
	{CodeRejected, world.ErrTransactionRejected},
	{CodeExpired, world.ErrSubscriptionExpired},
	{CodeUnavailable, world.ErrBackingUnavailable},
	{CodeMalformed, world.ErrMalformedEntity},
	{CodeInvalid, world.ErrInvalidTransaction},
	{CodeClosed, world.ErrClosed},
	{CodeBadRequest, ErrInvalidMessage},
	{CodeBadRequest, ErrUnknownMethod},
}

// Error is the wire form of a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorFrom classifies err by the first sentinel it matches.
func ErrorFrom(err error) *Error {
	for _, c := range codes {
		if errors.Is(err, c.sentinel) {
			return &Error{Code: c.code, Message: err.Error()}
		}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// Err converts the wire error back into an error matching its sentinel.
func (e *Error) Err() error {
	for _, c := range codes {
		if c.code == e.Code {
			return &remoteError{sentinel: c.sentinel, msg: e.Message}
		}
	}
	return &remoteError{msg: e.Message}
}

type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return "remote: " + e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }
