package client

import "errors"

var (
	ErrClientClosed       = errors.New("client is closed")
	ErrInvalidConfig      = errors.New("invalid client configuration")
	ErrUpdateBufferFull   = errors.New("subscription update buffer full")
	ErrUnexpectedResponse = errors.New("unexpected response")
)
