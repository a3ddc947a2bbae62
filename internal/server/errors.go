package server

import "errors"

var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrMaxClientsReached    = errors.New("maximum clients reached")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrSlowConsumer         = errors.New("send queue full")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAllocateUnsupported  = errors.New("id allocation not configured")
	ErrRequestPanicked      = errors.New("request panicked")
)
