package domain

import "errors"

var (
	// ErrAuth covers bad credentials and a missing or expired session.
	ErrAuth = errors.New("not authenticated")
	// ErrValidation rejects a request before any side effect.
	ErrValidation = errors.New("invalid request")
	// ErrStorage means the persistence layer failed; in-memory state is untouched.
	ErrStorage = errors.New("storage unavailable")
	// ErrNotFound covers unknown task ids and unresolved groups.
	ErrNotFound = errors.New("not found")
	// ErrDelivery is a transient failure talking to the chat network.
	ErrDelivery = errors.New("delivery failed")
)
