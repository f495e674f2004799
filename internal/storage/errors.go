package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert hits a unique key.
	// Callers treat it as idempotent success.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIO wraps transient database or network failures. Stores never retry.
	ErrIO = errors.New("storage io")

	// ErrQuotaExceeded is returned by PredictionStore.Insert when the live
	// (coin, model, tag) quota is already met.
	ErrQuotaExceeded = errors.New("live prediction quota exceeded")
)
