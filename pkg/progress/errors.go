package progress

import "errors"

var (
	ErrNotFound                = errors.New("progress record not found")
	ErrValidation              = errors.New("invalid progress input")
	ErrUnauthorized            = errors.New("unauthorized access attempt")
	ErrStorageUnavailable      = errors.New("progress store unavailable")
	ErrBroadcastPartialFailure = errors.New("broadcast did not reach every connection")
	ErrInvalidProgressID       = errors.New("invalid progress id")
)
