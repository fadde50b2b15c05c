package backend

import (
	"errors"
	"fmt"
)

// NetworkError indicates a transient transport failure. The connection
// manager absorbs these by downgrading tiers; the sync engine counts them
// against an item's retry budget.
type NetworkError struct {
	Op      string
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates the requested entity does not exist. It is a hard
// failure everywhere except delete sync, where it counts as success.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.EntityType, e.ID)
}

// ValidationError indicates the payload was rejected. It is never retried
// and never queued; callers always see it unchanged.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("validation failed: %s (%d field errors)", e.Message, len(e.Fields))
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ConflictError indicates the backend rejected a write because its copy of
// the entity changed since the client last saw it.
type ConflictError struct {
	EntityType string
	ID         string
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: %s", e.EntityType, e.ID, e.Message)
}

func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
