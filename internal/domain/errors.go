package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered indicates the referenced identity id is unknown to the
	// relay.
	ErrNotRegistered = errors.New("identity not registered")

	// ErrBundleNotFound indicates no bundle has been published for the id.
	ErrBundleNotFound = errors.New("bundle not found")

	// ErrIdentityNotInitialized indicates the local material store has no
	// identity yet; run init first.
	ErrIdentityNotInitialized = errors.New("local identity not initialized")
)

// ValidationError rejects a malformed request before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// MaterialNotFoundError reports a missing key-material record by category and
// id. This is the dominant runtime failure when a stale bundle references
// rotated local prekeys, so the id is always included.
type MaterialNotFoundError struct {
	Kind  string
	KeyID uint32
}

func (e *MaterialNotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found in material store", e.Kind, e.KeyID)
}

// IsMaterialNotFound reports whether err is a MaterialNotFoundError.
func IsMaterialNotFound(err error) bool {
	var m *MaterialNotFoundError
	return errors.As(err, &m)
}
