package keycache

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the cache.
var (
	// ErrKeyUnavailable indicates the tenant's key set could not be obtained.
	ErrKeyUnavailable = errors.New("signing key unavailable")

	// ErrUnknownKid indicates the tenant's current key set has no key with the requested kid.
	ErrUnknownKid = errors.New("unknown key id")
)

// KeyError wraps a lookup failure with tenant and kid context.
type KeyError struct {
	Tenant string
	KeyID  string
	// Err is ErrKeyUnavailable or ErrUnknownKid.
	Err error
	// Cause holds resolver diagnostics; it is never shown to clients.
	Cause error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	msg := fmt.Sprintf("tenant %s kid %q: %s", e.Tenant, e.KeyID, e.Err.Error())
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (e *KeyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the error's kind.
func (e *KeyError) Is(target error) bool {
	return target == e.Err
}
