package source

import (
	"errors"
	"fmt"
)

// ConfigurationError means a provider or account is missing what it needs to
// run (client id, API key, credential). The orchestrator skips it.
type ConfigurationError struct {
	Provider string
	Message  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration: %s", e.Provider, e.Message)
}

// TransientProviderError covers rate limits, timeouts and server errors.
// The current page is abandoned and the cursor is left untouched.
type TransientProviderError struct {
	Provider   string
	StatusCode int // zero when the failure was not an HTTP response
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient provider error: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// AuthExpiredError is returned by provider clients for an HTTP 401. A
// credential session refreshes once and retries; a second one becomes a
// TransientProviderError.
type AuthExpiredError struct {
	Provider string
	Err      error
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("%s: credential rejected: %v", e.Provider, e.Err)
}

func (e *AuthExpiredError) Unwrap() error { return e.Err }

// FatalError aborts the whole cycle: the store is unreachable or the
// registry is misconfigured.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// DuplicateProviderError is returned when a provider name is registered twice.
type DuplicateProviderError struct {
	Provider string
}

func (e *DuplicateProviderError) Error() string {
	return fmt.Sprintf("provider %q already registered", e.Provider)
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsTransient reports whether err is or wraps a TransientProviderError.
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}

// IsAuthExpired reports whether err is or wraps an AuthExpiredError.
func IsAuthExpired(err error) bool {
	var ae *AuthExpiredError
	return errors.As(err, &ae)
}

// IsFatal reports whether err is or wraps a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
