package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds classify provider failures for retry and HTTP mapping decisions.
var (
	ErrRateLimited    = errors.New("provider rate limited")
	ErrAuthFailed     = errors.New("provider auth failed")
	ErrUnavailable    = errors.New("provider unavailable")
	ErrContextTooLong = errors.New("context too long")
)

// ProviderError wraps an adapter failure with its provider name and a kind
// sentinel, so callers can errors.Is against the taxonomy without knowing
// SDK-specific error types.
type ProviderError struct {
	Provider string
	Kind     error // one of the sentinels above, or nil for generic failures
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	if e.Kind != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Err}
}

// WrapError classifies an HTTP-status-bearing SDK error into the taxonomy.
// status <= 0 means the transport failed before a response (timeout, refused),
// which counts as unavailable.
func WrapError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	var kind error
	switch {
	case status == 429:
		kind = ErrRateLimited
	case status == 401 || status == 403:
		kind = ErrAuthFailed
	case status <= 0 || status >= 500:
		kind = ErrUnavailable
	case status == 400 && looksLikeContextOverflow(err):
		kind = ErrContextTooLong
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// Transient reports whether an error is worth retrying: rate limits, timeouts
// and 5xx. Validation and auth failures are terminal.
func Transient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

func looksLikeContextOverflow(err error) bool {
	s := strings.ToLower(err.Error())
	for _, marker := range []string{"context_length", "maximum context", "too many tokens", "prompt is too long"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
