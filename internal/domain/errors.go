package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAuthentication   = errors.New("authentication failed")
	ErrTransientService = errors.New("transient service failure")
	ErrValidation       = errors.New("validation failed")
	ErrGenerationFailed = errors.New("generation failed")
	ErrPollTimeout      = errors.New("poll timeout")
	ErrUnknownProvider  = errors.New("unknown provider failure")
)

// ProviderError carries a provider-reported code and message while
// wrapping one of the sentinel kinds above so callers can branch with
// errors.Is.
type ProviderError struct {
	Kind    error
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v: %s (%s)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Kind }

// NewProviderError builds a ProviderError for the given kind.
func NewProviderError(kind error, code, message string) *ProviderError {
	return &ProviderError{Kind: kind, Code: code, Message: message}
}

// Retryable reports whether the error may be retried with backoff.
// Only transient service failures qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientService)
}

// ErrorCode extracts the provider code from an error chain, falling
// back to a stable name for the sentinel kind.
func ErrorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrTransientService):
		return "transient_service_error"
	case errors.Is(err, ErrGenerationFailed):
		return "generation_failed"
	case errors.Is(err, ErrPollTimeout):
		return "poll_timeout"
	default:
		return "unknown_provider_error"
	}
}
