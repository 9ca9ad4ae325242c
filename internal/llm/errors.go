package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// ConfigurationError means the model cannot be reached because of local
// setup: no provider, a missing credential, or a credential the provider
// rejected. Retrying does not help; the operator has to fix the config.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration: " + e.Reason + ": " + e.Err.Error()
	}
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// credentialMarkers are substrings providers put in bodies of requests
// rejected for a bad key. Gemini answers 400 with API_KEY_INVALID.
var credentialMarkers = []string{
	"API_KEY_INVALID",
	"API key not valid",
	"invalid x-api-key",
	"invalid_api_key",
	"Incorrect API key",
}

// IsConfigurationError reports whether err stems from missing or rejected
// credentials rather than a transient failure.
func IsConfigurationError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, ErrNoProvider) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden {
			return true
		}
	}
	msg := err.Error()
	for _, marker := range credentialMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTransient reports whether retrying the same request may succeed:
// transport failures, rate limiting and server errors.
func IsTransient(err error) bool {
	if err == nil || IsConfigurationError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		return pe.StatusCode == http.StatusTooManyRequests || pe.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
