package invoke

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is returned when no credential is configured for a
// capability's endpoint. Raised before any network call.
var ErrMissingCredential = errors.New("invoke: missing credential")

// ErrProviderTimeout is returned when the provider call exceeds the
// caller-supplied deadline.
var ErrProviderTimeout = errors.New("invoke: provider timeout")

// maxErrorBodyLen bounds how much of a provider error body is retained.
const maxErrorBodyLen = 4 * 1024

// ProviderError is a non-2xx response from a provider. The body is kept
// (truncated) for operator diagnosis; credentials never appear in it.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("invoke: provider returned status %d: %s", e.Status, e.Body)
}
