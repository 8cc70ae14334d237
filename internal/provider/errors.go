package provider

import (
	"errors"
	"fmt"
)

// ErrProviderResponse means the service answered 200 with a body that is not
// a usable feature collection.
var ErrProviderResponse = errors.New("provider returned an invalid response")

// StatusError is a non-200 reply from a service.
type StatusError struct {
	Host string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s responded with status %d", e.Host, e.Code)
}

// Temporary reports whether the status is worth counting against the
// host's circuit breaker.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}
