package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/aws/smithy-go"
	"google.golang.org/api/googleapi"
)

var ErrNotFound = errors.New("object not found")

// ProviderError is a failed call to a storage provider. Transient errors
// may succeed if the same call is retried.
type ProviderError struct {
	Provider  string
	Op        string
	Key       string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Provider, e.Op, e.Key, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable provider error.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

var transientAPICodes = map[string]bool{
	"SlowDown":             true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"RequestTimeout":       true,
	"RequestTimeTooSkewed": true,
	"InternalError":        true,
	"ServiceUnavailable":   true,
}

var notFoundAPICodes = map[string]bool{
	"NoSuchKey": true,
	"NotFound":  true,
}

// classify wraps err in a ProviderError. Cancellation by the caller is
// returned unchanged.
func classify(provider, op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	pe := &ProviderError{Provider: provider, Op: op, Key: key, Err: err}

	var apiErr smithy.APIError
	var gErr *googleapi.Error
	var status interface{ HTTPStatusCode() int }
	var netErr net.Error

	switch {
	case errors.Is(err, ErrNotFound):
	case errors.Is(err, storage.ErrObjectNotExist):
		pe.Err = fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.As(err, &apiErr) && notFoundAPICodes[apiErr.ErrorCode()]:
		pe.Err = fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.As(err, &apiErr) && transientAPICodes[apiErr.ErrorCode()]:
		pe.Transient = true
	case errors.As(err, &gErr):
		switch {
		case gErr.Code == http.StatusNotFound:
			pe.Err = fmt.Errorf("%w: %w", ErrNotFound, err)
		case gErr.Code == http.StatusTooManyRequests || gErr.Code >= 500:
			pe.Transient = true
		}
	case errors.As(err, &status):
		code := status.HTTPStatusCode()
		pe.Transient = code == http.StatusTooManyRequests || code >= 500
	case errors.Is(err, context.DeadlineExceeded):
		pe.Transient = true
	case errors.As(err, &netErr) && netErr.Timeout():
		pe.Transient = true
	}
	return pe
}
