package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
)

// ErrorKind classifies an upstream failure at the client boundary. Callers
// match on the kind instead of inspecting HTTP status codes.
type ErrorKind int

const (
	// KindNotFound: the referenced entity does not exist upstream.
	// Terminal, never retried.
	KindNotFound ErrorKind = iota
	// KindRateLimited: the API refused the call (403/429). Retriable.
	KindRateLimited
	// KindTimeout: the call exceeded its deadline. Retriable.
	KindTimeout
	// KindTransient: any other upstream failure. Retriable.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "transient"
	}
}

// APIError is the typed outcome of a failed API call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Path       string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github %s: %s (status %d): %v", e.Path, e.Kind, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err classifies as a 404 from the upstream API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// IsRateLimited reports whether err classifies as a rate-limit rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRateLimited
}

// IsTimeout reports whether err classifies as a call-deadline expiry.
func IsTimeout(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindTimeout
}

// IsRetriable reports whether the scheduler should re-attempt after err.
// Only not-found is terminal at this boundary.
func IsRetriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind != KindNotFound
	}
	return true
}

// classify converts a go-github error into a typed APIError.
func classify(path string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}

	kind := KindTransient
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		kind = KindRateLimited
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusForbidden, status == http.StatusTooManyRequests:
		kind = KindRateLimited
	}

	return &APIError{Kind: kind, StatusCode: status, Path: path, Err: err}
}
