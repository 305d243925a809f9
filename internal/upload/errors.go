package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrCached matches a *CachedError: the audio is stored locally and
	// RetryFromCache will pick it up.
	ErrCached = errors.New("upload failed, audio cached for retry")
	// ErrUnrecoverable means every backend failed and the local cache
	// write failed too.
	ErrUnrecoverable = errors.New("all upload backends failed and local cache is unavailable")
	ErrTooLarge      = errors.New("audio exceeds every backend's size limit")
	ErrNoBackend     = errors.New("no eligible upload backend")
)

type CachedError struct {
	CacheKey string
	Cause    error
}

func (e *CachedError) Error() string {
	return fmt.Sprintf("upload failed, saved to local cache (%s); retry later: %v", e.CacheKey, e.Cause)
}

func (e *CachedError) Is(target error) bool { return target == ErrCached }

func (e *CachedError) Unwrap() error { return e.Cause }

// StatusError is a non-2xx answer from a hosting backend.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Backend, e.Code, e.Body)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable at the same backend.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsNetworkError reports whether err is a transport-level failure worth
// retrying against the same backend. Caller cancellation is not.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// covers *net.OpError and the *url.Error wrapping every http.Client.Do failure
	var netErr net.Error
	return errors.As(err, &netErr)
}
