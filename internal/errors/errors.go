// Package errors defines the error kinds the sync core maps all failures
// onto. Jobs and transfers only ever record one of these kinds plus a
// message; there is no separate alerting channel.
package errors

import (
	"context"
	"errors"
	"net"
	"os"
)

// Remote/client errors.
var (
	// ErrTransient marks failures worth retrying with back-off: network
	// unreachable, timeouts, server 5xx.
	ErrTransient = errors.New("transient remote error")

	// ErrAuth marks expired or invalid credentials. Never retried; the
	// account is surfaced as needing re-authentication instead.
	ErrAuth = errors.New("authentication required")

	ErrNotFound = errors.New("remote node not found")
)

// Sync/job errors.
var (
	// ErrConflict marks a node edited both locally and remotely during the
	// same sync window, including writes the server rejects as conflicting.
	// Resolved by the tie-break policy, never dropped.
	ErrConflict = errors.New("local and remote both changed")

	ErrCancelled   = errors.New("cancelled")
	ErrSyncRunning = errors.New("a sync is already running for this target")

	// ErrRefreshInFlight is returned when another worker already holds the
	// token refresh soft lock for the account.
	ErrRefreshInFlight = errors.New("token refresh already in progress")
)

// Is re-exports the stdlib matcher so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As re-exports the stdlib matcher so callers need a single errors import.
func As(err error, target any) bool { return errors.As(err, target) }

// IsTransient reports whether err should be retried with back-off.
// Context deadlines and network errors count as transient: on timeout the
// caller behaves exactly as for a transient IO error.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, os.ErrDeadlineExceeded)
}

// IsAuth reports whether err means the credentials are no longer usable.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsNotFound reports whether err means the remote node does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
