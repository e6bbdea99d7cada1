// Package errs holds the error taxonomy shared by the session, directory and
// registration layers. Callers classify failures with errors.Is against the
// sentinels below; [KindOf] maps any error to the machine-readable kind shown
// in API responses.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrAuthentication means the directory service rejected the configured
	// credentials (username, password, device ID or API key). Fatal for the
	// current request.
	ErrAuthentication = errors.New("authentication failed")

	// ErrUnauthorized means a call made with an otherwise valid-looking token
	// was rejected (HTTP 401). It triggers the single invalidate-and-retry in
	// session.Do and never reaches API callers on its own.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDirectoryUnavailable covers transport failures, timeouts and any
	// non-2xx response from the directory service that is not an
	// authorization or not-found answer.
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// ErrBuildingNotFound means the directory service confirmed the building
	// does not exist or has no blocks.
	ErrBuildingNotFound = errors.New("building not found")
)

// Kind is the machine-distinguishable error category returned to callers.
type Kind string

const (
	KindAuthentication       Kind = "authentication_failed"
	KindDirectoryUnavailable Kind = "directory_unavailable"
	KindBuildingNotFound     Kind = "building_not_found"
	KindInvalidRequest       Kind = "invalid_request"
	KindAuditDisabled        Kind = "audit_disabled"
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal"
)

// KindOf classifies err. Building-not-found is checked first so that a
// not-found wrapped in an unavailable error still reports the precise kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBuildingNotFound):
		return KindBuildingNotFound
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrDirectoryUnavailable), errors.Is(err, ErrUnauthorized),
		errors.Is(err, context.DeadlineExceeded):
		return KindDirectoryUnavailable
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Message returns the human-readable text for k. It never includes the
// underlying error detail.
func (k Kind) Message() string {
	switch k {
	case KindAuthentication:
		return "Building directory authentication failed"
	case KindDirectoryUnavailable:
		return "Building directory is temporarily unavailable"
	case KindBuildingNotFound:
		return "Building not found"
	case KindInvalidRequest:
		return "Invalid request"
	case KindAuditDisabled:
		return "Audit log is not enabled"
	case KindCanceled:
		return "Request was cancelled"
	default:
		return "Visitor information could not be parsed"
	}
}
