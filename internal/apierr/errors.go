// Package apierr defines the typed error kinds exposed to scripts
// (spec.md §7) and the classification of platform HTTP errors into them
// (spec.md §4.4).
package apierr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of script-visible error kinds.
type Kind int

const (
	NotFound Kind = iota
	PermissionDenied
	LimitReached
	GenericPlatformError
	PlatformUnavailable
	InvalidArgument
	Suspended
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case LimitReached:
		return "LimitReached"
	case GenericPlatformError:
		return "GenericPlatformError"
	case PlatformUnavailable:
		return "PlatformUnavailable"
	case InvalidArgument:
		return "InvalidArgument"
	case Suspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// PlatformError is a classified outbound-API failure, preserving the
// originating status/domain code so scripts and logs retain it.
type PlatformError struct {
	Kind       Kind
	StatusCode int
	DomainCode int
	Message    string
}

func (e *PlatformError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (status=%d domain=%d): %s", e.Kind, e.StatusCode, e.DomainCode, e.Message)
	}
	return fmt.Sprintf("%s (status=%d domain=%d)", e.Kind, e.StatusCode, e.DomainCode)
}

// New builds a PlatformError.
func New(kind Kind, status, domain int, msg string) *PlatformError {
	return &PlatformError{Kind: kind, StatusCode: status, DomainCode: domain, Message: msg}
}

// ErrSuspended is returned by the Gateway when a call is attempted for a
// tenant currently in the Suspended state (spec.md §7: "fail fast").
var ErrSuspended = &PlatformError{Kind: Suspended, Message: "tenant is suspended"}

// ErrInviteWrongGuild is the domain error raised when a script tries to
// delete an invite that does not belong to its own tenant (spec.md §4.4,
// scenario S2). The message is preserved verbatim from original_source.
var ErrInviteWrongGuild = &PlatformError{
	Kind:    InvalidArgument,
	Message: "This invite does not belong to your server.",
}

// ClassifyHTTP maps a platform HTTP status code plus an optional
// domain-specific error code into a Kind, per spec.md §4.4:
//
//	404              -> NotFound
//	403              -> PermissionDenied
//	429 or 30001-40000 (domain) -> LimitReached
//	other 4xx        -> GenericPlatformError
//	5xx              -> PlatformUnavailable (retryable at caller discretion)
func ClassifyHTTP(status, domainCode int, msg string) *PlatformError {
	switch {
	case status == 404:
		return New(NotFound, status, domainCode, msg)
	case status == 403:
		return New(PermissionDenied, status, domainCode, msg)
	case status == 429, domainCode >= 30001 && domainCode <= 40000:
		return New(LimitReached, status, domainCode, msg)
	case status >= 400 && status < 500:
		return New(GenericPlatformError, status, domainCode, msg)
	case status >= 500:
		return New(PlatformUnavailable, status, domainCode, msg)
	default:
		return New(GenericPlatformError, status, domainCode, msg)
	}
}

// IsRetryable reports whether a PlatformError is the 5xx class the spec
// calls out as suitable for caller-driven retry.
func IsRetryable(err error) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Kind == PlatformUnavailable
	}
	return false
}

// KindOf extracts the Kind from a wrapped error, defaulting to
// GenericPlatformError for errors not produced by this package.
func KindOf(err error) Kind {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return GenericPlatformError
}
