// Package deid defines the error taxonomy shared by the de-identification
// pipeline. Every failure that can divert an instance to quarantine, abort a
// network operation, or refuse a pseudonym assignment is classified by Kind so
// callers can branch with errors.Is instead of string matching.
package deid

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindInvalidDICOM         Kind = "INVALID_DICOM"
	KindDICOMReadError       Kind = "DICOM_READ_ERROR"
	KindMissingAttributes    Kind = "MISSING_ATTRIBUTES"
	KindInvalidStorageClass  Kind = "INVALID_STORAGE_CLASS"
	KindCapturePHIError      Kind = "CAPTURE_PHI_ERROR"
	KindStorageError         Kind = "STORAGE_ERROR"
	KindAlreadyPresent       Kind = "ALREADY_PRESENT"
	KindCapacityExceeded     Kind = "CAPACITY_EXCEEDED"
	KindModelVersionMismatch Kind = "MODEL_VERSION_MISMATCH"
	KindNetworkTimeout       Kind = "NETWORK_TIMEOUT"
	KindAssociationRejected  Kind = "ASSOCIATION_REJECTED"
	KindPeerAbort            Kind = "PEER_ABORT"
	KindCancelled            Kind = "CANCELLED"
	KindCredentialsExpired   Kind = "CREDENTIALS_EXPIRED"
)

// Error is a classified pipeline error. Op names the operation that failed,
// Detail carries identifying context (usually a UID or file path).
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so
// errors.Is(err, deid.E(deid.KindCancelled, "", "")) works without
// callers holding the original value.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// E builds a classified error. err may be nil.
func E(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies an underlying error with formatted detail.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
