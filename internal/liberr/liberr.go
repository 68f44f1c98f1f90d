// Package liberr defines the error taxonomy surfaced to libdrop embedders.
//
// Every error the core returns across a package boundary carries a Kind so
// the language-binding layer can map it to a stable numeric status, the way
// the original implementation's drop_core::Status enum does.
package liberr

import (
	"errors"
	"fmt"
)

// Kind is a taxonomy entry with a stable numeric status. Values must never
// be renumbered once shipped to a binding layer.
type Kind int

const (
	Finalized            Kind = 1
	BadPath               Kind = 2
	BadFile               Kind = 3
	BadTransfer           Kind = 7
	BadTransferState      Kind = 8
	BadFileID             Kind = 9
	IOError               Kind = 15
	TransferLimitsExceeded Kind = 20
	MismatchedSize        Kind = 21
	InvalidArgument       Kind = 23
	AddrInUse             Kind = 27
	FileModified          Kind = 28
	FilenameTooLong       Kind = 29
	AuthenticationFailed  Kind = 30
	StorageError          Kind = 31
	DbLost                Kind = 32
	FileChecksumMismatch  Kind = 33
	FileRejected          Kind = 34
	FileFailed            Kind = 35
	FileFinished          Kind = 36
	EmptyTransfer         Kind = 37
	ConnectionClosedByPeer Kind = 38
	TooManyRequests       Kind = 39
	PermissionDenied      Kind = 40
)

var names = map[Kind]string{
	Finalized:              "finalized",
	BadPath:                "bad path",
	BadFile:                "bad file",
	BadTransfer:            "bad transfer",
	BadTransferState:       "bad transfer state",
	BadFileID:              "bad file id",
	IOError:                "io error",
	TransferLimitsExceeded: "transfer limits exceeded",
	MismatchedSize:         "mismatched size",
	InvalidArgument:        "invalid argument",
	AddrInUse:              "address in use",
	FileModified:           "file modified",
	FilenameTooLong:        "filename too long",
	AuthenticationFailed:   "authentication failed",
	StorageError:           "storage error",
	DbLost:                 "database lost",
	FileChecksumMismatch:   "file checksum mismatch",
	FileRejected:           "file rejected",
	FileFailed:             "file failed",
	FileFinished:           "file finished",
	EmptyTransfer:          "empty transfer",
	ConnectionClosedByPeer: "connection closed by peer",
	TooManyRequests:        "too many requests",
	PermissionDenied:       "permission denied",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown error kind %d", int(k))
}

// Error is the concrete error type carried across the core's public API.
// Wrap lower-level causes with %w so callers can still Unwrap to the
// originating error when they need to.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err using errors.As, defaulting to IOError
// for errors the core did not itself classify.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return IOError
}
