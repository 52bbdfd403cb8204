// Package vfs defines the uniform filesystem abstraction that every
// backend (local directory, NBD-backed remote root) implements, and the
// error taxonomy spec.md §4.3 maps onto TFTP ERROR codes (§7).
//
// This generalizes the Rust original's Root/OpenedFile traits
// (original_source/src/fs.rs) as Go interfaces, per spec.md §9's note that
// the closed-variant-set design is equally valid — we keep the teacher's
// "dynamic dispatch" idiom since localfs and remotefs are structurally
// different enough that a tagged union buys little.
package vfs

import "errors"

// Kind classifies a filesystem-layer failure, mirroring the Rust
// original's FileError enum (local_fs.rs: local_error_map,
// remote_fs.rs/nbd_disk).
type Kind int

const (
	FileNotFound Kind = iota
	AccessViolation
	ReadError
	Unknown
)

// Error wraps a Kind with a human-readable cause. Backends return only
// *Error values past this boundary; the Message may carry the underlying
// OS or appliance error text.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError builds a vfs.Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Is lets callers use errors.Is(err, vfs.ErrFileNotFound) etc. against a
// sentinel-free Kind comparison.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Sentinels for errors.Is comparisons where only the Kind matters.
var (
	ErrFileNotFound    = &Error{Kind: FileNotFound}
	ErrAccessViolation = &Error{Kind: AccessViolation}
	ErrReadError       = &Error{Kind: ReadError}
)

// OpenedFile is a backend-agnostic handle on a file mid-transfer. Read
// returns 0 bytes (no error) to signal EOF, matching the Rust original's
// read_to contract and spec.md §4.3.
type OpenedFile interface {
	Read(buffer []byte) (int, error)
	Size() (uint64, error)
}

// Root resolves a relative request path to an OpenedFile. Implementations
// are localfs.Root and remotefs.Root.
type Root interface {
	Open(relativePath string) (OpenedFile, error)
	// String identifies the root in logs, e.g. "<LocalRoot: /tftp/default>".
	String() string
}

// ErrorCodeFor maps a vfs error (or any error) onto the TFTP ERROR code to
// send to the client, per spec.md §4.4/§7.
func ErrorCodeFor(err error) (code uint16, message string) {
	var verr *Error
	if errors.As(err, &verr) {
		switch verr.Kind {
		case FileNotFound:
			return 1, "File not found"
		case AccessViolation:
			return 2, "Access violation"
		default:
			return 0, verr.Message
		}
	}
	return 0, err.Error()
}
