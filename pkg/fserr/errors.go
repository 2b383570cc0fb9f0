// Package fserr classifies filesystem errors and maps them to errno values.
package fserr

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Kind is the classification of a filesystem error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindIsADirectory
	KindNotADirectory
	KindUnreachable
	KindConflict
	KindUnknownHandle
	KindNotEmpty
	KindUnsupported
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindNotFound:      "not found",
	KindAlreadyExists: "already exists",
	KindIsADirectory:  "is a directory",
	KindNotADirectory: "not a directory",
	KindUnreachable:   "remote unreachable",
	KindConflict:      "conflict",
	KindUnknownHandle: "unknown handle",
	KindNotEmpty:      "directory not empty",
	KindUnsupported:   "unsupported",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Errno returns the errno reported to the kernel for k.
func (k Kind) Errno() syscall.Errno {
	switch k {
	case KindNotFound:
		return unix.ENOENT
	case KindAlreadyExists:
		return unix.EEXIST
	case KindIsADirectory:
		return unix.EISDIR
	case KindNotADirectory:
		return unix.ENOTDIR
	case KindConflict:
		return unix.EBUSY
	case KindUnknownHandle:
		return unix.ESTALE
	case KindNotEmpty:
		return unix.ENOTEMPTY
	case KindUnsupported:
		return unix.ENOTSUP
	default:
		return unix.EIO
	}
}

// Sentinel errors for use with errors.Is.
var (
	NotFound      = &Error{Kind: KindNotFound}
	AlreadyExists = &Error{Kind: KindAlreadyExists}
	IsADirectory  = &Error{Kind: KindIsADirectory}
	NotADirectory = &Error{Kind: KindNotADirectory}
	Unreachable   = &Error{Kind: KindUnreachable}
	Conflict      = &Error{Kind: KindConflict}
	UnknownHandle = &Error{Kind: KindUnknownHandle}
	NotEmpty      = &Error{Kind: KindNotEmpty}
	Unsupported   = &Error{Kind: KindUnsupported}
)

// Error is a classified filesystem error.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + " " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, fserr.NotFound)
// works regardless of Op and Path.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of err. Unclassified errors are Unreachable when
// caused by a context timeout, Unknown otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnreachable
	}
	return KindUnknown
}

// ToErrno maps err to an errno. nil maps to 0.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return KindOf(err).Errno()
}

// WithOp returns err with Op and Path filled in when they are empty. Errors
// that are not *Error are returned unchanged.
func WithOp(err error, op, path string) error {
	var fe *Error
	if !errors.As(err, &fe) {
		return err
	}
	if fe.Op != "" && fe.Path != "" {
		return err
	}
	cp := *fe
	if cp.Op == "" {
		cp.Op = op
	}
	if cp.Path == "" {
		cp.Path = path
	}
	return &cp
}
