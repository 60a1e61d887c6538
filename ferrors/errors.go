// Package ferrors classifies the errors the traversal engine can produce.
//
// It mirrors the shape of rclone's fs/fserrors package (Cause/ShouldRetry
// style helpers) but is specialised to the per-entry/per-directory/fatal
// taxonomy a breadth-first filesystem walk needs rather than to network
// retry logic.
package ferrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error the way the engine needs to act on it, not the
// way the underlying syscall names it.
type Kind int

const (
	// KindNone means no error.
	KindNone Kind = iota
	// KindOpenDenied: openat() failed with EACCES/EPERM.
	KindOpenDenied
	// KindStatDenied: stat-family call failed with EACCES/EPERM.
	KindStatDenied
	// KindLinkBroken: a followed symlink's target does not exist.
	KindLinkBroken
	// KindNotADirectory: attempted to opendir() a non-directory.
	KindNotADirectory
	// KindNameTooLong: a path component exceeded NAME_MAX/PATH_MAX.
	KindNameTooLong
	// KindReaddirInterrupted: readdir() returned EINTR mid-stream.
	KindReaddirInterrupted
	// KindReaddirTruncated: readdir() returned a non-EOF error mid-stream.
	KindReaddirTruncated
	// KindResourceExhausted: ENOMEM/EMFILE/ENFILE, potentially retryable.
	KindResourceExhausted
	// KindFatal: worker/queue setup failure or an orchestrator invariant
	// violation. Always aborts the walk.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOpenDenied:
		return "open-denied"
	case KindStatDenied:
		return "stat-denied"
	case KindLinkBroken:
		return "link-broken"
	case KindNotADirectory:
		return "not-a-directory"
	case KindNameTooLong:
		return "name-too-long"
	case KindReaddirInterrupted:
		return "readdir-interrupted"
	case KindReaddirTruncated:
		return "readdir-truncated"
	case KindResourceExhausted:
		return "resource-exhausted"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind abort the whole walk rather
// than surfacing through a single visit record.
func (k Kind) Fatal() bool {
	return k == KindFatal
}

// Error is the engine's error type: a Kind plus the underlying cause.
// It supports errors.Is/As via Unwrap, and Cause() for code still written
// against the older convention (see rclone's fs/fserrors).
type Error struct {
	Kind Kind
	Path string // path the error occurred on, if any
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause returns the innermost error, the way rclone's fserrors.Cause does
// for errors that predate Go's errors.Is/As.
func (e *Error) Cause() error { return e.Err }

// New wraps err as a classified engine error.
func New(kind Kind, path string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Path: path, Err: err}
}

// Fatal wraps err with a stack trace (github.com/pkg/errors) and KindFatal.
// Fatal errors abort the whole walk, so preserving "where did this
// happen" matters more than it does for per-entry errors.
func Fatal(msg string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: pkgerrors.Wrap(err, msg)}
}

// ErrUnsupported is a sentinel for stat fields the platform cannot provide
// (birth time on filesystems without one, etc), for callers that want to
// errors.Is(err, ErrUnsupported) instead of matching on errno. The engine
// itself never returns it: a field it could not fill in is reported by
// StatInfo.Has returning false for that field.
var ErrUnsupported = errors.New("ferrors: field not supported by this platform/filesystem")

// Retryable reports whether a resource-exhaustion error is worth retrying
// after the next close-completion, freeing up the descriptor/handle that
// was in short supply.
func Retryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == KindResourceExhausted
	}
	return false
}

// Cause unwraps err down to its root cause, mirroring rclone's
// fserrors.Cause.
func Cause(err error) error {
	for {
		var fe *Error
		if !errors.As(err, &fe) || fe.Err == nil {
			return err
		}
		err = fe.Err
	}
}
