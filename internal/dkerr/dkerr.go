// Package dkerr defines the closed set of error kinds used by the backup
// engine. Every failure that crosses a component boundary (runner stages,
// adapters, the API) is classified as one of these kinds so that execution
// records, notifications, and HTTP responses can branch on a stable machine
// code instead of string matching.
package dkerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of an engine error.
type Kind string

const (
	// KindConfigInvalid marks validation failures detected before a run starts
	// (unknown adapter id, malformed cron expression, bad key length).
	KindConfigInvalid Kind = "config_invalid"

	// KindAuthDenied marks rejected database or storage credentials.
	KindAuthDenied Kind = "auth_denied"

	// KindUnreachable marks network-level failures (DNS, TCP, TLS).
	KindUnreachable Kind = "unreachable"

	// KindSubprocessFailed marks a dump/restore tool exiting non-zero.
	KindSubprocessFailed Kind = "subprocess_failed"

	// KindSubprocessSignaled marks a dump/restore tool killed by a signal.
	KindSubprocessSignaled Kind = "subprocess_signaled"

	// KindStreamIO marks read/write failures on the streaming pipeline
	// (broken pipe, disk full).
	KindStreamIO Kind = "stream_io"

	// KindIntegrity marks authentication failures on encrypted data
	// (GCM tag mismatch) or sidecar checksum mismatches.
	KindIntegrity Kind = "integrity"

	// KindNotFound marks objects that were listed but are absent. Distinct
	// from permission errors by contract.
	KindNotFound Kind = "not_found"

	// KindCancelled marks runs aborted by operator cancel, shutdown, or
	// deadline.
	KindCancelled Kind = "cancelled"

	// KindInternal marks broken invariants. Always a bug.
	KindInternal Kind = "internal"
)

// E is an engine error carrying a kind, a human message, and an optional
// wrapped cause. Construct instances with New or Wrap.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates an engine error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an engine error wrapping cause. The cause is reachable via
// errors.Unwrap / errors.Is.
func Wrap(kind Kind, cause error, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *E) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err. Context cancellation and deadline
// errors map to KindCancelled even when not wrapped in an E. Everything
// unclassified maps to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// SubprocessError describes a dump/restore tool that exited non-zero or was
// terminated by a signal. TailStderr carries the last ~4 KiB of stderr for
// diagnostics.
type SubprocessError struct {
	Tool       string
	ExitCode   int
	Signal     string // empty unless the process was signaled
	TailStderr string
}

func (e *SubprocessError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s terminated by signal %s", e.Tool, e.Signal)
	}
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
}

// Kind classifies the subprocess error per the engine taxonomy.
func (e *SubprocessError) Kind() Kind {
	if e.Signal != "" {
		return KindSubprocessSignaled
	}
	return KindSubprocessFailed
}

// WrapSubprocess converts a SubprocessError into an engine error of the
// matching kind, preserving the stderr tail in the message.
func WrapSubprocess(spErr *SubprocessError) *E {
	msg := spErr.Error()
	if spErr.TailStderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, spErr.TailStderr)
	}
	return &E{Kind: spErr.Kind(), Message: msg, Err: spErr}
}
