// Package gpperrors defines the error taxonomy shared by the channel cache,
// message exchange, channel manager and payment manager. Errors are
// classified by Kind rather than by concrete Go type, following the
// sentinel-error convention of channeldb/error.go, but Kind-carrying errors
// need attached data (an allocation id, a set of objective ids) that a bare
// sentinel can't hold.
package gpperrors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies an Error without requiring a type switch on a concrete Go
// type.
type Kind int

const (
	// KindNoFreeChannels means acquireChannel found no eligible row for
	// the allocation. Used as a fast-path control-flow signal, not a
	// fault: callers are expected to handle it.
	KindNoFreeChannels Kind = iota

	// KindValidation means the caller supplied a nonsensical capacity
	// request or a payment amount exceeding the payer balance.
	KindValidation

	// KindStorage means the backing store faulted. Always surfaced,
	// never swallowed.
	KindStorage

	// KindProtocolViolation means the wallet returned something the
	// protocol does not allow (wrong outbox cardinality, wrong
	// channelResults count). Should never occur in a correct system.
	KindProtocolViolation

	// KindObjectivesNotCompleted means the backoff schedule for
	// ensureObjectives was exhausted with objectives still pending.
	KindObjectivesNotCompleted
)

func (k Kind) String() string {
	switch k {
	case KindNoFreeChannels:
		return "NoFreeChannels"
	case KindValidation:
		return "ValidationError"
	case KindStorage:
		return "StorageError"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindObjectivesNotCompleted:
		return "ObjectivesNotCompleted"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type raised throughout this module.
type Error struct {
	Kind Kind

	// Op names the operation that raised the error, e.g.
	// "ChannelCache.acquireChannel".
	Op string

	// Allocation is set when the error pertains to a specific
	// allocation; zero value otherwise.
	Allocation string

	// ObjectiveIDs is set for KindObjectivesNotCompleted.
	ObjectiveIDs []string

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Allocation != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (allocation=%s): %v", e.Op, e.Kind, e.Allocation, e.Err)
	case e.Allocation != "":
		return fmt.Sprintf("%s: %s (allocation=%s)", e.Op, e.Kind, e.Allocation)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	gppErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return gppErr.Kind == kind
}

// NoFreeChannels builds the fast-path signal acquireChannel raises when no
// row is eligible for the allocation.
func NoFreeChannels(op, allocation string) *Error {
	return &Error{Kind: KindNoFreeChannels, Op: op, Allocation: allocation}
}

// Validation wraps a validation failure with a stack trace via go-errors, so
// the original call site survives across goroutine boundaries.
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: goerrors.Wrap(err, 1)}
}

// Storage wraps a backing-store fault.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: goerrors.Wrap(err, 1)}
}

// ProtocolViolation wraps an unexpected wallet response.
func ProtocolViolation(op string, err error) *Error {
	return &Error{Kind: KindProtocolViolation, Op: op, Err: goerrors.Wrap(err, 1)}
}

// ObjectivesNotCompleted builds the error raised when ensureObjectives
// exhausts its backoff schedule with objectives still pending.
func ObjectivesNotCompleted(op string, ids []string) *Error {
	return &Error{Kind: KindObjectivesNotCompleted, Op: op, ObjectiveIDs: ids}
}
