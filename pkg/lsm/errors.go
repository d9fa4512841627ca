package lsm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error so callers can branch on category without
// string-matching the message.
type Kind int

const (
	KindUnknown Kind = iota

	// Argument errors
	KindNullArg
	KindNameTooShort
	KindThresholdTooLow
	KindLevelTooLow
	KindProbabilityTooLow
	KindThreadsTooLow

	// Resource errors
	KindOutOfMemory
	KindDirCreateFailed
	KindFileOpenFailed
	KindIOFailed

	// State errors
	KindCFNotFound
	KindCFExists
	KindNotEnoughSSTablesToCompact
	KindAtStartOfCursor
	KindAtEndOfCursor

	// Data errors
	KindSerializationFailed
	KindDeserializationFailed
	KindBloomReadFailed

	// Lookup errors
	KindKeyNotFound
	KindKeyTombstoned
	KindKeyExpired

	// Lifecycle errors
	KindLockInitFailed
	KindThreadSpawnFailed
	KindWALReplayFailed
)

func (k Kind) String() string {
	switch k {
	case KindNullArg:
		return "NullArg"
	case KindNameTooShort:
		return "NameTooShort"
	case KindThresholdTooLow:
		return "ThresholdTooLow"
	case KindLevelTooLow:
		return "LevelTooLow"
	case KindProbabilityTooLow:
		return "ProbabilityTooLow"
	case KindThreadsTooLow:
		return "ThreadsTooLow"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindDirCreateFailed:
		return "DirCreateFailed"
	case KindFileOpenFailed:
		return "FileOpenFailed"
	case KindIOFailed:
		return "IOFailed"
	case KindCFNotFound:
		return "CFNotFound"
	case KindCFExists:
		return "CFExists"
	case KindNotEnoughSSTablesToCompact:
		return "NotEnoughSSTablesToCompact"
	case KindAtStartOfCursor:
		return "AtStartOfCursor"
	case KindAtEndOfCursor:
		return "AtEndOfCursor"
	case KindSerializationFailed:
		return "SerializationFailed"
	case KindDeserializationFailed:
		return "DeserializationFailed"
	case KindBloomReadFailed:
		return "BloomReadFailed"
	case KindKeyNotFound:
		return "KeyNotFound"
	case KindKeyTombstoned:
		return "KeyTombstoned"
	case KindKeyExpired:
		return "KeyExpired"
	case KindLockInitFailed:
		return "LockInitFailed"
	case KindThreadSpawnFailed:
		return "ThreadSpawnFailed"
	case KindWALReplayFailed:
		return "WALReplayFailed"
	default:
		return "Unknown"
	}
}

// Error is the tagged error value every public entry point returns.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// newErr builds a fresh Error with no wrapped cause.
func newErr(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// wrapErr attaches Kind/message context to an underlying cause, keeping the
// cause's stack via github.com/pkg/errors the way the rest of the corpus
// threads causes through layered errors.
func wrapErr(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return newErr(kind, msg)
	}
	return &Error{Kind: kind, Message: msg, Cause: errors.WithMessage(cause, msg)}
}

// Is lets callers use errors.Is(err, lsm.KindError(lsm.KindKeyNotFound))
// style checks by comparing Kind against a sentinel built with KindError.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindError returns a sentinel *Error carrying only a Kind, suitable for use
// with errors.Is.
func KindError(k Kind) *Error { return &Error{Kind: k} }
