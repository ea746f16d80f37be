// Package errs defines the tagged error kinds shared across the update
// core. Every component returns one of these instead of calling exit, so
// the driver in package updater is the single place that turns a result
// into a user-visible outcome.
package errs

import "fmt"

// Kind tags an error with its handling-policy bucket.
type Kind int

const (
	_ Kind = iota
	InvalidRange
	HashMismatch
	IOError
	BadPatch
	BadPackage
	UnsupportedEntry
	VerifyFailed
	UnknownAlgorithm
	CertParseError
	MiscUnavailable
	MiscFull
	StashMissing
	ProgramInvalid
)

func (k Kind) String() string {
	switch k {
	case InvalidRange:
		return "InvalidRange"
	case HashMismatch:
		return "HashMismatch"
	case IOError:
		return "IOError"
	case BadPatch:
		return "BadPatch"
	case BadPackage:
		return "BadPackage"
	case UnsupportedEntry:
		return "UnsupportedEntry"
	case VerifyFailed:
		return "VerifyFailed"
	case UnknownAlgorithm:
		return "UnknownAlgorithm"
	case CertParseError:
		return "CertParseError"
	case MiscUnavailable:
		return "MiscUnavailable"
	case MiscFull:
		return "MiscFull"
	case StashMissing:
		return "StashMissing"
	case ProgramInvalid:
		return "ProgramInvalid"
	default:
		return "Unknown"
	}
}

// Error is a tagged error carrying the component message and an optional
// wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a tagged error; callers branch on the kind instead of
// string-matching messages.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Of reports whether err (or something it wraps) carries the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return false
	}
	return e.Kind == kind
}
