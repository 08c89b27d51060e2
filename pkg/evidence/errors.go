package evidence

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindTransientFetch Kind = "TransientFetchError"
	KindCollection     Kind = "CollectionError"
	KindDriftDetected  Kind = "DriftDetectedError"
	KindMappingConfig  Kind = "MappingConfigError"
	KindLedgerCommit   Kind = "LedgerCommitError"
	KindLedgerBusy     Kind = "LedgerBusyError"
	KindConfig         Kind = "ConfigError"
)

// Exit codes of the orchestrator binary.
const (
	ExitOK            = 0
	ExitCollection    = 1
	ExitDrift         = 2
	ExitConfiguration = 3
	ExitLedgerCommit  = 4
	ExitLedgerBusy    = 5
)

// Error is the single error type of the pipeline. Kind drives propagation and
// the process exit code; Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Detail carries structured context for the error report.
	Detail map[string]any
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindDriftDetected}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// E constructs an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithDetail attaches a structured field and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindCollection, KindTransientFetch:
		return ExitCollection
	case KindDriftDetected:
		return ExitDrift
	case KindMappingConfig, KindConfig:
		return ExitConfiguration
	case KindLedgerCommit:
		return ExitLedgerCommit
	case KindLedgerBusy:
		return ExitLedgerBusy
	default:
		return ExitCollection
	}
}
