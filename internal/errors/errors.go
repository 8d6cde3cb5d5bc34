package errors

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable failure category. Every error that
// crosses a pipeline boundary carries exactly one Kind; raw underlying
// errors are wrapped at the point of detection and never escape as-is.
type Kind string

const (
	KindValidation       Kind = "VALIDATION_ERROR"
	KindWallet           Kind = "WALLET_ERROR"
	KindContract         Kind = "CONTRACT_ERROR"
	KindNetwork          Kind = "NETWORK_ERROR"
	KindSimulation       Kind = "SIMULATION_ERROR"
	KindTimeout          Kind = "TIMEOUT_ERROR"
	KindApprovalRequired Kind = "APPROVAL_REQUIRED"
	KindUserAborted      Kind = "USER_ABORTED"
	KindInternal         Kind = "INTERNAL_ERROR"
)

// exit codes for the CLI boundary, keyed by kind.
var exitCodes = map[Kind]int{
	KindValidation:       2,
	KindWallet:           10,
	KindContract:         11,
	KindNetwork:          12,
	KindSimulation:       13,
	KindTimeout:          14,
	KindApprovalRequired: 15,
	KindUserAborted:      16,
	KindInternal:         1,
}

// Error is a typed pipeline error carrying a stable kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As unwraps err to the first typed Error in its chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf reports the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if typed, ok := As(err); ok {
		return typed.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	typed, ok := As(err)
	return ok && typed.Kind == kind
}

func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[KindOf(err)]; ok {
		return code
	}
	return exitCodes[KindInternal]
}
