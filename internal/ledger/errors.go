package ledger

import (
	"errors"
	"fmt"
)

// Code is the stable identifier of a rejected instruction. Values are part of
// the wire contract with off-ledger coordinators and must not be renumbered.
type Code uint32

const (
	// CodeMissingAuthorization: a record reference that must sign did not.
	CodeMissingAuthorization Code = iota + 1
	// CodeInvalidArgument: a supplied address does not match its derivation.
	CodeInvalidArgument
	// CodeIncorrectOwner: a pre-existing record is not owned by this program.
	CodeIncorrectOwner
	// CodeAlreadyInitialized: a record that must be absent already exists.
	CodeAlreadyInitialized
	// CodeUnauthorizedAuthority: the signer is not the configured authority.
	CodeUnauthorizedAuthority
	// CodeIdentityMismatch: the signer is not the identity stored in the node record.
	CodeIdentityMismatch
	// CodeInsufficientBalance: a claim exceeds the pending reward units.
	CodeInsufficientBalance
	// CodeArithmeticOverflow: a counter would exceed the uint64 range.
	CodeArithmeticOverflow
	// CodeArithmeticUnderflow: a counter would drop below zero.
	CodeArithmeticUnderflow
	// CodeMalformedPayload: the instruction payload cannot be decoded or is out of range.
	CodeMalformedPayload
	// CodeNotEnoughAccounts: fewer record references than the instruction needs.
	CodeNotEnoughAccounts
	// CodeInvalidRecordData: a stored record does not decode as its kind.
	CodeInvalidRecordData
)

var codeNames = map[Code]string{
	CodeMissingAuthorization:  "MissingAuthorization",
	CodeInvalidArgument:       "InvalidArgument",
	CodeIncorrectOwner:        "IncorrectOwner",
	CodeAlreadyInitialized:    "AlreadyInitialized",
	CodeUnauthorizedAuthority: "UnauthorizedAuthority",
	CodeIdentityMismatch:      "IdentityMismatch",
	CodeInsufficientBalance:   "InsufficientBalance",
	CodeArithmeticOverflow:    "ArithmeticOverflow",
	CodeArithmeticUnderflow:   "ArithmeticUnderflow",
	CodeMalformedPayload:      "MalformedPayload",
	CodeNotEnoughAccounts:     "NotEnoughAccounts",
	CodeInvalidRecordData:     "InvalidRecordData",
}

// String returns the name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Error is a rejected instruction: a stable code plus a short diagnostic.
type Error struct {
	Code Code
	Msg  string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is matches any *Error carrying the same code, so sentinel comparisons work
// regardless of the diagnostic.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrMissingAuthorization  = &Error{Code: CodeMissingAuthorization}
	ErrInvalidArgument       = &Error{Code: CodeInvalidArgument}
	ErrIncorrectOwner        = &Error{Code: CodeIncorrectOwner}
	ErrAlreadyInitialized    = &Error{Code: CodeAlreadyInitialized}
	ErrUnauthorizedAuthority = &Error{Code: CodeUnauthorizedAuthority}
	ErrIdentityMismatch      = &Error{Code: CodeIdentityMismatch}
	ErrInsufficientBalance   = &Error{Code: CodeInsufficientBalance}
	ErrArithmeticOverflow    = &Error{Code: CodeArithmeticOverflow}
	ErrArithmeticUnderflow   = &Error{Code: CodeArithmeticUnderflow}
	ErrMalformedPayload      = &Error{Code: CodeMalformedPayload}
	ErrNotEnoughAccounts     = &Error{Code: CodeNotEnoughAccounts}
	ErrInvalidRecordData     = &Error{Code: CodeInvalidRecordData}
)

// CodeOf extracts the code of a ledger rejection anywhere in err's chain.
func CodeOf(err error) (Code, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Code, true
	}
	return 0, false
}
