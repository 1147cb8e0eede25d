package types

import (
	"errors"
	"fmt"
)

// Permission defines the visibility class of a component or the invocation
// class of a system.
type Permission string

const (
	PermEverybody Permission = "everybody"
	PermUser      Permission = "user"
	PermOwner     Permission = "owner"
	PermAdmin     Permission = "admin"
)

// Rank returns the ordering used for system invocation gating.
func (p Permission) Rank() int {
	switch p {
	case PermEverybody:
		return 0
	case PermUser:
		return 1
	case PermOwner:
		return 2
	case PermAdmin:
		return 3
	default:
		return -1
	}
}

// Valid reports whether p is one of the four defined classes.
func (p Permission) Valid() bool {
	return p.Rank() >= 0
}

// Allows reports whether a caller holding permission `caller` may invoke
// something gated at permission p.
func (p Permission) Allows(caller Permission) bool {
	return caller.Rank() >= p.Rank()
}

// Identity is a caller identity. Zero means anonymous.
type Identity uint64

// Anonymous is the identity of a connection before elevation.
const Anonymous Identity = 0

// Persistence controls whether a component survives process restarts.
type Persistence string

const (
	Persistent Persistence = "persistent"
	Ephemeral  Persistence = "ephemeral"
)

// Code is a wire-visible structured error code.
type Code string

const (
	CodeUnknownSystem       Code = "UnknownSystem"
	CodePermissionDenied    Code = "PermissionDenied"
	CodeRaceExhausted       Code = "RaceExhausted"
	CodeUniqueViolation     Code = "UniqueViolation"
	CodeSchemaMismatch      Code = "SchemaMismatch"
	CodeSchemaConflict      Code = "SchemaConflict"
	CodeCrossBackendCluster Code = "CrossBackendCluster"
	CodeNotSubscribable     Code = "NotSubscribable"
	CodeSubscriptionBudget  Code = "SubscriptionBudget"
	CodeSubscriptionEvicted Code = "SubscriptionEvicted"
	CodeQueryError          Code = "QueryError"
	CodeLogicError          Code = "LogicError"
	CodeRateLimited         Code = "RateLimited"
)

// Class groups error codes by how the engine reacts to them.
type Class int

const (
	// ClassTransient errors are retried silently.
	ClassTransient Class = iota
	// ClassLogic errors are returned to the client verbatim and never retried.
	ClassLogic
	// ClassFatal errors are surfaced at startup; the worker refuses to serve.
	ClassFatal
	// ClassResource errors are reported as typed errors the client can react to.
	ClassResource
)

// Class returns the reaction class for a code.
func (c Code) Class() Class {
	switch c {
	case CodeSchemaMismatch, CodeSchemaConflict, CodeCrossBackendCluster:
		return ClassFatal
	case CodeRaceExhausted, CodeSubscriptionBudget, CodeSubscriptionEvicted, CodeRateLimited:
		return ClassResource
	default:
		return ClassLogic
	}
}

// Error is a structured error carrying a wire-visible code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a structured error with a code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a structured error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error.
func WrapError(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// CodeOf extracts the structured code from err, or empty if err carries none.
func CodeOf(err error) Code {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
