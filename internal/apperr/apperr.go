// Package apperr is the structured error taxonomy: a closed set of
// codes, each carrying its own HTTP status, that every component
// (session engine, matchmaker, chat coordinator, HTTP surface) returns
// instead of ad hoc errors.
package apperr

import (
	"errors"
	"net/http"
)

// Code is one of the closed error kinds.
type Code string

const (
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeInvalidEvent        Code = "invalid_event"
	CodeUnknownButton       Code = "unknown_button"
	CodeUnknownNode         Code = "unknown_node"
	CodeSchemaMismatch      Code = "schema_mismatch"
	CodeForbiddenWrite      Code = "forbidden_write"
	CodeNoBranchMatched     Code = "no_branch_matched"
	CodeIdempotencyReplay   Code = "idempotency_replay"
	CodeMatchmakingConflict Code = "matchmaking_conflict"
	CodeGone                Code = "gone"
	CodeInternal            Code = "internal"
)

var statusByCode = map[Code]int{
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidEvent:        http.StatusBadRequest,
	CodeUnknownButton:       http.StatusBadRequest,
	CodeUnknownNode:         http.StatusBadRequest,
	CodeSchemaMismatch:      http.StatusBadRequest,
	CodeForbiddenWrite:      http.StatusBadRequest,
	CodeNoBranchMatched:     http.StatusBadRequest,
	CodeIdempotencyReplay:   http.StatusOK,
	CodeMatchmakingConflict: http.StatusConflict,
	CodeGone:                http.StatusGone,
	CodeInternal:            http.StatusInternalServerError,
}

// Error is a structured, code-tagged error. It always carries a Code so
// callers across package boundaries can branch on kind without string
// matching.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// Status returns the HTTP status this code maps to.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a details map attached.
func Newf(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf extracts the Code from err, defaulting to CodeInternal for
// errors that never went through this package.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
