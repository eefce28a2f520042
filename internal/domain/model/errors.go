package model

import (
	"errors"
	"fmt"
)

// ErrorKind groups error codes into the categories callers branch on
type ErrorKind string

const (
	// KindValidation is a malformed profile field
	KindValidation ErrorKind = "validation"
	// KindNotFound is a missing profile or profile document
	KindNotFound ErrorKind = "not_found"
	// KindOccupied is a duplicate profile name
	KindOccupied ErrorKind = "occupied"
	// KindState is an operation that is invalid for the current lifecycle state
	KindState ErrorKind = "state"
	// KindParse is a malformed profile document
	KindParse ErrorKind = "parse"
	// KindIO is a filesystem failure
	KindIO ErrorKind = "io"
	// KindSocket is a transport level failure
	KindSocket ErrorKind = "socket"
)

// Error is the error type shared by the forwarding engine and the control plane.
// Code is stable across the wire; Kind is what errors.Is matches on when the
// target carries no code.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by code, or by kind when the target has no code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Kind == e.Kind
}

// Wrap returns a copy of e carrying cause
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

// Withf returns a copy of e with a more specific message
func (e *Error) Withf(format string, args ...interface{}) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

// Kind sentinels, usable with errors.Is
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrOccupied   = &Error{Kind: KindOccupied}
	ErrState      = &Error{Kind: KindState}
	ErrParse      = &Error{Kind: KindParse}
	ErrIO         = &Error{Kind: KindIO}
	ErrSocket     = &Error{Kind: KindSocket}
)

// Coded errors
var (
	ErrInvalidName = &Error{Kind: KindValidation, Code: "ERR_INVALID_NAME",
		Message: "invalid profile name (name must not be empty)"}
	ErrInvalidSource = &Error{Kind: KindValidation, Code: "ERR_INVALID_SOURCE",
		Message: "invalid source option (source option must be integer(>=0, <65535))"}
	ErrInvalidDest = &Error{Kind: KindValidation, Code: "ERR_INVALID_DEST",
		Message: "invalid dest option (dest option must be a host, host:port or port)"}
	ErrInvalidTimeout = &Error{Kind: KindValidation, Code: "ERR_INVALID_TIMEOUT",
		Message: "invalid connection idle timeout value"}

	ErrProfileNotFound = &Error{Kind: KindNotFound, Code: "ERR_PROFILE_NOT_EXISTS",
		Message: "profile not exists"}
	ErrConnectionNotFound = &Error{Kind: KindNotFound, Code: "ERR_CONNECTION_NOT_EXISTS",
		Message: "connection not exists"}
	ErrOccupiedName = &Error{Kind: KindOccupied, Code: "ERR_OCCUPIED_PROFILE_NAME",
		Message: "profile name is already taken"}

	ErrServiceChanging = &Error{Kind: KindState, Code: "ERR_SERVICE_CHANGING",
		Message: "service locked due to changing status"}
	ErrAlreadyOpen = &Error{Kind: KindState, Code: "ERR_ALREADY_OPEN",
		Message: "service already opened"}
	ErrAlreadyClosed = &Error{Kind: KindState, Code: "ERR_ALREADY_CLOSE",
		Message: "service already closed"}
	ErrAlreadyLoaded = &Error{Kind: KindState, Code: "ERR_ALREADY_LOADED",
		Message: "profiles already loaded"}

	ErrConfigNotFound = &Error{Kind: KindNotFound, Code: "ERR_CONFIG_NOT_FOUND",
		Message: "profile document not found"}
	ErrConfigParse = &Error{Kind: KindParse, Code: "ERR_CONFIG_PARSE",
		Message: "malformed profile document"}
	ErrConfigIO = &Error{Kind: KindIO, Code: "ERR_CONFIG_IO",
		Message: "profile document I/O failure"}

	ErrListen = &Error{Kind: KindSocket, Code: "ERR_LISTEN",
		Message: "failed to open listening socket"}
)

var codedErrors = []*Error{
	ErrInvalidName, ErrInvalidSource, ErrInvalidDest, ErrInvalidTimeout,
	ErrProfileNotFound, ErrConnectionNotFound, ErrOccupiedName,
	ErrServiceChanging, ErrAlreadyOpen, ErrAlreadyClosed, ErrAlreadyLoaded,
	ErrConfigNotFound, ErrConfigParse, ErrConfigIO, ErrListen,
}

// CodeOf returns the code carried by err, or "" when err is not an *Error
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrorFromCode rebuilds an error received over the control plane
func ErrorFromCode(code, message string) error {
	for _, known := range codedErrors {
		if known.Code == code {
			return &Error{Kind: known.Kind, Code: code, Message: message}
		}
	}
	return errors.New(message)
}
