package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Code classifies an error. Codes mirror http status codes so that responses
// from the document database map onto them directly.
type Code int

const (
	// Internal is an unexpected failure inside the engine
	Internal Code = http.StatusInternalServerError
	// NotFound indicates a missing document or an unknown type
	NotFound Code = http.StatusNotFound
	// Validation indicates invalid input or configuration
	Validation Code = http.StatusBadRequest
	// Conflict indicates a stale revision was sent with a write
	Conflict Code = http.StatusConflict
	// Transport indicates the request never produced an http response (network, timeout)
	Transport Code = http.StatusServiceUnavailable
	// Malformed indicates the server returned a body that is not a json object
	Malformed Code = http.StatusBadGateway
)

// Error is a custom error
type Error struct {
	Code     Code     `json:"code"`
	Messages []string `json:"messages"`
	Err      error    `json:"err,omitempty"`
}

// Error returns the Error as a json string
func (e *Error) Error() string {
	if e.Code == 0 {
		e.Code = http.StatusOK
	}
	bits, _ := json.Marshal(struct {
		Code     Code     `json:"code"`
		Messages []string `json:"messages"`
		Err      string   `json:"err,omitempty"`
	}{
		Code:     e.Code,
		Messages: e.Messages,
		Err:      errString(e.Err),
	})
	return string(bits)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new error with the given code and formatted message
func New(code Code, msg string, args ...any) error {
	return &Error{
		Code:     code,
		Messages: []string{fmt.Sprintf(msg, args...)},
	}
}

// Extract extracts the custom Error from the given error
func Extract(err error) *Error {
	e, ok := err.(*Error)
	if !ok {
		return &Error{
			Code:     0,
			Messages: nil,
			Err:      err,
		}
	}
	return e
}

// Wrap wraps the given error and returns a new one. A nil error stays nil.
func Wrap(err error, code Code, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if ok {
		if msg != "" {
			e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
		}
		if code > 0 {
			e.Code = code
		}
		return e
	}
	e = &Error{
		Code: code,
		Err:  err,
	}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}

// Is returns true if the error carries the given code
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return Extract(err).Code == code
}

// IsConflict returns true if the error was caused by a stale revision
func IsConflict(err error) bool {
	return Is(err, Conflict)
}

// IsTransport returns true if the error was caused by a failed round trip
func IsTransport(err error) bool {
	return Is(err, Transport)
}

// IsMalformed returns true if the error was caused by an unparseable response
func IsMalformed(err error) bool {
	return Is(err, Malformed)
}

// IsNotFound returns true if the error was caused by a missing document
func IsNotFound(err error) bool {
	return Is(err, NotFound)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
