// Package errs defines the coded error taxonomy shared by the signaling and
// configuration layers. Callers branch on the Code, not on message text.
package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	// CodeConnection: a live subscription could not be (re-)established.
	CodeConnection Code = "CONNECTION"
	// CodeDelivery: a send operation's backend write failed.
	CodeDelivery Code = "DELIVERY"
	// CodeConfigFetch: the authoritative config could not be read.
	CodeConfigFetch Code = "CONFIG_FETCH"
	// CodeValidation: a malformed record was rejected before any write.
	CodeValidation Code = "VALIDATION"
)

type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Connection(message string, cause error) error {
	return &Error{Code: CodeConnection, Message: message, Cause: cause}
}

func Delivery(message string, cause error) error {
	return &Error{Code: CodeDelivery, Message: message, Cause: cause}
}

func ConfigFetch(message string, cause error) error {
	return &Error{Code: CodeConfigFetch, Message: message, Cause: cause}
}

func Validation(message string) error {
	return &Error{Code: CodeValidation, Message: message}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func IsConnection(err error) bool  { return HasCode(err, CodeConnection) }
func IsDelivery(err error) bool    { return HasCode(err, CodeDelivery) }
func IsConfigFetch(err error) bool { return HasCode(err, CodeConfigFetch) }
func IsValidation(err error) bool  { return HasCode(err, CodeValidation) }
