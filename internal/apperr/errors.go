// Package apperr is the error taxonomy shared by the fulfillment services.
// Business-rule failures carry a Code; the Code decides the Kind that the
// transport layer maps onto a response status.
package apperr

import (
	"errors"
	"fmt"
)

// Kind groups codes by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindBadRequest
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Code is a machine-readable error code.
type Code string

const (
	CodeInternal Code = "INTERNAL"

	CodeNotFound   Code = "NOT_FOUND"
	CodeBadRequest Code = "BAD_REQUEST"
	CodeConflict   Code = "CONFLICT"

	// Inventory
	CodeInsufficientStock Code = "INSUFFICIENT_STOCK"
	CodeInvalidRelease    Code = "INVALID_RELEASE"
	CodeInvalidQuantity   Code = "INVALID_QUANTITY"

	// Checkout
	CodeEmptyCart          Code = "EMPTY_CART"
	CodeProductUnavailable Code = "PRODUCT_UNAVAILABLE"

	// Orders
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// Payments
	CodePaymentCompleted    Code = "PAYMENT_COMPLETED"
	CodeInvalidRefundAmount Code = "INVALID_REFUND_AMOUNT"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
)

// Kind reports the kind a code belongs to.
func (c Code) Kind() Kind {
	switch c {
	case CodeNotFound:
		return KindNotFound
	case CodeConflict:
		return KindConflict
	case CodeBadRequest,
		CodeInsufficientStock,
		CodeInvalidRelease,
		CodeInvalidQuantity,
		CodeEmptyCart,
		CodeProductUnavailable,
		CodeInvalidTransition,
		CodePaymentCompleted,
		CodeInvalidRefundAmount,
		CodeInvalidSignature:
		return KindBadRequest
	default:
		return KindInternal
	}
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithMetadata creates a domain error carrying extra context.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NotFound(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

func BadRequest(format string, args ...any) *Error {
	return Newf(CodeBadRequest, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return Newf(CodeConflict, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// KindOf returns the kind of err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	return CodeOf(err).Kind()
}

// PublicMessage is the message safe to hand to clients. Internal errors
// are reduced to a generic message.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code.Kind() != KindInternal {
		return e.Message
	}
	return "internal error"
}
