package main

import "errors"

// NIP-47 wire error codes
const (
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotImplemented      = "NOT_IMPLEMENTED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeRestricted          = "RESTRICTED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeInternal            = "INTERNAL"
	CodeOther               = "OTHER"
	CodePaymentFailed       = "PAYMENT_FAILED"
	CodeNotFound            = "NOT_FOUND"
)

// NWCError is a failure with a wire-visible NIP-47 code. Handlers and the
// connection manager return these; anything else that escapes a handler is
// mapped to a bare INTERNAL so wallet internals never leak to the app.
type NWCError struct {
	Code    string
	Message string
}

func (e *NWCError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func nwcErrorf(code, message string) *NWCError {
	return &NWCError{Code: code, Message: message}
}

// asNWCError maps any error to the NWCError that should go on the wire
func asNWCError(err error) *NWCError {
	var nwcErr *NWCError
	if errors.As(err, &nwcErr) {
		return nwcErr
	}
	return &NWCError{Code: CodeInternal}
}
