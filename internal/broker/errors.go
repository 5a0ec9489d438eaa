// errors.go defines the typed error taxonomy shared by every broker adapter.
//
// Every error leaving an adapter is classified into one of four classes so
// the account loop can decide mechanically how to react:
//
//   - TRANSIENT: retry with backoff (network, 5xx, rate limits)
//   - BUSINESS:  skip this symbol or order, the venue said no (min notional,
//     insufficient funds, unknown symbol)
//   - LOGIC:     our own invariants are broken; trip the kill switch
//   - FATAL:     the account cannot continue (revoked or invalid keys)
package broker

import (
	"errors"
	"fmt"
)

// Class buckets an error by the reaction it demands.
type Class string

const (
	Transient Class = "TRANSIENT"
	Business  Class = "BUSINESS"
	Logic     Class = "LOGIC"
	Fatal     Class = "FATAL"
)

// Code identifies the specific failure. Codes are stable strings used in
// logs, metrics labels and tests.
type Code string

const (
	CodeNetwork           Code = "NETWORK"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeVenueUnavailable  Code = "VENUE_UNAVAILABLE"
	CodeNonceCollision    Code = "NONCE_COLLISION"
	CodeMinNotional       Code = "MIN_NOTIONAL"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeUnknownSymbol     Code = "UNKNOWN_SYMBOL"
	CodeUnsellable        Code = "UNSELLABLE"
	CodeOrderRejected     Code = "ORDER_REJECTED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvariant         Code = "INVARIANT"
	CodeAuth              Code = "AUTH"
	CodePermission        Code = "PERMISSION"
)

// Error is the typed failure returned by adapters. It wraps the underlying
// cause so errors.Is/As keep working through it.
type Error struct {
	Code   Code
	Class  Class
	Broker string
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s/%s", e.Broker, e.Code)
	if e.Symbol != "" {
		msg += " " + e.Symbol
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified adapter error.
func NewError(broker string, code Code, class Class, symbol string, cause error) *Error {
	return &Error{Code: code, Class: class, Broker: broker, Symbol: symbol, Err: cause}
}

// ClassOf extracts the class of err, defaulting to TRANSIENT for unclassified
// errors so unknown failures are retried rather than escalated.
func ClassOf(err error) Class {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return Transient
}

// CodeOf extracts the code of err, or NETWORK when unclassified.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeNetwork
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}

// classifyHTTP maps an HTTP status to a code/class pair for REST adapters.
// Only 401 is fatal: a 403 is a temporary venue block (WAF, IP throttle)
// that clears on its own, so it stays retryable.
func classifyHTTP(status int) (Code, Class) {
	switch {
	case status == 429:
		return CodeRateLimited, Transient
	case status == 401:
		return CodeAuth, Fatal
	case status == 403:
		return CodePermission, Transient
	case status == 404:
		return CodeNotFound, Business
	case status >= 500:
		return CodeVenueUnavailable, Transient
	default:
		return CodeOrderRejected, Business
	}
}
