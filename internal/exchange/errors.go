// errors.go defines the typed error taxonomy for exchange calls.
//
// Callers branch on these to decide retry vs. abort: a NetworkError leaves the
// order's true state unknown (reconcile before retrying), a RejectedError is a
// definitive refusal, a FilterError means our own quantization produced an
// unsendable order and no request was made.
package exchange

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// NetworkError wraps transport failures and timeouts. The request may or may
// not have reached the exchange.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedError is a definitive exchange refusal (HTTP 4xx with an error
// body). Code and Msg carry the exchange's own diagnostics.
type RejectedError struct {
	Op   string
	Code int
	Msg  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected by exchange (code %d): %s", e.Op, e.Code, e.Msg)
}

// RateLimitedError is returned on HTTP 429/418. RetryAfter is in seconds when
// the exchange supplied it, 0 otherwise.
type RateLimitedError struct {
	Op         string
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited (retry after %ds)", e.Op, e.RetryAfter)
}

// FilterError reports a quantization failure: the requested order cannot be
// expressed within the symbol's filters. The order was never submitted.
type FilterError struct {
	Symbol string
	Reason string
	Value  decimal.Decimal
	Limit  decimal.Decimal
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("%s: filter violation: %s (%s vs limit %s)", e.Symbol, e.Reason, e.Value, e.Limit)
}

// Sentinel reasons for FilterError.Reason.
const (
	ReasonBelowMinQty      = "quantity below minQty"
	ReasonBelowMinNotional = "notional below minNotional"
	ReasonQuantizeUnstable = "quantization did not converge"
)

// ErrUnknownOrder is the normalized form of the exchange's unknown-order
// response. On a cancel it means the order is already terminal there — either
// cancelled earlier or filled in a race — so the caller must query before
// writing a terminal status of its own.
var ErrUnknownOrder = errors.New("unknown order")

// ErrInsufficientBalance is the normalized form of the exchange's
// insufficient-balance rejection code.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrFilterViolation is the normalized form of a server-side filter
// rejection (LOT_SIZE, PRICE_FILTER, MIN_NOTIONAL). It means the cached
// symbol filters have drifted: callers should refresh them, requantize and
// retry once.
var ErrFilterViolation = errors.New("filter violation")

// Binance error codes we branch on. Anything else surfaces as a plain
// RejectedError.
const (
	codeUnknownOrder        = -2011
	codeUnknownOrderQuery   = -2013
	codeInsufficientBalance = -2010
	codeFilterFailure       = -1013
)

// normalizeReject maps well-known exchange error codes onto sentinel errors
// so callers can use errors.Is instead of matching message strings.
func normalizeReject(op string, code int, msg string) error {
	switch code {
	case codeUnknownOrder, codeUnknownOrderQuery:
		return fmt.Errorf("%s: %w", op, ErrUnknownOrder)
	case codeInsufficientBalance:
		return fmt.Errorf("%s: %w: %s", op, ErrInsufficientBalance, msg)
	case codeFilterFailure:
		return fmt.Errorf("%s: %w: %s", op, ErrFilterViolation, msg)
	}
	return &RejectedError{Op: op, Code: code, Msg: msg}
}

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
