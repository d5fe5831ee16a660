package tradingapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
)

var (
	// ErrRejected marks a definitive refusal: the mutation did not apply.
	ErrRejected = errors.New("trading platform rejected the request")
	// ErrUnknownOutcome marks a mutation that may or may not have applied.
	ErrUnknownOutcome = errors.New("trading platform outcome unknown")
	// ErrUnavailable marks a failed read.
	ErrUnavailable = errors.New("trading platform unavailable")
)

// Rejection codes declared by the platform.
const (
	CodeUnknownLogin        = "unknown_login"
	CodeInvalidAmount       = "invalid_amount"
	CodeInsufficientBalance = "insufficient_balance"
)

type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("trading platform rejected request: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("trading platform rejected request: status=%d code=%s", e.StatusCode, e.Code)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// UnknownOutcomeError carries what is known about an ambiguous mutation.
type UnknownOutcomeError struct {
	Reason     string
	StatusCode int
	Body       string
	Err        error
}

func (e *UnknownOutcomeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("trading platform %s: status=%d", e.Reason, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("trading platform %s: %v", e.Reason, e.Err)
	}
	return "trading platform " + e.Reason
}

func (e *UnknownOutcomeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnknownOutcome}
	}
	return []error{ErrUnknownOutcome, e.Err}
}

func classifyRequestError(ctx context.Context, err error) error {
	switch {
	case isTimeoutError(ctx, err):
		return &UnknownOutcomeError{Reason: "timeout", Err: err}
	case errors.Is(err, context.Canceled):
		return &UnknownOutcomeError{Reason: "request cancelled", Err: err}
	case isNetworkError(err):
		return &UnknownOutcomeError{Reason: "network error", Err: err}
	default:
		return &UnknownOutcomeError{Reason: "request error", Err: err}
	}
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
