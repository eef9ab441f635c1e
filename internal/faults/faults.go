// Package faults defines the error taxonomy shared across the service layer.
// Every user-visible failure carries a stable reason code so callers can
// branch without matching on message strings.
package faults

import (
	"errors"
	"fmt"
)

// Reason codes returned to API clients.
const (
	CodeValidation       = "VALIDATION"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeNotOwner         = "NOT_OWNER"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodePaymentProvider  = "PAYMENT_PROVIDER"
	CodeConcurrency      = "CONCURRENCY"
	CodeBillingDue       = "BILLING_DUE_UNPAID"
)

// Fault is an error with a stable reason code.
type Fault struct {
	Code string
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return f.Code + ": " + f.Msg + ": " + f.Err.Error()
	}
	return f.Code + ": " + f.Msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Is matches two faults by code, so sentinel-style comparison works:
// errors.Is(err, faults.NotFound("")).
func (f *Fault) Is(target error) bool {
	var t *Fault
	if errors.As(target, &t) {
		return f.Code == t.Code
	}
	return false
}

func newf(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Fault {
	return newf(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Fault {
	return newf(CodeNotFound, format, args...)
}

func Conflict(format string, args ...any) *Fault {
	return newf(CodeConflict, format, args...)
}

func NotOwner(format string, args ...any) *Fault {
	return newf(CodeNotOwner, format, args...)
}

func BillingDue(format string, args ...any) *Fault {
	return newf(CodeBillingDue, format, args...)
}

// StoreUnavailable wraps a failed content-store call. No local state was
// committed; the caller may retry.
func StoreUnavailable(err error, format string, args ...any) *Fault {
	f := newf(CodeStoreUnavailable, format, args...)
	f.Err = err
	return f
}

// PaymentProvider wraps a failed provider call. No billing state was mutated.
func PaymentProvider(err error, format string, args ...any) *Fault {
	f := newf(CodePaymentProvider, format, args...)
	f.Err = err
	return f
}

// Concurrency reports a lost lock race after internal retries were exhausted.
func Concurrency(err error, format string, args ...any) *Fault {
	f := newf(CodeConcurrency, format, args...)
	f.Err = err
	return f
}

// Code extracts the reason code from an error chain, or "" if none.
func Code(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}
