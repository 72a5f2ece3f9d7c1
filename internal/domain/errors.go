package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Failure kinds. Match with errors.Is against any error returned by the
// settlement packages.
var (
	ErrInvalidInput        = errors.New("invalid_input")
	ErrNotFound            = errors.New("not_found")
	ErrInsufficientStock   = errors.New("insufficient_stock")
	ErrMissingExchangeRate = errors.New("missing_exchange_rate")
	ErrPaymentMismatch     = errors.New("payment_mismatch")
	ErrCreditLimitExceeded = errors.New("credit_limit_exceeded")
	ErrCustomerRequired    = errors.New("customer_required")
	ErrAlreadySettled      = errors.New("already_settled")
	ErrNotCancellable      = errors.New("not_cancellable")
	ErrBaseTotalMismatch   = errors.New("base_total_mismatch")
	ErrIntegrity           = errors.New("integrity_fault")
)

// Failure is a business-rule or integrity failure with enough detail for
// the caller to correct and resubmit.
type Failure struct {
	Kind    error
	Message string
	Details map[string]string
}

func (f *Failure) Error() string {
	if len(f.Details) == 0 {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	keys := make([]string, 0, len(f.Details))
	for k := range f.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+f.Details[k])
	}
	return fmt.Sprintf("%s: %s (%s)", f.Kind, f.Message, strings.Join(parts, ", "))
}

func (f *Failure) Unwrap() error {
	return f.Kind
}

// Label is the short category string reported to API clients.
func (f *Failure) Label() string {
	return f.Kind.Error()
}

func Fail(kind error, message string, details ...string) *Failure {
	f := &Failure{Kind: kind, Message: message}
	if len(details) > 1 {
		f.Details = make(map[string]string, len(details)/2)
		for i := 0; i+1 < len(details); i += 2 {
			f.Details[details[i]] = details[i+1]
		}
	}
	return f
}

func Invalid(format string, args ...any) *Failure {
	return &Failure{Kind: ErrInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// AsFailure reports the Failure wrapped in err, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
