package planner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingPrices   = errors.New("missing prices")
	ErrNoCryptoBalance = errors.New("no crypto balance")
)

// PlanError is the structured failure of a planning cycle. No partial plan
// accompanies it.
type PlanError struct {
	Kind        error
	Instruments []string
	Reason      string
}

func (e *PlanError) Error() string {
	if len(e.Instruments) > 0 {
		return fmt.Sprintf("%s: %s", e.Kind, strings.Join(e.Instruments, ", "))
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.Error()
}

func (e *PlanError) Unwrap() error {
	return e.Kind
}

func missingPrices(instruments []string) *PlanError {
	return &PlanError{Kind: ErrMissingPrices, Instruments: instruments}
}

func noCryptoBalance(value float64) *PlanError {
	return &PlanError{
		Kind:   ErrNoCryptoBalance,
		Reason: fmt.Sprintf("crypto sleeve value %.2f is not positive", value),
	}
}
