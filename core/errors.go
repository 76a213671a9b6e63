package core

import (
	"errors"
	"fmt"
)

// RiskControlError is returned to callers when a statement is denied by
// policy. It is the only evaluation error surfaced to the intercepted
// application; infrastructure failures fail open instead.
type RiskControlError struct {
	Identity string
	State    RiskState
	Score    float64
	Reason   string
}

func (e *RiskControlError) Error() string {
	return fmt.Sprintf("statement blocked for %s (state=%s score=%.1f): %s",
		e.Identity, e.State, e.Score, e.Reason)
}

// IsRiskControl reports whether err is (or wraps) a policy denial.
func IsRiskControl(err error) bool {
	var rce *RiskControlError
	return errors.As(err, &rce)
}

var (
	// ErrStoreUnavailable indicates the risk store could not be reached.
	ErrStoreUnavailable = errors.New("risk store unavailable")

	// ErrModelUnavailable indicates no anomaly model is loaded.
	ErrModelUnavailable = errors.New("anomaly model unavailable")
)
