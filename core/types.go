// Package core defines the shared domain types and infrastructure primitives
// used across the deepaudit engine.
package core

import "time"

// Action is the verdict attached to a single statement evaluation.
type Action string

const (
	ActionAllow   Action = "ALLOW"
	ActionWarning Action = "WARNING"
	ActionBlock   Action = "BLOCK"
)

// RiskState is the lifecycle state of an identity's risk profile.
type RiskState string

const (
	StateNormal      RiskState = "NORMAL"
	StateObservation RiskState = "OBSERVATION"
	StateBlocked     RiskState = "BLOCKED"
)

// Decision is the outcome of one risk state transition.
type Decision struct {
	Action Action
	State  RiskState
	Score  float64
}

// Blocked reports whether the decision denies execution.
func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// StatementEvent carries everything known about one executed (or about to
// execute) SQL statement. Post-execution fields are zero at pre-check time.
type StatementEvent struct {
	TraceID      string
	Identity     string
	SQL          string
	Timestamp    time.Time
	Duration     time.Duration
	RowCount     int64
	AffectedRows int64
	ErrorCode    int
	ClientApp    string
	ClientIP     string
	Source       string
}

// Feedback status values for audit records reviewed by an operator: a
// reviewer marks a blocked or flagged statement as a false positive or
// confirms the detection as a true positive.
const (
	FeedbackPending       = 0
	FeedbackFalsePositive = 1
	FeedbackTruePositive  = 2
)

// AuditRecord is the durable trail entry written for each evaluated
// statement and for synthetic system events such as window expirations.
type AuditRecord struct {
	ID             int64
	TraceID        string
	Identity       string
	SQL            string
	Operation      string
	Tables         string
	ConditionCount int
	JoinCount      int
	NestedLevel    int
	HasAlwaysTrue  bool
	RowCount       int64
	AffectedRows   int64
	DurationMs     int64
	ErrorCode      int
	ClientApp      string
	ClientIP       string
	Source         string
	DLPScore       float64
	AnomalyScore   float64
	RiskScore      float64
	Action         Action
	State          RiskState
	FeedbackStatus int
	CreatedAt      time.Time
}

// RiskProfile is the durable mirror of an identity's store-side profile.
type RiskProfile struct {
	Identity  string
	Score     float64
	State     RiskState
	UpdatedAt time.Time
}

// SensitiveTable classifies one table for DLP scoring. Level is the
// sensitivity tier (1..4); Coefficient scales it per deployment.
type SensitiveTable struct {
	Name        string
	Level       int
	Coefficient float64
}

// RiskRule is a pattern-based text rule applied to raw statements.
type RiskRule struct {
	Name    string
	Pattern string
	Weight  float64
	Enabled bool
}
