package model

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// TerminalStatuses lists the statuses a job never leaves once reached.
var TerminalStatuses = []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCanceled}

// IsTerminal reports whether the status is final.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Job kinds
type JobKind string

const (
	JobKindQuickAds   JobKind = "quick-ads"
	JobKindCustomized JobKind = "customized-ads"
)

// Billing plans
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanAgency  Plan = "agency"
)

// Ledger entry states
type LedgerState string

const (
	LedgerStateReserved LedgerState = "RESERVED"
	LedgerStateCharged  LedgerState = "CHARGED"
	LedgerStateRefunded LedgerState = "REFUNDED"
)

// Machine-readable error codes returned to clients and stored on failed jobs.
const (
	ErrorCodeDispatch        = "DISPATCH_ERROR"
	ErrorCodeTimeout         = "TIMEOUT"
	ErrorCodeNoValidImages   = "NO_VALID_IMAGES"
	ErrorCodeEngineFailed    = "ENGINE_FAILED"
	ErrorCodeEngineCanceled  = "ENGINE_CANCELED"
	ErrorCodeAlreadyFinished = "ALREADY_FINISHED"
	ErrorCodeInsufficient    = "INSUFFICIENT_TOKENS"
)
