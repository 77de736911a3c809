package model

import "time"

// Operation names a scoring pass the orchestrator can drive.
type Operation string

const (
	OpProfileScoring Operation = "profile_scoring"
	OpPostScoring    Operation = "post_scoring"
)

// RunStatus is the lifecycle state of a run record. Transitions only
// advance: Started -> InProgress -> one of the terminal states.
type RunStatus string

const (
	RunStarted             RunStatus = "Started"
	RunInProgress          RunStatus = "InProgress"
	RunCompleted           RunStatus = "Completed"
	RunCompletedWithErrors RunStatus = "CompletedWithErrors"
	RunFailed              RunStatus = "Failed"
)

// Terminal reports whether the status ends the run's lifecycle.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCompletedWithErrors || s == RunFailed
}

// RunEventKind classifies a per-lead completion for run-record accounting.
// Increments are keyed by (run, lead, kind) so replays never double-count.
type RunEventKind string

const (
	EventSucceeded RunEventKind = "succeeded"
	EventFailed    RunEventKind = "failed"
	EventSkipped   RunEventKind = "skipped"
	EventExcluded  RunEventKind = "excluded"
)

// RunCounts are the per-run completion counters. For every terminal run
// record, Attempted = Succeeded + Failed + Skipped + Excluded.
type RunCounts struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Excluded  int `json:"excluded"`
}

// RunRecord is the single per-(tenant, operation, day, stream) artifact
// tracking one orchestrator invocation. Exactly one exists per identity
// tuple; openRun is the only creation path.
type RunRecord struct {
	ID           string     `json:"id"`
	TenantHandle string     `json:"tenant_handle"`
	Operation    Operation  `json:"operation"`
	RunDate      string     `json:"run_date"` // YYYY-MM-DD in the tenant's timezone
	StreamID     int        `json:"stream_id"`
	Status       RunStatus  `json:"status"`
	Counts       RunCounts  `json:"counts"`
	Tokens       TokenUsage `json:"tokens"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}
