package model

import "time"

// RunStatus is the lifecycle state of a recorded stage run.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusSuspended   RunStatus = "suspended"
	RunStatusNothingToDo RunStatus = "nothing_to_do"
	RunStatusSkipped     RunStatus = "already_completed"
	RunStatusFailed      RunStatus = "failed"
)

// Run is one invocation of a stage for a date, as kept in the run ledger.
type Run struct {
	ID          string     `json:"id"`
	Stage       string     `json:"stage"`
	Date        string     `json:"date"`
	Status      RunStatus  `json:"status"`
	TotalChunks int        `json:"total_chunks"`
	ChunksRun   int        `json:"chunks_run"`
	Processed   int        `json:"processed"`
	Kept        int        `json:"kept"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
