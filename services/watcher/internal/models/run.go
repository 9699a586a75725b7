package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
)

// Stage names the pipeline step an error was raised in.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageNormalize Stage = "normalize"
	StageDedup     Stage = "dedup"
	StageMatch     Stage = "match"
	StageNotify    Stage = "notify"
	StageCommit    Stage = "commit"
	StageArchive   Stage = "archive"
	StageRun       Stage = "run"
)

type StageError struct {
	Stage   Stage  `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunResult is what a finished run reports to the scheduler and monitoring.
type RunResult struct {
	RunID         string       `json:"run_id"`
	Status        RunStatus    `json:"status"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	FetchedCount  int          `json:"fetched_count"`
	NewCount      int          `json:"new_count"`
	MatchedCount  int          `json:"matched_count"`
	NotifiedCount int          `json:"notified_count"`
	Errors        []StageError `json:"errors"`
}

// ExitCode maps the run status to a process exit code. Anything other than
// a successful run is non-zero so that external alerting fires.
func (r RunResult) ExitCode() int {
	switch r.Status {
	case RunStatusSucceeded:
		return 0
	case RunStatusTimedOut:
		return 2
	default:
		return 1
	}
}

func (r RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
