package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job records.
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusDone    JobStatus = "done"
	StatusError   JobStatus = "error"
)

// JobTypeOvernight is the multi-phase overnight optimization run.
const JobTypeOvernight = "overnight_optimization"

// SummaryCancelled is written when a job is cancelled on request.
const SummaryCancelled = "cancelled by request"

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusQueued || to == StatusRunning || to == StatusError
	case StatusRunning:
		return to == StatusRunning || to == StatusDone || to == StatusError
	}
	return false
}

// JobParams carries the tunables of an overnight run.
type JobParams struct {
	Iterations      int  `json:"iterations"`
	WithHuman       bool `json:"with_human"`
	SkipCorrections bool `json:"skip_corrections"`
}

// Job represents a unit of long-running work persisted as one JSON document.
type Job struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Status          JobStatus       `json:"status"`
	Progress        int             `json:"progress"`
	CurrentPhase    string          `json:"current_phase"`
	Summary         string          `json:"summary"`
	Tasks           []string        `json:"tasks"`
	Parameters      JobParams       `json:"parameters"`
	CancelRequested bool            `json:"cancel_requested"`
	CreatedAt       time.Time       `json:"created_at"`
	LastUpdated     time.Time       `json:"last_updated"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Results         json.RawMessage `json:"results,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
