package model

import (
	"encoding/json"
	"time"
)

// WorkState is the lifecycle state of a work item.
type WorkState string

const (
	WorkPending   WorkState = "pending"
	WorkAssigned  WorkState = "assigned"
	WorkCompleted WorkState = "completed"
	WorkFailed    WorkState = "failed"
	WorkCancelled WorkState = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s WorkState) Terminal() bool {
	return s == WorkCompleted || s == WorkFailed || s == WorkCancelled
}

// Valid reports whether s is a known state.
func (s WorkState) Valid() bool {
	switch s {
	case WorkPending, WorkAssigned, WorkCompleted, WorkFailed, WorkCancelled:
		return true
	}
	return false
}

// Requirements narrow the set of nodes a work item may run on.
type Requirements struct {
	RequiresGPU            bool  `json:"requires_gpu"`
	MinTier                Tier  `json:"min_tier"`
	GPUCount               int   `json:"gpu_count,omitempty"`
	MBPerGPU               int64 `json:"mb_per_gpu,omitempty"`
	PreferFastInterconnect bool  `json:"prefer_fast_interconnect,omitempty"`
}

// NeedsGPUMemory reports whether placement must go through a reservation.
func (r Requirements) NeedsGPUMemory() bool {
	return r.RequiresGPU && r.GPUCount > 0 && r.MBPerGPU > 0
}

// SubmitRequest creates a work item. Requirements, when nil, are derived
// from the work type and model. TimeoutSeconds bounds how long one attempt
// may run; zero lets an attempt run for as long as its node stays online.
type SubmitRequest struct {
	WorkType       string          `json:"work_type"`
	Model          string          `json:"model"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Requirements   *Requirements   `json:"requirements,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// WorkItem is a unit of dispatchable work. LeaseExpires is when the current
// attempt's lease runs out unless the coordinator renews it.
type WorkItem struct {
	ID             string          `json:"id"`
	WorkType       string          `json:"work_type"`
	Model          string          `json:"model"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Requirements   Requirements    `json:"requirements"`
	State          WorkState       `json:"state"`
	NodeID         string          `json:"node_id,omitempty"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AssignedAt     *time.Time      `json:"assigned_at,omitempty"`
	LeaseExpires   *time.Time      `json:"lease_expires,omitempty"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	TerminalAt     *time.Time      `json:"terminal_at,omitempty"`
}

// Assignment is the dispatch message a node receives.
type Assignment struct {
	WorkID        string          `json:"work_id"`
	Attempt       int             `json:"attempt"`
	WorkType      string          `json:"work_type"`
	Model         string          `json:"model"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReservationID string          `json:"reservation_id,omitempty"`
	GPUIndices    []int           `json:"gpu_indices,omitempty"`
	LeaseExpires  *time.Time      `json:"lease_expires,omitempty"`
}

// Revocation tells a node to stop work it was assigned. Best effort.
type Revocation struct {
	WorkID  string `json:"work_id"`
	Attempt int    `json:"attempt"`
	Reason  string `json:"reason"`
}

// WorkReport is a node's outcome for one attempt. Error is set on failure.
type WorkReport struct {
	WorkID  string          `json:"work_id"`
	NodeID  string          `json:"node_id"`
	Attempt int             `json:"attempt"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}
