// Package scheduler drives recurring ingestion cycles over the active
// tracked symbols.
package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrCycleInProgress is returned when a cycle is requested while another runs.
var ErrCycleInProgress = errors.New("ingestion cycle already in progress")

// SystemicError means the cycle could not do useful work at all, as opposed
// to individual symbols failing.
type SystemicError struct {
	CycleID string
	Err     error
}

func (e *SystemicError) Error() string {
	return fmt.Sprintf("cycle %s: systemic failure: %v", e.CycleID, e.Err)
}

func (e *SystemicError) Unwrap() error { return e.Err }

// CycleReport summarises one cycle.
type CycleReport struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Symbols    int               `json:"symbols"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Recovered  int               `json:"recovered"`
	Failures   map[string]string `json:"failures,omitempty"`
}

// Options controls cycle timing and parallelism.
type Options struct {
	Interval     time.Duration
	Timeout      time.Duration
	SymbolBudget time.Duration
	Workers      int
	RunOnStart   bool
}
