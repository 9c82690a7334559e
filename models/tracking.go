package models

import (
	"time"
)

// PullStatus is the outcome of the most recent ingestion attempt for a symbol.
type PullStatus string

const (
	PullPending  PullStatus = "PENDING"
	PullSuccess  PullStatus = "SUCCESS"
	PullFailed   PullStatus = "FAILED"
	PullDisabled PullStatus = "DISABLED"
)

// TrackedSymbol is a ticker registered for recurring ingestion
type TrackedSymbol struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Symbol         string     `gorm:"size:10;uniqueIndex;not null" json:"symbol"`
	IsActive       bool       `gorm:"not null;default:true;index" json:"is_active"`
	LastPullDate   *time.Time `json:"last_pull_date"`
	LastPullStatus PullStatus `gorm:"size:16;not null;default:'PENDING'" json:"last_pull_status"`
	ErrorMessage   *string    `json:"error_message"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StagedState is the lifecycle position of a staged raw payload.
type StagedState string

const (
	StagedRaw        StagedState = "raw"
	StagedParsed     StagedState = "parsed"
	StagedDeadletter StagedState = "deadletter"
)

// StagedFile is a fetched page persisted on disk. It is not stored in the database.
type StagedFile struct {
	Path      string      `json:"path"`
	Symbol    string      `json:"symbol"`
	FetchedAt time.Time   `json:"fetched_at"`
	State     StagedState `json:"state"`
}
