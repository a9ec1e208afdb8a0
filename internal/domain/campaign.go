package domain

import (
	"time"

	"github.com/google/uuid"
)

// Campaign groups call attempts under one dialing programme. Inactive
// campaigns refuse new calls but keep serving lookups.
type Campaign struct {
	ID          uuid.UUID
	Name        string
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TargetState tracks a roster number through the dial backlog.
type TargetState string

const (
	TargetStateRegistered TargetState = "registered"
	TargetStatePending    TargetState = "pending"
	TargetStateDispatched TargetState = "dispatched"
	TargetStateFailed     TargetState = "failed"
)

// DialTarget is one roster phone number of a campaign. Registered targets sit
// on the roster; pending ones wait for the dial sweep to admit them.
type DialTarget struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	PhoneNumber string
	State       TargetState
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
