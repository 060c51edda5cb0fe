package store

import (
	"strings"
	"time"
)

// Stage identifies one of the three pipeline stages a card moves through.
type Stage string

const (
	StageScript   Stage = "script"
	StageVoice    Stage = "voice"
	StageDelivery Stage = "delivery"
)

var allStages = []Stage{StageScript, StageVoice, StageDelivery}

// AllStages returns the ordered list of pipeline stages.
func AllStages() []Stage {
	cp := make([]Stage, len(allStages))
	copy(cp, allStages)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StageScript, StageVoice, StageDelivery:
		return normalized, true
	}
	return "", false
}

// Status represents the lifecycle of a stage record.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting_review"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusAwaitingReview,
	StatusSucceeded,
	StatusFailed,
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if normalized == status {
			return normalized, true
		}
	}
	return "", false
}

type statusTransition struct {
	from Status
	to   Status
}

var validTransitions = map[statusTransition]struct{}{
	{from: StatusPending, to: StatusRunning}:          {},
	{from: StatusRunning, to: StatusPending}:          {},
	{from: StatusFailed, to: StatusRunning}:           {},
	{from: StatusRunning, to: StatusAwaitingReview}:   {},
	{from: StatusRunning, to: StatusSucceeded}:        {},
	{from: StatusRunning, to: StatusFailed}:           {},
	{from: StatusAwaitingReview, to: StatusSucceeded}: {},
	{from: StatusAwaitingReview, to: StatusFailed}:    {},
}

// ValidTransition reports whether a status change is allowed by the stage
// lifecycle. Only the script stage passes through awaiting_review.
func ValidTransition(stage Stage, from, to Status) bool {
	if to == StatusAwaitingReview && stage != StageScript {
		return false
	}
	_, ok := validTransitions[statusTransition{from: from, to: to}]
	return ok
}

// IsTerminal reports whether a status ends stage execution.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// WorkItem represents a board card tracked by the pipeline.
type WorkItem struct {
	ID        int64
	CardID    string
	CardName  string
	ShowLabel string
	ListID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageRecord tracks one stage's progress for a card.
type StageRecord struct {
	ID             int64
	CardID         string
	Stage          Stage
	Status         Status
	Fingerprint    string
	RevisionCount  int
	RevisionActive bool
	ErrorMessage   string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsRunning reports whether the record reflects an in-flight stage.
func (r StageRecord) IsRunning() bool {
	return r.Status == StatusRunning
}

// HealthSummary describes aggregated stage counts per key lifecycle states.
type HealthSummary struct {
	Cards          int
	Pending        int
	Running        int
	AwaitingReview int
	Succeeded      int
	Failed         int
}
