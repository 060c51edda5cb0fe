package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"soundbite/internal/store"
)

// EventKind identifies what kind of external trigger produced an event.
type EventKind string

const (
	EventLabelAdded      EventKind = "label_added"
	EventCommentPosted   EventKind = "comment_posted"
	EventApprovalGranted EventKind = "approval_granted"
	EventManualEdit      EventKind = "manual_edit"
)

// Event is a normalized external trigger for one card. Fingerprint uniquely
// identifies the underlying board action so redeliveries of the same webhook
// dedupe while a genuine re-trigger produces fresh work.
type Event struct {
	CardID      string
	CardName    string
	Kind        EventKind
	Fingerprint string
	ShowLabel   string
	Labels      []string
	Text        string
}

// Outcome classifies what the orchestrator did with an event.
type Outcome string

const (
	OutcomeEnqueued Outcome = "enqueued"
	OutcomeRejected Outcome = "rejected"
	OutcomeIgnored  Outcome = "ignored"
)

// Decision reports the orchestrator's handling of one event.
type Decision struct {
	Outcome Outcome
	Stage   store.Stage
	Reason  string
	TaskID  string
}

// Task types carried on the queue.
const (
	TaskScript   = "script"
	TaskRevision = "revision"
	TaskVoice    = "voice"
	TaskDelivery = "delivery"
)

// idemTTL bounds how long a trigger fingerprint suppresses redeliveries.
const idemTTL = 24 * time.Hour

// TaskPayload is the JSON body of every queued pipeline task.
type TaskPayload struct {
	CardID      string `json:"card_id"`
	CardName    string `json:"card_name"`
	ShowLabel   string `json:"show_label,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Text        string `json:"text,omitempty"`
	ManualEdit  bool   `json:"manual_edit,omitempty"`
}

// EncodePayload serializes a task payload for the queue.
func EncodePayload(payload TaskPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses a queued task body.
func DecodePayload(data []byte) (TaskPayload, error) {
	var payload TaskPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return TaskPayload{}, fmt.Errorf("decode task payload: %w", err)
	}
	if payload.CardID == "" {
		return TaskPayload{}, fmt.Errorf("task payload missing card id")
	}
	return payload, nil
}

func idemKey(cardID string, stage store.Stage, fingerprint string) string {
	return fmt.Sprintf("soundbite:idem:%s:%s:%s", cardID, stage, fingerprint)
}
