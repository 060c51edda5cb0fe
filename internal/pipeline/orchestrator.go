package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/queue"
	"soundbite/internal/store"
)

// Board is the slice of the board API the orchestrator and error handler
// mutate. Label and comment writes are best-effort mirrors of store state.
type Board interface {
	AddLabel(ctx context.Context, cardID, name string) error
	RemoveLabel(ctx context.Context, cardID, name string) error
	AddComment(ctx context.Context, cardID, text string) error
}

// revisionMaxAttempts leaves headroom for busy-slot redeliveries while a
// concurrent revision holds the per-card revision lock.
const revisionMaxAttempts = 20

// Orchestrator decides, per inbound event, which stage to enqueue next. It is
// the only writer of stage status transitions; handlers report back through
// the executor.
type Orchestrator struct {
	store  *store.Store
	queue  *queue.Queue
	board  Board
	labels config.Labels
	lease  int
	logger *slog.Logger
}

// NewOrchestrator wires the orchestrator against the shared store and queue.
func NewOrchestrator(st *store.Store, q *queue.Queue, boardSvc Board, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  st,
		queue:  q,
		board:  boardSvc,
		labels: cfg.Labels,
		lease:  cfg.Workflow.LeaseSeconds,
		logger: logging.NewComponentLogger(logger, "orchestrator"),
	}
}

// Handle routes one normalized event. Duplicate fingerprints and lost
// compare-and-set races come back as rejections, not errors; contention is
// expected under at-least-once webhook delivery.
func (o *Orchestrator) Handle(ctx context.Context, event Event) (Decision, error) {
	if event.CardID == "" {
		return Decision{Outcome: OutcomeIgnored, Reason: "missing card id"}, nil
	}
	switch event.Kind {
	case EventLabelAdded:
		return o.handleTrigger(ctx, event)
	case EventCommentPosted, EventManualEdit:
		return o.handleRevision(ctx, event)
	case EventApprovalGranted:
		return o.handleApproval(ctx, event)
	default:
		return Decision{Outcome: OutcomeIgnored, Reason: fmt.Sprintf("unknown event kind %q", event.Kind)}, nil
	}
}

func (o *Orchestrator) handleTrigger(ctx context.Context, event Event) (Decision, error) {
	if event.ShowLabel == "" {
		return Decision{Outcome: OutcomeIgnored, Stage: store.StageScript, Reason: "no show label"}, nil
	}
	if _, err := o.store.EnsureWorkItem(ctx, event.CardID, event.CardName, event.ShowLabel, ""); err != nil {
		return Decision{}, err
	}

	fingerprintKey := idemKey(event.CardID, store.StageScript, event.Fingerprint)
	claimed, err := o.store.SetEntryNX(ctx, fingerprintKey, "1", idemTTL)
	if err != nil {
		return Decision{}, err
	}
	if !claimed {
		return Decision{Outcome: OutcomeRejected, Stage: store.StageScript, Reason: "duplicate"}, nil
	}

	began, err := o.store.BeginStage(ctx, event.CardID, store.StageScript, event.Fingerprint)
	if err != nil {
		return Decision{}, err
	}
	if !began {
		return Decision{Outcome: OutcomeRejected, Stage: store.StageScript, Reason: o.scriptRefusalReason(ctx, event.CardID)}, nil
	}

	o.mutateLabel(ctx, event.CardID, o.labels.Error, false)
	o.mutateLabel(ctx, event.CardID, o.labels.Writing, true)

	taskID, err := o.enqueue(ctx, TaskScript, event, store.StageScript, TaskPayload{
		CardID:      event.CardID,
		CardName:    event.CardName,
		ShowLabel:   event.ShowLabel,
		Fingerprint: event.Fingerprint,
	}, 0)
	if err != nil {
		o.unwindStageClaim(ctx, event.CardID, store.StageScript, fingerprintKey)
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeEnqueued, Stage: store.StageScript, TaskID: taskID}, nil
}

func (o *Orchestrator) handleRevision(ctx context.Context, event Event) (Decision, error) {
	record, err := o.store.StageRecord(ctx, event.CardID, store.StageScript)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{Outcome: OutcomeIgnored, Stage: store.StageScript, Reason: "unknown card"}, nil
		}
		return Decision{}, err
	}
	if record.Status != store.StatusAwaitingReview {
		return Decision{Outcome: OutcomeRejected, Stage: store.StageScript, Reason: "not awaiting review"}, nil
	}

	revisionKey := idemKey(event.CardID, store.StageScript, "rev:"+event.Fingerprint)
	claimed, err := o.store.SetEntryNX(ctx, revisionKey, "1", idemTTL)
	if err != nil {
		return Decision{}, err
	}
	if !claimed {
		return Decision{Outcome: OutcomeRejected, Stage: store.StageScript, Reason: "duplicate"}, nil
	}

	taskID, err := o.enqueue(ctx, TaskRevision, event, store.StageScript, TaskPayload{
		CardID:      event.CardID,
		CardName:    event.CardName,
		ShowLabel:   event.ShowLabel,
		Fingerprint: event.Fingerprint,
		Text:        event.Text,
		ManualEdit:  event.Kind == EventManualEdit,
	}, revisionMaxAttempts)
	if err != nil {
		// No stage was claimed for a revision; freeing the fingerprint
		// is enough for a redelivery to try again.
		o.releaseMarker(ctx, revisionKey)
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeEnqueued, Stage: store.StageScript, Reason: "revision", TaskID: taskID}, nil
}

func (o *Orchestrator) handleApproval(ctx context.Context, event Event) (Decision, error) {
	record, err := o.store.StageRecord(ctx, event.CardID, store.StageScript)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{Outcome: OutcomeIgnored, Stage: store.StageVoice, Reason: "unknown card"}, nil
		}
		return Decision{}, err
	}

	marker := store.VoiceMarkerKey(event.CardID)
	claimed, err := o.store.SetEntryNX(ctx, marker, event.Fingerprint, store.VoiceMarkerTTL)
	if err != nil {
		return Decision{}, err
	}
	if !claimed {
		return Decision{Outcome: OutcomeRejected, Stage: store.StageVoice, Reason: "duplicate approval"}, nil
	}

	approved, err := o.store.ApproveScript(ctx, event.CardID)
	if err != nil {
		return Decision{}, err
	}
	stage := store.StageVoice
	taskType := TaskVoice
	if !approved {
		// A fresh approval may legitimately retry a failed voice or
		// delivery stage. Anything else is an invalid transition.
		retry, err := o.approvalRetryStage(ctx, event.CardID, record)
		if err != nil {
			return Decision{}, err
		}
		if retry == "" {
			o.releaseMarker(ctx, marker)
			return Decision{Outcome: OutcomeRejected, Stage: store.StageVoice, Reason: "not awaiting review"}, nil
		}
		stage = retry
		if stage == store.StageDelivery {
			taskType = TaskDelivery
		}
	}

	began, err := o.store.BeginStage(ctx, event.CardID, stage, event.Fingerprint)
	if err != nil {
		return Decision{}, err
	}
	if !began {
		o.releaseMarker(ctx, marker)
		return Decision{Outcome: OutcomeRejected, Stage: stage, Reason: "already running"}, nil
	}

	o.mutateLabel(ctx, event.CardID, o.labels.Review, false)
	if stage == store.StageVoice {
		o.mutateLabel(ctx, event.CardID, o.labels.Voicing, true)
	}

	taskID, err := o.enqueue(ctx, taskType, event, stage, TaskPayload{
		CardID:      event.CardID,
		CardName:    event.CardName,
		ShowLabel:   event.ShowLabel,
		Fingerprint: event.Fingerprint,
	}, 0)
	if err != nil {
		o.unwindStageClaim(ctx, event.CardID, stage, marker)
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeEnqueued, Stage: stage, TaskID: taskID}, nil
}

// approvalRetryStage reports which stage a repeated approval may restart
// after a prior failure. A failed voice stage restarts voice; a failed
// delivery stage restarts delivery alone; the synthesized audio entry is
// still stored.
func (o *Orchestrator) approvalRetryStage(ctx context.Context, cardID string, script *store.StageRecord) (store.Stage, error) {
	if script.Status != store.StatusSucceeded {
		return "", nil
	}
	voice, err := o.store.StageRecord(ctx, cardID, store.StageVoice)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	switch voice.Status {
	case store.StatusFailed:
		return store.StageVoice, nil
	case store.StatusSucceeded:
		delivery, err := o.store.StageRecord(ctx, cardID, store.StageDelivery)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", nil
			}
			return "", err
		}
		if delivery.Status == store.StatusFailed {
			return store.StageDelivery, nil
		}
	}
	return "", nil
}

func (o *Orchestrator) enqueue(ctx context.Context, taskType string, event Event, stage store.Stage, payload TaskPayload, maxAttempts int) (string, error) {
	body, err := EncodePayload(payload)
	if err != nil {
		return "", err
	}
	id, created, err := o.queue.Enqueue(ctx, queue.Task{
		Type:         taskType,
		Payload:      body,
		IdemKey:      idemKey(event.CardID, stage, taskType+":"+event.Fingerprint),
		LeaseSeconds: o.lease,
		MaxAttempts:  maxAttempts,
	})
	if err != nil {
		return "", err
	}
	if !created {
		o.logger.Warn("task already enqueued for fingerprint",
			logging.String("card_id", event.CardID),
			logging.String("task_type", taskType),
			logging.String("fingerprint", event.Fingerprint))
	}
	return id, nil
}

// mutateLabel mirrors pipeline progress onto the card. Mirroring is
// best-effort and non-transactional with the store; failures only log.
func (o *Orchestrator) mutateLabel(ctx context.Context, cardID, name string, add bool) {
	if o.board == nil || name == "" {
		return
	}
	var err error
	if add {
		err = o.board.AddLabel(ctx, cardID, name)
	} else {
		err = o.board.RemoveLabel(ctx, cardID, name)
	}
	if err != nil {
		o.logger.Warn("label mirror failed",
			logging.String("card_id", cardID),
			logging.String("label", name),
			logging.Bool("add", add),
			logging.Error(err))
	}
}

func (o *Orchestrator) releaseMarker(ctx context.Context, key string) {
	if err := o.store.DeleteEntry(ctx, key); err != nil {
		o.logger.Warn("release claim entry failed", logging.String("key", key), logging.Error(err))
	}
}

// unwindStageClaim is best-effort compensation for an enqueue that failed
// after the stage and its claim entry were already taken. Without it the card
// wedges: redeliveries reject as duplicates and fresh triggers see the stage
// running.
func (o *Orchestrator) unwindStageClaim(ctx context.Context, cardID string, stage store.Stage, key string) {
	if _, err := o.store.ReleaseStage(ctx, cardID, stage); err != nil {
		o.logger.Warn("release stage after enqueue failure",
			logging.String("card_id", cardID),
			logging.String("stage", string(stage)),
			logging.Error(err))
	}
	o.releaseMarker(ctx, key)
}

func (o *Orchestrator) scriptRefusalReason(ctx context.Context, cardID string) string {
	record, err := o.store.StageRecord(ctx, cardID, store.StageScript)
	if err != nil {
		return "already running"
	}
	switch record.Status {
	case store.StatusRunning:
		return "already running"
	case store.StatusAwaitingReview:
		return "awaiting review"
	case store.StatusSucceeded:
		return "script already approved"
	default:
		return "already running"
	}
}
