package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/queue"
	"soundbite/internal/services"
	"soundbite/internal/store"
)

// StageHandler executes one stage's external-call chain for a leased task.
// Handlers own their attachments and result entries; status transitions stay
// with the executor.
type StageHandler interface {
	Execute(ctx context.Context, payload TaskPayload) error
}

// Handlers groups the stage handlers the executor dispatches to.
type Handlers struct {
	Script   StageHandler
	Revision StageHandler
	Voice    StageHandler
	Delivery StageHandler
}

// Executor runs leased queue tasks through their stage handlers and persists
// the resulting transitions. Voice success auto-advances to delivery without
// waiting for another external event.
type Executor struct {
	store         *store.Store
	queue         *queue.Queue
	handlers      Handlers
	errs          *ErrorHandler
	lease         int
	revisionRetry time.Duration
	errorRetry    time.Duration
	logger        *slog.Logger
}

// NewExecutor wires an executor for the daemon's worker pool.
func NewExecutor(st *store.Store, q *queue.Queue, handlers Handlers, errs *ErrorHandler, cfg *config.Config, logger *slog.Logger) *Executor {
	return &Executor{
		store:         st,
		queue:         q,
		handlers:      handlers,
		errs:          errs,
		lease:         cfg.Workflow.LeaseSeconds,
		revisionRetry: time.Duration(cfg.Workflow.RevisionRetryDelay) * time.Second,
		errorRetry:    time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		logger:        logging.NewComponentLogger(logger, "executor"),
	}
}

// Execute runs one leased task to completion. Returned errors are internal
// (store or queue trouble); stage failures are absorbed into the failed
// status and the error surface.
func (e *Executor) Execute(ctx context.Context, task *queue.Task) error {
	payload, err := DecodePayload(task.Payload)
	if err != nil {
		return e.queue.Fail(ctx, task.ID, err.Error())
	}

	log := e.logger.With(
		logging.String("task_id", task.ID),
		logging.String("task_type", task.Type),
		logging.String("card_id", payload.CardID))

	switch task.Type {
	case TaskScript:
		if err := e.handlers.Script.Execute(ctx, payload); err != nil {
			return e.fail(ctx, task, payload, store.StageScript, err)
		}
		if _, err := e.store.MarkAwaitingReview(ctx, payload.CardID); err != nil {
			return err
		}
		log.Info("script stage awaiting review")
		return e.queue.Succeed(ctx, task.ID)

	case TaskRevision:
		return e.executeRevision(ctx, task, payload, log)

	case TaskVoice:
		if err := e.handlers.Voice.Execute(ctx, payload); err != nil {
			return e.fail(ctx, task, payload, store.StageVoice, err)
		}
		if _, err := e.store.FinishStage(ctx, payload.CardID, store.StageVoice); err != nil {
			return err
		}
		if err := e.advanceToDelivery(ctx, payload); err != nil {
			return err
		}
		log.Info("voice stage complete, delivery enqueued")
		return e.queue.Succeed(ctx, task.ID)

	case TaskDelivery:
		if err := e.handlers.Delivery.Execute(ctx, payload); err != nil {
			return e.fail(ctx, task, payload, store.StageDelivery, err)
		}
		if _, err := e.store.FinishStage(ctx, payload.CardID, store.StageDelivery); err != nil {
			return err
		}
		log.Info("delivery stage complete")
		return e.queue.Succeed(ctx, task.ID)

	default:
		return e.queue.Fail(ctx, task.ID, fmt.Sprintf("unknown task type %q", task.Type))
	}
}

// executeRevision serializes on the per-card revision slot. A busy slot is
// not a failure; the task goes back to the queue for a later delivery.
func (e *Executor) executeRevision(ctx context.Context, task *queue.Task, payload TaskPayload, log *slog.Logger) error {
	acquired, err := e.store.AcquireRevision(ctx, payload.CardID)
	if err != nil {
		return err
	}
	if !acquired {
		log.Debug("revision slot busy, redelivering")
		return e.queue.Retry(ctx, task.ID, "revision in progress", e.revisionRetry)
	}
	defer func() {
		if err := e.store.ReleaseRevision(ctx, payload.CardID); err != nil {
			log.Warn("release revision slot failed", logging.Error(err))
		}
	}()

	if err := e.handlers.Revision.Execute(ctx, payload); err != nil {
		return e.fail(ctx, task, payload, store.StageScript, err)
	}
	if err := e.store.IncrementRevision(ctx, payload.CardID); err != nil {
		return err
	}
	log.Info("revision applied")
	return e.queue.Succeed(ctx, task.ID)
}

func (e *Executor) advanceToDelivery(ctx context.Context, payload TaskPayload) error {
	began, err := e.store.BeginStage(ctx, payload.CardID, store.StageDelivery, payload.Fingerprint)
	if err != nil {
		return err
	}
	if !began {
		// A concurrent approval already advanced this card.
		e.logger.Warn("delivery stage not eligible after voice",
			logging.String("card_id", payload.CardID))
		return nil
	}
	body, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	_, _, err = e.queue.Enqueue(ctx, queue.Task{
		Type:         TaskDelivery,
		Payload:      body,
		IdemKey:      idemKey(payload.CardID, store.StageDelivery, TaskDelivery+":"+payload.Fingerprint),
		LeaseSeconds: e.lease,
	})
	return err
}

// fail routes a stage failure. Transient errors ride the queue's delivery
// retry while attempts remain; everything else is terminal for this trigger.
func (e *Executor) fail(ctx context.Context, task *queue.Task, payload TaskPayload, stage store.Stage, cause error) error {
	if services.IsRetryable(cause) && task.Attempts < task.MaxAttempts {
		e.logger.Warn("transient stage failure, redelivering",
			logging.String("task_id", task.ID),
			logging.String("card_id", payload.CardID),
			logging.String("stage", string(stage)),
			logging.Int("attempt", task.Attempts),
			logging.Error(cause))
		return e.queue.Retry(ctx, task.ID, cause.Error(), e.errorRetry)
	}
	e.errs.Handle(ctx, payload.CardID, payload.CardName, stage, cause)
	return e.queue.Fail(ctx, task.ID, cause.Error())
}
