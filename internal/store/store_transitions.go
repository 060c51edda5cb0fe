package store

import (
	"context"
	"fmt"
)

// BeginStage attempts to move a stage from pending or failed to running and
// stamp the triggering fingerprint. It returns false when the record is in a
// different status or when another stage for the card already runs; the
// partial unique index rejects a second running row.
func (s *Store) BeginStage(ctx context.Context, cardID string, stage Stage, fingerprint string) (bool, error) {
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records
         SET status = ?, fingerprint = ?, error_message = NULL, started_at = ?, finished_at = NULL, updated_at = ?
         WHERE card_id = ? AND stage = ? AND status IN (?, ?)`,
		StatusRunning, fingerprint, now, now,
		cardID, stage, StatusPending, StatusFailed,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("begin stage %s: %w", stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("begin stage %s: %w", stage, err)
	}
	return affected == 1, nil
}

// ReleaseStage reverts a running stage to pending and clears its
// fingerprint. Used to unwind a claim whose task never reached the queue, so
// a redelivered event can start the stage over.
func (s *Store) ReleaseStage(ctx context.Context, cardID string, stage Stage) (bool, error) {
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records
         SET status = ?, fingerprint = NULL, started_at = NULL, updated_at = ?
         WHERE card_id = ? AND stage = ? AND status = ?`,
		StatusPending, now,
		cardID, stage, StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("release stage %s: %w", stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release stage %s: %w", stage, err)
	}
	return affected == 1, nil
}

// MarkAwaitingReview moves a running script stage into the human review hold.
func (s *Store) MarkAwaitingReview(ctx context.Context, cardID string) (bool, error) {
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records
         SET status = ?, updated_at = ?
         WHERE card_id = ? AND stage = ? AND status = ?`,
		StatusAwaitingReview, now,
		cardID, StageScript, StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("mark awaiting review: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark awaiting review: %w", err)
	}
	return affected == 1, nil
}

// FinishStage moves a running stage to succeeded.
func (s *Store) FinishStage(ctx context.Context, cardID string, stage Stage) (bool, error) {
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records
         SET status = ?, finished_at = ?, updated_at = ?
         WHERE card_id = ? AND stage = ? AND status = ?`,
		StatusSucceeded, now, now,
		cardID, stage, StatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("finish stage %s: %w", stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish stage %s: %w", stage, err)
	}
	return affected == 1, nil
}

// FailStage moves a running or review-held stage to failed with a message.
func (s *Store) FailStage(ctx context.Context, cardID string, stage Stage, message string) (bool, error) {
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records
         SET status = ?, error_message = ?, revision_active = 0, finished_at = ?, updated_at = ?
         WHERE card_id = ? AND stage = ? AND status IN (?, ?)`,
		StatusFailed, message, now, now,
		cardID, stage, StatusRunning, StatusAwaitingReview,
	)
	if err != nil {
		return false, fmt.Errorf("fail stage %s: %w", stage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail stage %s: %w", stage, err)
	}
	return affected == 1, nil
}

// ApproveScript moves the script stage from awaiting_review to succeeded.
// Returns false when the script is not held for review, which makes duplicate
// approval events no-ops.
func (s *Store) ApproveScript(ctx context.Context, cardID string) (bool, error) {
	now := nowString()
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records
         SET status = ?, revision_active = 0, finished_at = ?, updated_at = ?
         WHERE card_id = ? AND stage = ? AND status = ?`,
		StatusSucceeded, now, now,
		cardID, StageScript, StatusAwaitingReview,
	)
	if err != nil {
		return false, fmt.Errorf("approve script: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve script: %w", err)
	}
	return affected == 1, nil
}

// AcquireRevision claims the single revision slot for a review-held script.
// A second caller gets false until ReleaseRevision runs.
func (s *Store) AcquireRevision(ctx context.Context, cardID string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records
         SET revision_active = 1, updated_at = ?
         WHERE card_id = ? AND stage = ? AND status = ? AND revision_active = 0`,
		nowString(),
		cardID, StageScript, StatusAwaitingReview,
	)
	if err != nil {
		return false, fmt.Errorf("acquire revision: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire revision: %w", err)
	}
	return affected == 1, nil
}

// ReleaseRevision frees the revision slot.
func (s *Store) ReleaseRevision(ctx context.Context, cardID string) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE stage_records SET revision_active = 0, updated_at = ? WHERE card_id = ? AND stage = ?`,
		nowString(), cardID, StageScript,
	); err != nil {
		return fmt.Errorf("release revision: %w", err)
	}
	return nil
}

// IncrementRevision bumps the script revision counter.
func (s *Store) IncrementRevision(ctx context.Context, cardID string) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE stage_records SET revision_count = revision_count + 1, updated_at = ? WHERE card_id = ? AND stage = ?`,
		nowString(), cardID, StageScript,
	); err != nil {
		return fmt.Errorf("increment revision: %w", err)
	}
	return nil
}

// ResetStages returns every stage for a card to pending, clearing
// fingerprints, errors, and revision state. Used by the admin reset surface.
func (s *Store) ResetStages(ctx context.Context, cardID string) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records
         SET status = ?, fingerprint = NULL, revision_count = 0, revision_active = 0,
             error_message = NULL, started_at = NULL, finished_at = NULL, updated_at = ?
         WHERE card_id = ?`,
		StatusPending, nowString(), cardID,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stages: %w", err)
	}
	return res.RowsAffected()
}
