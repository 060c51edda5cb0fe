package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

const workItemColumns = "id, card_id, card_name, show_label, list_id, created_at, updated_at"

const stageRecordColumns = "id, card_id, stage, status, fingerprint, revision_count, revision_active, error_message, started_at, finished_at, created_at, updated_at"

func scanWorkItem(scanner interface{ Scan(dest ...any) error }) (*WorkItem, error) {
	var (
		id         int64
		cardID     string
		cardName   sql.NullString
		showLabel  sql.NullString
		listID     sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &cardID, &cardName, &showLabel, &listID, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	item := &WorkItem{
		ID:        id,
		CardID:    cardID,
		CardName:  cardName.String,
		ShowLabel: showLabel.String,
		ListID:    listID.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}

func scanStageRecord(scanner interface{ Scan(dest ...any) error }) (*StageRecord, error) {
	var (
		id             int64
		cardID         string
		stageStr       string
		statusStr      string
		fingerprint    sql.NullString
		revisionCount  sql.NullInt64
		revisionActive sql.NullInt64
		errorMessage   sql.NullString
		startedRaw     sql.NullString
		finishedRaw    sql.NullString
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&cardID,
		&stageStr,
		&statusStr,
		&fingerprint,
		&revisionCount,
		&revisionActive,
		&errorMessage,
		&startedRaw,
		&finishedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	record := &StageRecord{
		ID:           id,
		CardID:       cardID,
		Stage:        Stage(stageStr),
		Status:       Status(statusStr),
		Fingerprint:  fingerprint.String,
		ErrorMessage: errorMessage.String,
	}
	if revisionCount.Valid {
		record.RevisionCount = int(revisionCount.Int64)
	}
	if revisionActive.Valid {
		record.RevisionActive = revisionActive.Int64 != 0
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			record.StartedAt = &started
		}
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			record.FinishedAt = &finished
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		record.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}

// EnsureWorkItem creates or refreshes the work item for a card and seeds a
// pending stage record per stage. Safe to call on every event, including
// concurrent duplicates; lock contention between racing upserts retries
// instead of surfacing SQLITE_BUSY.
func (s *Store) EnsureWorkItem(ctx context.Context, cardID, cardName, showLabel, listID string) (*WorkItem, error) {
	ctx = ensureContext(ctx)
	var item *WorkItem
	if err := retryOnBusy(ctx, func() error {
		upserted, err := s.upsertWorkItem(ctx, cardID, cardName, showLabel, listID)
		if err != nil {
			return err
		}
		item = upserted
		return nil
	}); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Store) upsertWorkItem(ctx context.Context, cardID, cardName, showLabel, listID string) (*WorkItem, error) {
	now := nowString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin work item tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO work_items (card_id, card_name, show_label, list_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(card_id) DO UPDATE SET
             card_name = excluded.card_name,
             show_label = CASE WHEN excluded.show_label != '' THEN excluded.show_label ELSE work_items.show_label END,
             list_id = CASE WHEN excluded.list_id != '' THEN excluded.list_id ELSE work_items.list_id END,
             updated_at = excluded.updated_at`,
		cardID, nullableString(cardName), showLabel, listID, now, now,
	); err != nil {
		return nil, fmt.Errorf("upsert work item: %w", err)
	}

	for _, stage := range allStages {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO stage_records (card_id, stage, status, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?)`,
			cardID, stage, StatusPending, now, now,
		); err != nil {
			return nil, fmt.Errorf("seed stage record %s: %w", stage, err)
		}
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+workItemColumns+" FROM work_items WHERE card_id = ?", cardID)
	item, err := scanWorkItem(row)
	if err != nil {
		return nil, fmt.Errorf("read work item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit work item: %w", err)
	}
	return item, nil
}

// GetWorkItem fetches the work item for a card.
func (s *Store) GetWorkItem(ctx context.Context, cardID string) (*WorkItem, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+workItemColumns+" FROM work_items WHERE card_id = ?", cardID)
	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work item: %w", err)
	}
	return item, nil
}

// ListWorkItems returns all tracked cards, most recently updated first.
func (s *Store) ListWorkItems(ctx context.Context) ([]*WorkItem, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+workItemColumns+" FROM work_items ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// StageRecord fetches one stage record for a card.
func (s *Store) StageRecord(ctx context.Context, cardID string, stage Stage) (*StageRecord, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+stageRecordColumns+" FROM stage_records WHERE card_id = ? AND stage = ?",
		cardID, stage)
	record, err := scanStageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stage record: %w", err)
	}
	return record, nil
}

// StageRecords returns all stage records for a card in pipeline order.
func (s *Store) StageRecords(ctx context.Context, cardID string) ([]*StageRecord, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stageRecordColumns+` FROM stage_records WHERE card_id = ?
         ORDER BY CASE stage WHEN 'script' THEN 0 WHEN 'voice' THEN 1 ELSE 2 END`,
		cardID)
	if err != nil {
		return nil, fmt.Errorf("list stage records: %w", err)
	}
	defer rows.Close()

	var records []*StageRecord
	for rows.Next() {
		record, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteWorkItem removes a card and its stage records.
func (s *Store) DeleteWorkItem(ctx context.Context, cardID string) error {
	if err := s.execWithoutResultRetry(ctx,
		"DELETE FROM work_items WHERE card_id = ?", cardID); err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	return nil
}
