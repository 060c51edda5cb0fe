package store

import (
	"context"
	"fmt"
)

// Health returns aggregated stage counts for the status surfaces.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	ctx = ensureContext(ctx)
	var summary HealthSummary

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM work_items`,
	).Scan(&summary.Cards); err != nil {
		return HealthSummary{}, fmt.Errorf("count work items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM stage_records GROUP BY status`,
	)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("count stage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return HealthSummary{}, fmt.Errorf("scan stage count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			summary.Pending = count
		case StatusRunning:
			summary.Running = count
		case StatusAwaitingReview:
			summary.AwaitingReview = count
		case StatusSucceeded:
			summary.Succeeded = count
		case StatusFailed:
			summary.Failed = count
		}
	}
	return summary, rows.Err()
}

// RunningRecords returns every in-flight stage record.
func (s *Store) RunningRecords(ctx context.Context) ([]*StageRecord, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stageRecordColumns+" FROM stage_records WHERE status = ?",
		StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list running records: %w", err)
	}
	defer rows.Close()

	var records []*StageRecord
	for rows.Next() {
		record, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan running record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// RecordsAwaitingReview returns scripts currently held for review.
func (s *Store) RecordsAwaitingReview(ctx context.Context) ([]*StageRecord, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stageRecordColumns+" FROM stage_records WHERE status = ?",
		StatusAwaitingReview,
	)
	if err != nil {
		return nil, fmt.Errorf("list review records: %w", err)
	}
	defer rows.Close()

	var records []*StageRecord
	for rows.Next() {
		record, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
