package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TTLs for pipeline entries. Scripts and stats survive a week so reviewers
// can take their time; audio and the voice marker only need to outlive one
// synthesis attempt.
const (
	ScriptTTL      = 7 * 24 * time.Hour
	AudioTTL       = 24 * time.Hour
	VoiceMarkerTTL = 24 * time.Hour
	StatsTTL       = 7 * 24 * time.Hour
)

// ScriptKey returns the entry key holding the working script for a card.
func ScriptKey(cardID string) string { return "soundbite:script:" + cardID }

// AudioKey returns the entry key holding synthesized audio for a card.
func AudioKey(cardID string) string { return "soundbite:audio:" + cardID }

// VoiceMarkerKey returns the approval idempotency marker key for a card.
func VoiceMarkerKey(cardID string) string { return "soundbite:voice:" + cardID }

// StatsKey returns the entry key holding generation stats for a card.
func StatsKey(cardID string) string { return "soundbite:stats:" + cardID }

// CardEntriesPattern matches every payload entry key belonging to a card.
func CardEntriesPattern(cardID string) string { return "soundbite:%:" + cardID }

// IdemEntriesPattern matches the trigger fingerprints claimed for a card.
// Idempotency keys embed the stage and fingerprint after the card id, so the
// payload pattern above never reaches them.
func IdemEntriesPattern(cardID string) string { return "soundbite:idem:" + cardID + ":%" }

// SetEntry stores a value under key. A zero TTL stores it without expiry.
func (s *Store) SetEntry(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO entries (key, value, expires_at) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiryString(ttl),
	); err != nil {
		return fmt.Errorf("set entry %q: %w", key, err)
	}
	return nil
}

// SetEntryNX stores a value only when the key is absent or expired. It
// returns true when this call claimed the key.
func (s *Store) SetEntryNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx = ensureContext(ctx)
	var claimed bool
	err := retryOnBusy(ctx, func() error {
		claimed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE key = ? AND expires_at IS NOT NULL AND expires_at < ?`,
			key, nowString(),
		); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entries (key, value, expires_at) VALUES (?, ?, ?)`,
			key, value, expiryString(ttl),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = affected == 1
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("set entry nx %q: %w", key, err)
	}
	return claimed, nil
}

// GetEntry fetches a value by key. Expired entries read as absent.
func (s *Store) GetEntry(ctx context.Context, key string) (string, bool, error) {
	ctx = ensureContext(ctx)
	var (
		value      string
		expiresRaw sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM entries WHERE key = ?`, key,
	).Scan(&value, &expiresRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get entry %q: %w", key, err)
	}
	if expiresRaw.Valid {
		if expires, err := parseTimeString(expiresRaw.String); err == nil && expires.Before(time.Now().UTC()) {
			return "", false, nil
		}
	}
	return value, true, nil
}

// DeleteEntry removes a key.
func (s *Store) DeleteEntry(ctx context.Context, key string) error {
	if err := s.execWithoutResultRetry(ctx,
		`DELETE FROM entries WHERE key = ?`, key,
	); err != nil {
		return fmt.Errorf("delete entry %q: %w", key, err)
	}
	return nil
}

// DeleteEntriesLike removes every key matching a SQL LIKE pattern.
func (s *Store) DeleteEntriesLike(ctx context.Context, pattern string) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM entries WHERE key LIKE ?`, pattern,
	)
	if err != nil {
		return 0, fmt.Errorf("delete entries like %q: %w", pattern, err)
	}
	return res.RowsAffected()
}

// MergeEntryJSON folds fields into the JSON object stored under key,
// creating it when absent. The TTL is refreshed on every merge.
func (s *Store) MergeEntryJSON(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	current := map[string]any{}
	if value, ok, err := s.GetEntry(ctx, key); err != nil {
		return err
	} else if ok && value != "" {
		if err := json.Unmarshal([]byte(value), &current); err != nil {
			return fmt.Errorf("merge entry %q: %w", key, err)
		}
	}
	for name, value := range fields {
		current[name] = value
	}
	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("merge entry %q: %w", key, err)
	}
	return s.SetEntry(ctx, key, string(merged), ttl)
}

// SweepExpiredEntries deletes entries past their expiry. Run from the
// maintenance schedule.
func (s *Store) SweepExpiredEntries(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
		nowString(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	return res.RowsAffected()
}

// expiryString maps a TTL to the stored expires_at column. Zero means no
// expiry; a negative TTL yields an already-past timestamp, matching the
// SETEX contract where any non-zero duration counts down.
func expiryString(ttl time.Duration) any {
	if ttl == 0 {
		return nil
	}
	return time.Now().UTC().Add(ttl).Format(time.RFC3339Nano)
}
