package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/taleforge/taleforge/internal/storage"
)

// PutSession persists one session row with its serialized snapshot.
func (s *Store) PutSession(ctx context.Context, record storage.SessionRecord) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	snapshotJSON, err := json.Marshal(record.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (id, campaign_id, snapshot, version, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET snapshot = excluded.snapshot, version = excluded.version
`, record.ID, record.CampaignID, string(snapshotJSON), record.Version, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession returns one session by id, including its current snapshot and
// snapshot version.
func (s *Store) GetSession(ctx context.Context, id string) (storage.SessionRecord, error) {
	if s == nil || s.sqlDB == nil {
		return storage.SessionRecord{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, campaign_id, snapshot, version, created_at
FROM sessions
WHERE id = ?
`, strings.TrimSpace(id))

	var record storage.SessionRecord
	var snapshotJSON string
	var createdAt int64
	if err := row.Scan(&record.ID, &record.CampaignID, &snapshotJSON, &record.Version, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	if snapshotJSON != "" {
		if err := json.Unmarshal([]byte(snapshotJSON), &record.Snapshot); err != nil {
			return storage.SessionRecord{}, fmt.Errorf("unmarshal session snapshot: %w", err)
		}
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// UpdateSessionSnapshot replaces the snapshot only when the stored version
// still equals expectedVersion. The conditional UPDATE is the compare-and-set
// that keeps PendingRoll single-writer under concurrent actions.
func (s *Store) UpdateSessionSnapshot(ctx context.Context, id string, expectedVersion int64, snapshot storage.SessionSnapshot) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, fmt.Errorf("session id is required")
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("marshal session snapshot: %w", err)
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sessions
SET snapshot = ?, version = version + 1
WHERE id = ? AND version = ?
`, string(snapshotJSON), id, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update session snapshot: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update session snapshot rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSession(ctx, id); errors.Is(err, storage.ErrNotFound) {
			return 0, storage.ErrNotFound
		}
		return 0, storage.ErrSnapshotVersionConflict
	}
	return expectedVersion + 1, nil
}

// AppendAction appends one immutable player action row.
func (s *Store) AppendAction(ctx context.Context, record storage.ActionRecord) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("action id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO player_actions (id, session_id, player_id, action_text, created_at)
VALUES (?, ?, ?, ?, ?)
`, record.ID, record.SessionID, record.PlayerID, record.Text, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

// AppendLogEntry appends one immutable log entry and returns the assigned
// sequence number. Sequence numbers are strictly monotonic per session
// because AUTOINCREMENT never reuses rowids.
func (s *Store) AppendLogEntry(ctx context.Context, record storage.LogEntryRecord) (int64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.SessionID) == "" {
		return 0, fmt.Errorf("session id is required")
	}
	var structured any
	if len(record.StructuredJSON) > 0 {
		structured = string(record.StructuredJSON)
	}
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO session_log_entries (session_id, kind, message, structured_json, created_at)
VALUES (?, ?, ?, ?, ?)
`, record.SessionID, record.Kind, record.Message, structured, toMillis(record.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("append log entry: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append log entry insert id: %w", err)
	}
	return seq, nil
}

// ListRecentLogEntries returns up to limit newest entries in ascending order.
func (s *Store) ListRecentLogEntries(ctx context.Context, sessionID string, limit int) ([]storage.LogEntryRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, session_id, kind, message, structured_json, created_at
FROM (
    SELECT seq, session_id, kind, message, structured_json, created_at
    FROM session_log_entries
    WHERE session_id = ?
    ORDER BY seq DESC
    LIMIT ?
)
ORDER BY seq ASC
`, strings.TrimSpace(sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent log entries: %w", err)
	}
	defer rows.Close()
	return collectLogEntries(rows)
}

// ListLogEntries returns the full session log in ascending order.
func (s *Store) ListLogEntries(ctx context.Context, sessionID string) ([]storage.LogEntryRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, session_id, kind, message, structured_json, created_at
FROM session_log_entries
WHERE session_id = ?
ORDER BY seq ASC
`, strings.TrimSpace(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()
	return collectLogEntries(rows)
}

func collectLogEntries(rows *sql.Rows) ([]storage.LogEntryRecord, error) {
	var records []storage.LogEntryRecord
	for rows.Next() {
		var record storage.LogEntryRecord
		var structured sql.NullString
		var createdAt int64
		if err := rows.Scan(&record.Seq, &record.SessionID, &record.Kind, &record.Message, &structured, &createdAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if structured.Valid {
			record.StructuredJSON = []byte(structured.String)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log entry rows: %w", err)
	}
	return records, nil
}
