package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taleforge/taleforge/internal/storage"
)

// PutSegment persists one campaign segment row. The trigger guard is only
// ever flipped through MarkSegmentTriggered, so upserts preserve it.
func (s *Store) PutSegment(ctx context.Context, record storage.SegmentRecord) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("segment id is required")
	}
	triggered := 0
	if record.IsTriggered {
		triggered = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO campaign_segments (id, campaign_id, title, description, trigger_condition, is_triggered, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    campaign_id = excluded.campaign_id,
    title = excluded.title,
    description = excluded.description,
    trigger_condition = excluded.trigger_condition
`, record.ID, record.CampaignID, record.Title, record.Description, record.TriggerCondition, triggered, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("put segment: %w", err)
	}
	return nil
}

// ListUntriggeredSegments returns segments whose guard has not fired.
func (s *Store) ListUntriggeredSegments(ctx context.Context, campaignID string) ([]storage.SegmentRecord, error) {
	return s.listSegments(ctx, campaignID, false)
}

// ListTriggeredSegments returns segments whose guard has fired.
func (s *Store) ListTriggeredSegments(ctx context.Context, campaignID string) ([]storage.SegmentRecord, error) {
	return s.listSegments(ctx, campaignID, true)
}

func (s *Store) listSegments(ctx context.Context, campaignID string, triggered bool) ([]storage.SegmentRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	want := 0
	if triggered {
		want = 1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, campaign_id, title, description, trigger_condition, is_triggered, created_at
FROM campaign_segments
WHERE campaign_id = ? AND is_triggered = ?
ORDER BY created_at, id
`, strings.TrimSpace(campaignID), want)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()
	return collectSegments(rows)
}

// MarkSegmentTriggered flips the single-fire guard. The conditional UPDATE
// guarantees exactly one caller observes the transition even under
// concurrent evaluation.
func (s *Store) MarkSegmentTriggered(ctx context.Context, segmentID string) (bool, error) {
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE campaign_segments
SET is_triggered = 1
WHERE id = ? AND is_triggered = 0
`, strings.TrimSpace(segmentID))
	if err != nil {
		return false, fmt.Errorf("mark segment triggered: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark segment triggered rows affected: %w", err)
	}
	return affected > 0, nil
}

func collectSegments(rows *sql.Rows) ([]storage.SegmentRecord, error) {
	var records []storage.SegmentRecord
	for rows.Next() {
		var record storage.SegmentRecord
		var triggered int
		var createdAt int64
		if err := rows.Scan(&record.ID, &record.CampaignID, &record.Title, &record.Description, &record.TriggerCondition, &triggered, &createdAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		record.IsTriggered = triggered == 1
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("segment rows: %w", err)
	}
	return records, nil
}
