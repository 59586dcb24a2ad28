package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/taleforge/taleforge/internal/storage"
)

// PutWorld persists one world row, replacing any existing row with the same id.
func (s *Store) PutWorld(ctx context.Context, record storage.WorldRecord) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("world id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO worlds (id, name, description, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, description = excluded.description
`, record.ID, record.Name, record.Description, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("put world: %w", err)
	}
	return nil
}

// GetWorld returns one world by id.
func (s *Store) GetWorld(ctx context.Context, id string) (storage.WorldRecord, error) {
	if s == nil || s.sqlDB == nil {
		return storage.WorldRecord{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, description, created_at
FROM worlds
WHERE id = ?
`, strings.TrimSpace(id))

	var record storage.WorldRecord
	var createdAt int64
	if err := row.Scan(&record.ID, &record.Name, &record.Description, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WorldRecord{}, storage.ErrNotFound
		}
		return storage.WorldRecord{}, fmt.Errorf("get world: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// PutCampaign persists one campaign row.
func (s *Store) PutCampaign(ctx context.Context, record storage.CampaignRecord) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("campaign id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO campaigns (id, world_id, title, description, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET world_id = excluded.world_id, title = excluded.title, description = excluded.description
`, record.ID, record.WorldID, record.Title, record.Description, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("put campaign: %w", err)
	}
	return nil
}

// GetCampaign returns one campaign by id.
func (s *Store) GetCampaign(ctx context.Context, id string) (storage.CampaignRecord, error) {
	if s == nil || s.sqlDB == nil {
		return storage.CampaignRecord{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, world_id, title, description, created_at
FROM campaigns
WHERE id = ?
`, strings.TrimSpace(id))

	var record storage.CampaignRecord
	var createdAt int64
	if err := row.Scan(&record.ID, &record.WorldID, &record.Title, &record.Description, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.CampaignRecord{}, storage.ErrNotFound
		}
		return storage.CampaignRecord{}, fmt.Errorf("get campaign: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// PutPlayer persists one player row.
func (s *Store) PutPlayer(ctx context.Context, record storage.PlayerRecord) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("player id is required")
	}
	if record.Level <= 0 {
		record.Level = 1
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO players (id, campaign_id, name, character_name, race, class, level, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    campaign_id = excluded.campaign_id,
    name = excluded.name,
    character_name = excluded.character_name,
    race = excluded.race,
    class = excluded.class,
    level = excluded.level
`, record.ID, record.CampaignID, record.Name, record.CharacterName, record.Race, record.Class, record.Level, toMillis(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("put player: %w", err)
	}
	return nil
}

// GetPlayer returns one player by id.
func (s *Store) GetPlayer(ctx context.Context, id string) (storage.PlayerRecord, error) {
	if s == nil || s.sqlDB == nil {
		return storage.PlayerRecord{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, campaign_id, name, character_name, race, class, level, created_at
FROM players
WHERE id = ?
`, strings.TrimSpace(id))
	return scanPlayer(row.Scan)
}

// ListPlayersByCampaign returns the campaign roster ordered by creation time.
func (s *Store) ListPlayersByCampaign(ctx context.Context, campaignID string) ([]storage.PlayerRecord, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, campaign_id, name, character_name, race, class, level, created_at
FROM players
WHERE campaign_id = ?
ORDER BY created_at, id
`, strings.TrimSpace(campaignID))
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var records []storage.PlayerRecord
	for rows.Next() {
		record, err := scanPlayer(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list players rows: %w", err)
	}
	return records, nil
}

func scanPlayer(scan func(dest ...any) error) (storage.PlayerRecord, error) {
	var record storage.PlayerRecord
	var createdAt int64
	if err := scan(&record.ID, &record.CampaignID, &record.Name, &record.CharacterName, &record.Race, &record.Class, &record.Level, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.PlayerRecord{}, storage.ErrNotFound
		}
		return storage.PlayerRecord{}, fmt.Errorf("scan player: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}
