// Package storage defines the narrow persistence interfaces consumed by the
// session core. The core reads worlds, campaigns, and players, appends
// actions and log entries, and toggles segment trigger state; it never
// mutates world, campaign, or player fields.
package storage

import (
	"context"
	"time"

	apperrors "github.com/taleforge/taleforge/internal/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such entity"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrSnapshotVersionConflict indicates a session snapshot compare-and-set
// lost a race against a concurrent writer. Callers retry against the
// latest snapshot.
var ErrSnapshotVersionConflict = apperrors.New(apperrors.CodeSnapshotVersionConflict, "session snapshot version conflict")

// WorldRecord captures the world metadata read for context assembly.
type WorldRecord struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// CampaignRecord captures the campaign metadata read for context assembly.
type CampaignRecord struct {
	ID          string
	WorldID     string
	Title       string
	Description string
	CreatedAt   time.Time
}

// PlayerRecord captures the player roster entry for one campaign seat.
type PlayerRecord struct {
	ID            string
	CampaignID    string
	Name          string
	CharacterName string
	Race          string
	Class         string
	Level         int
	CreatedAt     time.Time
}

// PendingRoll correlates an outstanding roll request with the action that
// provoked it. It lives inside the session snapshot and there is at most
// one per session.
type PendingRoll struct {
	OriginalAction string    `json:"original_action"`
	PlayerID       string    `json:"player_id,omitempty"`
	RollType       string    `json:"roll_type,omitempty"`
	RequestedAt    time.Time `json:"requested_at,omitzero"`
}

// SessionSnapshot is the transient session state persisted as JSON.
// PendingRoll is nil when the session is idle. Recap and EndedAt are set
// once when the session is frozen.
type SessionSnapshot struct {
	PendingRoll *PendingRoll `json:"pending_roll,omitempty"`
	Recap       string       `json:"recap,omitempty"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
}

// SessionRecord captures session lifecycle state plus the versioned snapshot.
// Version increments on every snapshot write and backs the compare-and-set
// discipline for PendingRoll.
type SessionRecord struct {
	ID         string
	CampaignID string
	Snapshot   SessionSnapshot
	Version    int64
	CreatedAt  time.Time
}

// ActionRecord captures one immutable player action.
type ActionRecord struct {
	ID        string
	SessionID string
	PlayerID  string
	Text      string
	CreatedAt time.Time
}

// Log entry kinds. Entries are tagged by who authored them.
const (
	LogKindPlayer = "player"
	LogKindDM     = "dm"
)

// LogEntryRecord captures one immutable session log entry. Seq is assigned
// by the store on append and is strictly monotonic per session.
type LogEntryRecord struct {
	Seq            int64
	SessionID      string
	Kind           string
	Message        string
	StructuredJSON []byte
	CreatedAt      time.Time
}

// SegmentRecord captures a single-fire story beat gated by an opaque
// trigger condition.
type SegmentRecord struct {
	ID               string
	CampaignID       string
	Title            string
	Description      string
	TriggerCondition string
	IsTriggered      bool
	CreatedAt        time.Time
}

// WorldStore owns world metadata reads.
type WorldStore interface {
	PutWorld(ctx context.Context, record WorldRecord) error
	GetWorld(ctx context.Context, id string) (WorldRecord, error)
}

// CampaignStore owns campaign metadata reads.
type CampaignStore interface {
	PutCampaign(ctx context.Context, record CampaignRecord) error
	GetCampaign(ctx context.Context, id string) (CampaignRecord, error)
}

// PlayerStore owns the campaign roster.
type PlayerStore interface {
	PutPlayer(ctx context.Context, record PlayerRecord) error
	GetPlayer(ctx context.Context, id string) (PlayerRecord, error)
	ListPlayersByCampaign(ctx context.Context, campaignID string) ([]PlayerRecord, error)
}

// SessionStore owns session lifecycle state and the versioned snapshot.
type SessionStore interface {
	PutSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	// UpdateSessionSnapshot replaces the snapshot only when the stored
	// version still equals expectedVersion, returning the new version.
	// A stale expectedVersion yields ErrSnapshotVersionConflict.
	UpdateSessionSnapshot(ctx context.Context, id string, expectedVersion int64, snapshot SessionSnapshot) (int64, error)
}

// ActionStore appends immutable player actions.
type ActionStore interface {
	AppendAction(ctx context.Context, record ActionRecord) error
}

// LogStore owns the append-only session log. Entries are never mutated or
// deleted after commit.
type LogStore interface {
	AppendLogEntry(ctx context.Context, record LogEntryRecord) (int64, error)
	// ListRecentLogEntries returns up to limit entries in ascending Seq
	// order, keeping only the newest when the log exceeds the limit.
	ListRecentLogEntries(ctx context.Context, sessionID string, limit int) ([]LogEntryRecord, error)
	// ListLogEntries returns the full log in ascending Seq order.
	ListLogEntries(ctx context.Context, sessionID string) ([]LogEntryRecord, error)
}

// SegmentStore owns campaign segments and the single-fire trigger guard.
type SegmentStore interface {
	PutSegment(ctx context.Context, record SegmentRecord) error
	ListUntriggeredSegments(ctx context.Context, campaignID string) ([]SegmentRecord, error)
	ListTriggeredSegments(ctx context.Context, campaignID string) ([]SegmentRecord, error)
	// MarkSegmentTriggered flips is_triggered false to true, reporting
	// whether this call performed the transition. At most one caller
	// ever observes true for a given segment.
	MarkSegmentTriggered(ctx context.Context, segmentID string) (bool, error)
}
