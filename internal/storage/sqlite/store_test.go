package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taleforge/taleforge/internal/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "taleforge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestPutGetWorldCampaignPlayer(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	world := storage.WorldRecord{
		ID:          "world-1",
		Name:        "Skarn Reach",
		Description: "A storm-wracked coastline of drowned keeps.",
		CreatedAt:   now,
	}
	if err := store.PutWorld(ctx, world); err != nil {
		t.Fatalf("put world: %v", err)
	}
	gotWorld, err := store.GetWorld(ctx, "world-1")
	if err != nil {
		t.Fatalf("get world: %v", err)
	}
	if gotWorld != world {
		t.Fatalf("world mismatch: got %+v want %+v", gotWorld, world)
	}

	campaign := storage.CampaignRecord{
		ID:          "campaign-1",
		WorldID:     "world-1",
		Title:       "The Salt Crown",
		Description: "Recover the regalia before the tide swallows it.",
		CreatedAt:   now,
	}
	if err := store.PutCampaign(ctx, campaign); err != nil {
		t.Fatalf("put campaign: %v", err)
	}
	gotCampaign, err := store.GetCampaign(ctx, "campaign-1")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if gotCampaign != campaign {
		t.Fatalf("campaign mismatch: got %+v want %+v", gotCampaign, campaign)
	}

	players := []storage.PlayerRecord{
		{
			ID:            "player-1",
			CampaignID:    "campaign-1",
			Name:          "Mara",
			CharacterName: "Vess",
			Race:          "human",
			Class:         "rogue",
			Level:         3,
			CreatedAt:     now,
		},
		{
			ID:            "player-2",
			CampaignID:    "campaign-1",
			Name:          "Theo",
			CharacterName: "Branik",
			Race:          "dwarf",
			Class:         "cleric",
			Level:         4,
			CreatedAt:     now.Add(time.Minute),
		},
		{
			ID:         "player-other",
			CampaignID: "campaign-2",
			Name:       "Iris",
			CreatedAt:  now,
		},
	}
	for _, player := range players {
		if err := store.PutPlayer(ctx, player); err != nil {
			t.Fatalf("put player %s: %v", player.ID, err)
		}
	}

	gotPlayer, err := store.GetPlayer(ctx, "player-1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if gotPlayer != players[0] {
		t.Fatalf("player mismatch: got %+v want %+v", gotPlayer, players[0])
	}

	roster, err := store.ListPlayersByCampaign(ctx, "campaign-1")
	if err != nil {
		t.Fatalf("list players: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("expected 2 roster entries, got %d", len(roster))
	}
	if roster[0].ID != "player-1" || roster[1].ID != "player-2" {
		t.Fatalf("unexpected roster order: %s, %s", roster[0].ID, roster[1].ID)
	}
}

func TestGetMissingRecordsReturnNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if _, err := store.GetWorld(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for world, got %v", err)
	}
	if _, err := store.GetCampaign(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for campaign, got %v", err)
	}
	if _, err := store.GetPlayer(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for player, got %v", err)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for session, got %v", err)
	}
}

func TestSessionSnapshotCompareAndSet(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	session := storage.SessionRecord{
		ID:         "session-1",
		CampaignID: "campaign-1",
		CreatedAt:  now,
	}
	if err := store.PutSession(ctx, session); err != nil {
		t.Fatalf("put session: %v", err)
	}

	got, err := store.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Version != 0 {
		t.Fatalf("expected initial version 0, got %d", got.Version)
	}
	if got.Snapshot.PendingRoll != nil {
		t.Fatal("expected no pending roll on fresh session")
	}

	pending := storage.SessionSnapshot{
		PendingRoll: &storage.PendingRoll{
			OriginalAction: "I leap across the chasm",
			PlayerID:       "player-1",
			RollType:       "ability_check",
			RequestedAt:    now,
		},
	}
	version, err := store.UpdateSessionSnapshot(ctx, "session-1", 0, pending)
	if err != nil {
		t.Fatalf("update snapshot: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	got, err = store.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("get session after update: %v", err)
	}
	if got.Snapshot.PendingRoll == nil {
		t.Fatal("expected pending roll after update")
	}
	if got.Snapshot.PendingRoll.OriginalAction != "I leap across the chasm" {
		t.Fatalf("unexpected original action %q", got.Snapshot.PendingRoll.OriginalAction)
	}
	if !got.Snapshot.PendingRoll.RequestedAt.Equal(now) {
		t.Fatalf("unexpected requested at %v", got.Snapshot.PendingRoll.RequestedAt)
	}

	// A stale expected version must lose.
	if _, err := store.UpdateSessionSnapshot(ctx, "session-1", 0, storage.SessionSnapshot{}); !errors.Is(err, storage.ErrSnapshotVersionConflict) {
		t.Fatalf("expected snapshot version conflict, got %v", err)
	}

	if _, err := store.UpdateSessionSnapshot(ctx, "missing", 0, storage.SessionSnapshot{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing session, got %v", err)
	}

	ended := now.Add(2 * time.Hour)
	version, err = store.UpdateSessionSnapshot(ctx, "session-1", 1, storage.SessionSnapshot{
		Recap:   "The crown slipped beneath the waves.",
		EndedAt: &ended,
	})
	if err != nil {
		t.Fatalf("end session snapshot: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected version 2, got %d", version)
	}

	got, err = store.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("get ended session: %v", err)
	}
	if got.Snapshot.PendingRoll != nil {
		t.Fatal("expected pending roll cleared")
	}
	if got.Snapshot.Recap == "" || got.Snapshot.EndedAt == nil {
		t.Fatalf("expected recap and ended timestamp, got %+v", got.Snapshot)
	}
}

func TestLogEntriesAssignMonotonicSeq(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)

	if err := store.PutSession(ctx, storage.SessionRecord{ID: "session-1", CampaignID: "campaign-1", CreatedAt: now}); err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := store.AppendAction(ctx, storage.ActionRecord{
		ID:        "action-1",
		SessionID: "session-1",
		PlayerID:  "player-1",
		Text:      "I search the wreck",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("append action: %v", err)
	}

	messages := []string{"first", "second", "third", "fourth"}
	var lastSeq int64
	for i, message := range messages {
		kind := storage.LogKindPlayer
		if i%2 == 1 {
			kind = storage.LogKindDM
		}
		seq, err := store.AppendLogEntry(ctx, storage.LogEntryRecord{
			SessionID: "session-1",
			Kind:      kind,
			Message:   message,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append log entry %d: %v", i, err)
		}
		if seq <= lastSeq {
			t.Fatalf("expected strictly increasing seq, got %d after %d", seq, lastSeq)
		}
		lastSeq = seq
	}

	all, err := store.ListLogEntries(ctx, "session-1")
	if err != nil {
		t.Fatalf("list log entries: %v", err)
	}
	if len(all) != len(messages) {
		t.Fatalf("expected %d entries, got %d", len(messages), len(all))
	}
	for i, entry := range all {
		if entry.Message != messages[i] {
			t.Fatalf("entry %d out of order: got %q want %q", i, entry.Message, messages[i])
		}
	}

	recent, err := store.ListRecentLogEntries(ctx, "session-1", 2)
	if err != nil {
		t.Fatalf("list recent log entries: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent entries, got %d", len(recent))
	}
	if recent[0].Message != "third" || recent[1].Message != "fourth" {
		t.Fatalf("expected newest entries oldest-first, got %q, %q", recent[0].Message, recent[1].Message)
	}
}

func TestSegmentTriggersExactlyOnce(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	segment := storage.SegmentRecord{
		ID:               "segment-1",
		CampaignID:       "campaign-1",
		Title:            "The Drowned Bell",
		Description:      "The bell tolls once the party nears the reef.",
		TriggerCondition: `return state.momentum > 5`,
		CreatedAt:        now,
	}
	if err := store.PutSegment(ctx, segment); err != nil {
		t.Fatalf("put segment: %v", err)
	}

	untriggered, err := store.ListUntriggeredSegments(ctx, "campaign-1")
	if err != nil {
		t.Fatalf("list untriggered: %v", err)
	}
	if len(untriggered) != 1 || untriggered[0].ID != "segment-1" {
		t.Fatalf("expected segment-1 untriggered, got %+v", untriggered)
	}

	const attempts = 8
	var wg sync.WaitGroup
	fired := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkSegmentTriggered(ctx, "segment-1")
			if err != nil {
				t.Errorf("mark triggered: %v", err)
				return
			}
			fired <- ok
		}()
	}
	wg.Wait()
	close(fired)

	var wins int
	for ok := range fired {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	triggered, err := store.ListTriggeredSegments(ctx, "campaign-1")
	if err != nil {
		t.Fatalf("list triggered: %v", err)
	}
	if len(triggered) != 1 || !triggered[0].IsTriggered {
		t.Fatalf("expected segment-1 triggered, got %+v", triggered)
	}
	untriggered, err = store.ListUntriggeredSegments(ctx, "campaign-1")
	if err != nil {
		t.Fatalf("list untriggered after fire: %v", err)
	}
	if len(untriggered) != 0 {
		t.Fatalf("expected no untriggered segments, got %d", len(untriggered))
	}

	// Re-upserting must not reset the trigger state.
	segment.Description = "edited"
	if err := store.PutSegment(ctx, segment); err != nil {
		t.Fatalf("re-put segment: %v", err)
	}
	got, err := store.ListTriggeredSegments(ctx, "campaign-1")
	if err != nil {
		t.Fatalf("list triggered after re-put: %v", err)
	}
	if len(got) != 1 || got[0].Description != "edited" {
		t.Fatalf("expected edited triggered segment, got %+v", got)
	}
}
