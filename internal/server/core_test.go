package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taleforge/taleforge/internal/auth"
	apperrors "github.com/taleforge/taleforge/internal/errors"
	"github.com/taleforge/taleforge/internal/generation"
	graphsqlite "github.com/taleforge/taleforge/internal/graph/sqlite"
	"github.com/taleforge/taleforge/internal/storage"
	storesqlite "github.com/taleforge/taleforge/internal/storage/sqlite"
)

// scriptedGenerator replays canned chunks and records the prompts it was
// handed.
type scriptedGenerator struct {
	chunks       []string
	completeText string
	err          error
	prompts      []string
}

func (g *scriptedGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if g.completeText != "" {
		return g.completeText, nil
	}
	return strings.Join(g.chunks, ""), nil
}

func (g *scriptedGenerator) Stream(ctx context.Context, prompt string, fn generation.ChunkFunc) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	var accumulated strings.Builder
	for _, chunk := range g.chunks {
		accumulated.WriteString(chunk)
		if fn != nil {
			if err := fn(chunk); err != nil {
				return "", err
			}
		}
	}
	return accumulated.String(), nil
}

type testRig struct {
	server    *Server
	entities  *storesqlite.Store
	graph     *graphsqlite.Store
	generator *scriptedGenerator
	sessionID string
}

func newTestRig(t *testing.T, gen *scriptedGenerator) *testRig {
	t.Helper()

	dir := t.TempDir()
	entities, err := storesqlite.Open(filepath.Join(dir, "entities.db"))
	if err != nil {
		t.Fatalf("open entity store: %v", err)
	}
	t.Cleanup(func() { _ = entities.Close() })

	graphStore, err := graphsqlite.Open(filepath.Join(dir, "graph.db"))
	if err != nil {
		t.Fatalf("open graph store: %v", err)
	}
	t.Cleanup(func() { _ = graphStore.Close() })

	minter, err := auth.NewMinter("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new minter: %v", err)
	}

	ctx := context.Background()
	now := time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC)
	if err := entities.PutWorld(ctx, storage.WorldRecord{ID: "world-1", Name: "Skarn Reach", CreatedAt: now}); err != nil {
		t.Fatalf("put world: %v", err)
	}
	if err := entities.PutCampaign(ctx, storage.CampaignRecord{ID: "campaign-1", WorldID: "world-1", Title: "The Salt Crown", CreatedAt: now}); err != nil {
		t.Fatalf("put campaign: %v", err)
	}
	if err := entities.PutPlayer(ctx, storage.PlayerRecord{ID: "player-1", CampaignID: "campaign-1", Name: "Mara", CharacterName: "Vess", CreatedAt: now}); err != nil {
		t.Fatalf("put player: %v", err)
	}
	if err := entities.PutPlayer(ctx, storage.PlayerRecord{ID: "player-2", CampaignID: "campaign-1", Name: "Theo", CharacterName: "Branik", CreatedAt: now}); err != nil {
		t.Fatalf("put player: %v", err)
	}
	if err := entities.PutPlayer(ctx, storage.PlayerRecord{ID: "player-outsider", CampaignID: "campaign-other", Name: "Iris", CreatedAt: now}); err != nil {
		t.Fatalf("put outsider: %v", err)
	}

	server := New(entities, graphStore, gen, minter)

	session, err := server.StartSession(ctx, "campaign-1")
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return &testRig{server: server, entities: entities, graph: graphStore, generator: gen, sessionID: session.ID}
}

// recordingPeer captures every frame broadcast to a room member.
type recordingPeer struct {
	peer   *wsPeer
	buffer *bytes.Buffer
}

func (r *testRig) attachPeer(t *testing.T, playerID, name string) *recordingPeer {
	t.Helper()
	buffer := &bytes.Buffer{}
	peer := newWSPeer(json.NewEncoder(buffer))
	r.server.hub.room(r.sessionID).join(peer, playerID, name)
	return &recordingPeer{peer: peer, buffer: buffer}
}

func (p *recordingPeer) frames(t *testing.T) []wsFrame {
	t.Helper()
	var frames []wsFrame
	decoder := json.NewDecoder(bytes.NewReader(p.buffer.Bytes()))
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			break
		}
		frames = append(frames, frame)
	}
	return frames
}

func frameTypes(frames []wsFrame) []string {
	types := make([]string, 0, len(frames))
	for _, frame := range frames {
		types = append(types, frame.Type)
	}
	return types
}

func containsType(frames []wsFrame, frameType string) bool {
	for _, frame := range frames {
		if frame.Type == frameType {
			return true
		}
	}
	return false
}

func TestSubmitActionNarratesAndLogsOnce(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{chunks: []string{"The reef ", "glitters ", "darkly."}}
	rig := newTestRig(t, gen)
	ctx := context.Background()

	sender := rig.attachPeer(t, "player-1", "Vess")
	observer := rig.attachPeer(t, "player-2", "Branik")

	result, err := rig.server.SubmitAction(ctx, sender.peer, ActionInput{
		SessionID: rig.sessionID,
		PlayerID:  "player-1",
		Text:      "look around",
	})
	if err != nil {
		t.Fatalf("submit action: %v", err)
	}
	if result.RollRequested {
		t.Fatal("expected narration, not a roll request")
	}
	if result.Text != "The reef glitters darkly." {
		t.Fatalf("unexpected narration %q", result.Text)
	}

	observerFrames := observer.frames(t)
	var chunkCount int
	var sawStart, sawEndOK bool
	for _, frame := range observerFrames {
		switch frame.Type {
		case frameGenerationStart:
			sawStart = true
		case frameGenerationChunk:
			if !sawStart {
				t.Fatal("chunk before generation start")
			}
			if sawEndOK {
				t.Fatal("chunk after generation end")
			}
			chunkCount++
		case frameGenerationEnd:
			var payload generationEndPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				t.Fatalf("decode end payload: %v", err)
			}
			if payload.Status != "ok" {
				t.Fatalf("unexpected end status %q", payload.Status)
			}
			sawEndOK = true
		}
	}
	if !sawStart || !sawEndOK || chunkCount != 3 {
		t.Fatalf("unexpected cycle frames: %v", frameTypes(observerFrames))
	}
	if !containsType(observerFrames, frameAction) {
		t.Fatal("observer missed the action broadcast")
	}
	if containsType(sender.frames(t), frameAction) {
		t.Fatal("sender must be excluded from its own action broadcast")
	}

	entries, err := rig.entities.ListLogEntries(ctx, rig.sessionID)
	if err != nil {
		t.Fatalf("list log entries: %v", err)
	}
	var dmEntries []storage.LogEntryRecord
	for _, entry := range entries {
		if entry.Kind == storage.LogKindDM {
			dmEntries = append(dmEntries, entry)
		}
	}
	if len(dmEntries) != 1 {
		t.Fatalf("expected exactly one dm log entry, got %d", len(dmEntries))
	}
	if dmEntries[0].Message != "The reef glitters darkly." {
		t.Fatalf("dm entry must equal the chunk concatenation, got %q", dmEntries[0].Message)
	}
}

func TestSubmitActionOpensRollRequest(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{chunks: []string{"never reached"}}
	rig := newTestRig(t, gen)
	ctx := context.Background()

	observer := rig.attachPeer(t, "player-2", "Branik")

	result, err := rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID: rig.sessionID,
		PlayerID:  "player-1",
		Text:      "attack the goblin",
	})
	if err != nil {
		t.Fatalf("submit action: %v", err)
	}
	if !result.RollRequested || result.RollType != "attack_roll" {
		t.Fatalf("expected attack roll request, got %+v", result)
	}

	frames := observer.frames(t)
	if !containsType(frames, frameRollRequested) {
		t.Fatalf("expected roll-requested broadcast, got %v", frameTypes(frames))
	}
	if containsType(frames, frameGenerationStart) || containsType(frames, frameGenerationEnd) {
		t.Fatalf("generation must not run for a roll request, got %v", frameTypes(frames))
	}
	if len(gen.prompts) != 0 {
		t.Fatal("generator must not be called for a roll request")
	}

	session, err := rig.entities.GetSession(ctx, rig.sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	pending := session.Snapshot.PendingRoll
	if pending == nil || pending.OriginalAction != "attack the goblin" || pending.PlayerID != "player-1" {
		t.Fatalf("unexpected pending roll %+v", pending)
	}

	// A fresh action while the roll is open is a conflict, never a merge.
	_, err = rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID: rig.sessionID,
		PlayerID:  "player-2",
		Text:      "look around",
	})
	if apperrors.CodeOf(err) != apperrors.CodeRollAlreadyPending {
		t.Fatalf("expected ROLL_ALREADY_PENDING, got %v", err)
	}
}

func TestSubmitActionResolvesRoll(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{chunks: []string{"Steel ", "meets hide."}}
	rig := newTestRig(t, gen)
	ctx := context.Background()

	if _, err := rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID: rig.sessionID,
		PlayerID:  "player-1",
		Text:      "attack the goblin",
	}); err != nil {
		t.Fatalf("open roll: %v", err)
	}

	outcome := 18
	result, err := rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID:   rig.sessionID,
		PlayerID:    "player-1",
		Text:        "resolve it",
		RollOutcome: &outcome,
	})
	if err != nil {
		t.Fatalf("resolve roll: %v", err)
	}
	if result.RollRequested {
		t.Fatal("expected a narration cycle on resolution")
	}
	if result.Text != "Steel meets hide." {
		t.Fatalf("unexpected narration %q", result.Text)
	}

	if len(gen.prompts) != 1 {
		t.Fatalf("expected one generation call, got %d", len(gen.prompts))
	}
	document := gen.prompts[0]
	if !strings.Contains(document, "Previous attempt: attack the goblin") || !strings.Contains(document, "Roll result: 18") {
		t.Fatalf("expected roll folding in prompt, got:\n%s", document)
	}

	session, err := rig.entities.GetSession(ctx, rig.sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Snapshot.PendingRoll != nil {
		t.Fatal("expected pending roll cleared after resolution")
	}
}

func TestSubmitActionResolvesRollFromDiceExpression(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{chunks: []string{"The blade bites."}}
	rig := newTestRig(t, gen)
	ctx := context.Background()

	if _, err := rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID: rig.sessionID,
		PlayerID:  "player-1",
		Text:      "attack the goblin",
	}); err != nil {
		t.Fatalf("open roll: %v", err)
	}

	result, err := rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID: rig.sessionID,
		PlayerID:  "player-1",
		Text:      "d20",
	})
	if err != nil {
		t.Fatalf("resolve roll with dice expression: %v", err)
	}
	if result.RollRequested {
		t.Fatal("expected narration after auto-rolled resolution")
	}
	if len(gen.prompts) != 1 || !strings.Contains(gen.prompts[0], "Roll result: ") {
		t.Fatalf("expected rolled outcome in prompt, got %v", gen.prompts)
	}
}

func TestGenerationFailureStillEmitsEnd(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{err: generation.Failed(errors.New("upstream down"))}
	rig := newTestRig(t, gen)
	ctx := context.Background()

	observer := rig.attachPeer(t, "player-2", "Branik")

	_, err := rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID: rig.sessionID,
		PlayerID:  "player-1",
		Text:      "look around",
	})
	if apperrors.CodeOf(err) != apperrors.CodeGenerationFailed {
		t.Fatalf("expected GENERATION_FAILED, got %v", err)
	}

	frames := observer.frames(t)
	var sawStart bool
	var endStatus string
	for _, frame := range frames {
		switch frame.Type {
		case frameGenerationStart:
			sawStart = true
		case frameGenerationEnd:
			var payload generationEndPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				t.Fatalf("decode end payload: %v", err)
			}
			endStatus = payload.Status
		}
	}
	if !sawStart || endStatus != "failed" {
		t.Fatalf("expected start and failed end, got %v", frameTypes(frames))
	}

	entries, err := rig.entities.ListLogEntries(ctx, rig.sessionID)
	if err != nil {
		t.Fatalf("list log entries: %v", err)
	}
	for _, entry := range entries {
		if entry.Kind == storage.LogKindDM {
			t.Fatalf("no dm entry may be persisted on failure, got %q", entry.Message)
		}
	}
}

func TestSubmitActionValidation(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, &scriptedGenerator{chunks: []string{"ok"}})
	ctx := context.Background()

	cases := []struct {
		name  string
		input ActionInput
		code  apperrors.Code
	}{
		{
			name:  "empty text",
			input: ActionInput{SessionID: rig.sessionID, PlayerID: "player-1", Text: "   "},
			code:  apperrors.CodeActionEmptyText,
		},
		{
			name:  "empty player",
			input: ActionInput{SessionID: rig.sessionID, Text: "look"},
			code:  apperrors.CodeActionEmptyPlayerID,
		},
		{
			name:  "unknown session",
			input: ActionInput{SessionID: "missing", PlayerID: "player-1", Text: "look"},
			code:  apperrors.CodeNotFound,
		},
		{
			name:  "outsider player",
			input: ActionInput{SessionID: rig.sessionID, PlayerID: "player-outsider", Text: "look"},
			code:  apperrors.CodePlayerNotInCampaign,
		},
	}
	for _, tc := range cases {
		if _, err := rig.server.SubmitAction(ctx, nil, tc.input); apperrors.CodeOf(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}

	outcome := 12
	_, err := rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID:   rig.sessionID,
		PlayerID:    "player-1",
		Text:        "look",
		RollOutcome: &outcome,
	})
	if apperrors.CodeOf(err) != apperrors.CodeRollNotPending {
		t.Fatalf("expected ROLL_NOT_PENDING, got %v", err)
	}
}

func TestEndSessionFreezesAndRejectsActions(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{completeText: "The crown was lost to the tide."}
	rig := newTestRig(t, gen)
	ctx := context.Background()

	recap, err := rig.server.EndSession(ctx, rig.sessionID)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if recap != "The crown was lost to the tide." {
		t.Fatalf("unexpected recap %q", recap)
	}

	session, err := rig.entities.GetSession(ctx, rig.sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Snapshot.EndedAt == nil || session.Snapshot.Recap != recap {
		t.Fatalf("expected frozen snapshot, got %+v", session.Snapshot)
	}

	if _, err := rig.server.SubmitAction(ctx, nil, ActionInput{
		SessionID: rig.sessionID,
		PlayerID:  "player-1",
		Text:      "look around",
	}); apperrors.CodeOf(err) != apperrors.CodeSessionEnded {
		t.Fatalf("expected SESSION_ENDED, got %v", err)
	}
	if _, err := rig.server.EndSession(ctx, rig.sessionID); apperrors.CodeOf(err) != apperrors.CodeSessionEnded {
		t.Fatalf("expected SESSION_ENDED on double end, got %v", err)
	}
}

func TestStartSessionValidation(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, &scriptedGenerator{})
	ctx := context.Background()

	if _, err := rig.server.StartSession(ctx, "  "); apperrors.CodeOf(err) != apperrors.CodeSessionEmptyCampaignID {
		t.Fatalf("expected SESSION_EMPTY_CAMPAIGN_ID, got %v", err)
	}
	if _, err := rig.server.StartSession(ctx, "campaign-missing"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRoomJoinIsIdempotent(t *testing.T) {
	t.Parallel()

	room := newSessionRoom("session-1")
	first := newWSPeer(json.NewEncoder(&bytes.Buffer{}))
	second := newWSPeer(json.NewEncoder(&bytes.Buffer{}))

	if !room.join(first, "player-1", "Vess") {
		t.Fatal("first join must report newly present")
	}
	if room.join(first, "player-1", "Vess") {
		t.Fatal("re-join on the same connection must not report newly present")
	}
	if room.join(second, "player-1", "Vess") {
		t.Fatal("second connection for the same player must not report newly present")
	}

	if _, departed := room.leave(first); departed {
		t.Fatal("player still has a live connection")
	}
	playerID, departed := room.leave(second)
	if !departed || playerID != "player-1" {
		t.Fatalf("expected final departure for player-1, got %q departed=%v", playerID, departed)
	}
}

func TestRollHeuristics(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want string
	}{
		{text: "attack the goblin", want: "attack_roll"},
		{text: "I strike at the shadow", want: "attack_roll"},
		{text: "sneak past the guards", want: "skill_check"},
		{text: "persuade the captain", want: "ability_check"},
		{text: "resist the curse", want: "saving_throw"},
		{text: "look around", want: ""},
		{text: "the attacker flees", want: ""},
	}
	for _, tc := range cases {
		if got := rollTypeFor(tc.text); got != tc.want {
			t.Fatalf("rollTypeFor(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}
