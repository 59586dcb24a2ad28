package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/taleforge/taleforge/internal/dice"
	apperrors "github.com/taleforge/taleforge/internal/errors"
	"github.com/taleforge/taleforge/internal/graph"
	"github.com/taleforge/taleforge/internal/narrative"
	"github.com/taleforge/taleforge/internal/platform/id"
	"github.com/taleforge/taleforge/internal/prompt"
	"github.com/taleforge/taleforge/internal/segment"
	"github.com/taleforge/taleforge/internal/storage"
)

// ActionInput is one inbound player action.
type ActionInput struct {
	SessionID   string
	PlayerID    string
	Text        string
	RollOutcome *int
}

// ActionResult reports how an action concluded: either a roll request
// short-circuited generation, or a full narration cycle ran.
type ActionResult struct {
	RollRequested bool
	RollType      string
	Text          string
	Envelope      narrative.Envelope
}

// StartSession creates a fresh session for the campaign.
func (s *Server) StartSession(ctx context.Context, campaignID string) (storage.SessionRecord, error) {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return storage.SessionRecord{}, apperrors.New(apperrors.CodeSessionEmptyCampaignID, "campaign id is required")
	}
	if _, err := s.entities.GetCampaign(ctx, campaignID); err != nil {
		return storage.SessionRecord{}, fmt.Errorf("load campaign: %w", err)
	}

	sessionID, err := id.NewID()
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("generate session id: %w", err)
	}
	record := storage.SessionRecord{
		ID:         sessionID,
		CampaignID: campaignID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.entities.PutSession(ctx, record); err != nil {
		return storage.SessionRecord{}, fmt.Errorf("create session: %w", err)
	}
	return record, nil
}

// EndSession freezes the session with a recap. Further actions are
// rejected once the snapshot carries an end timestamp.
func (s *Server) EndSession(ctx context.Context, sessionID string) (string, error) {
	session, err := s.entities.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if session.Snapshot.EndedAt != nil {
		return "", apperrors.New(apperrors.CodeSessionEnded, "session has already ended")
	}

	recap := s.buildRecap(ctx, sessionID)
	endedAt := time.Now().UTC()
	snapshot := storage.SessionSnapshot{Recap: recap, EndedAt: &endedAt}

	// The snapshot also carries pending roll state, so losing a race
	// here just means re-reading and trying again.
	for attempt := 0; ; attempt++ {
		_, err := s.entities.UpdateSessionSnapshot(ctx, sessionID, session.Version, snapshot)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrSnapshotVersionConflict) || attempt >= 3 {
			return "", fmt.Errorf("freeze session: %w", err)
		}
		session, err = s.entities.GetSession(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("reload session: %w", err)
		}
		if session.Snapshot.EndedAt != nil {
			return "", apperrors.New(apperrors.CodeSessionEnded, "session has already ended")
		}
	}

	s.hub.room(sessionID).broadcast(wsFrame{
		Type:    frameEnded,
		Payload: mustJSON(map[string]string{"session_id": sessionID, "recap": recap}),
	}, nil)
	return recap, nil
}

func (s *Server) buildRecap(ctx context.Context, sessionID string) string {
	entries, err := s.entities.ListLogEntries(ctx, sessionID)
	if err != nil {
		log.Printf("[GAME] recap log load failed session=%s err=%v", sessionID, err)
		return "The session has ended."
	}

	var transcript strings.Builder
	transcript.WriteString("Summarize this tabletop session in a short recap for the players:\n")
	for _, entry := range entries {
		fmt.Fprintf(&transcript, "[%s] %s\n", entry.Kind, entry.Message)
	}

	recap, err := s.generator.Complete(ctx, transcript.String())
	if err != nil || strings.TrimSpace(recap) == "" {
		if err != nil {
			log.Printf("[GAME] recap generation failed session=%s err=%v", sessionID, err)
		}
		return fmt.Sprintf("The session closed after %d log entries.", len(entries))
	}
	return strings.TrimSpace(recap)
}

// SubmitAction runs one action through the coordinator: validation,
// recording, roll state machine, and at most one generation cycle.
func (s *Server) SubmitAction(ctx context.Context, sender *wsPeer, input ActionInput) (ActionResult, error) {
	ctx, span := s.tracer.Start(ctx, "session.submit_action")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", input.SessionID))

	text := strings.TrimSpace(input.Text)
	if text == "" {
		return ActionResult{}, apperrors.New(apperrors.CodeActionEmptyText, "action text is required")
	}
	if input.PlayerID == "" {
		return ActionResult{}, apperrors.New(apperrors.CodeActionEmptyPlayerID, "player id is required")
	}

	session, err := s.entities.GetSession(ctx, input.SessionID)
	if err != nil {
		return ActionResult{}, fmt.Errorf("load session: %w", err)
	}
	if session.Snapshot.EndedAt != nil {
		return ActionResult{}, apperrors.New(apperrors.CodeSessionEnded, "session has ended")
	}
	player, err := s.entities.GetPlayer(ctx, input.PlayerID)
	if err != nil {
		return ActionResult{}, fmt.Errorf("load player: %w", err)
	}
	if player.CampaignID != session.CampaignID {
		return ActionResult{}, apperrors.New(apperrors.CodePlayerNotInCampaign, "player does not belong to this campaign")
	}

	room := s.hub.room(input.SessionID)

	if pending := session.Snapshot.PendingRoll; pending != nil {
		return s.resolveRoll(ctx, room, session, player, text, input.RollOutcome)
	}
	if input.RollOutcome != nil {
		return ActionResult{}, apperrors.New(apperrors.CodeRollNotPending, "no roll is pending for this session")
	}
	return s.acceptAction(ctx, room, sender, session, player, text)
}

// acceptAction handles a fresh action in the Idle state.
func (s *Server) acceptAction(ctx context.Context, room *sessionRoom, sender *wsPeer, session storage.SessionRecord, player storage.PlayerRecord, text string) (ActionResult, error) {
	now := time.Now().UTC()
	speaker := player.CharacterName
	if speaker == "" {
		speaker = player.Name
	}

	actionID, err := id.NewID()
	if err != nil {
		return ActionResult{}, fmt.Errorf("generate action id: %w", err)
	}
	if err := s.entities.AppendAction(ctx, storage.ActionRecord{
		ID:        actionID,
		SessionID: session.ID,
		PlayerID:  player.ID,
		Text:      text,
		CreatedAt: now,
	}); err != nil {
		return ActionResult{}, fmt.Errorf("record action: %w", err)
	}
	if _, err := s.entities.AppendLogEntry(ctx, storage.LogEntryRecord{
		SessionID: session.ID,
		Kind:      storage.LogKindPlayer,
		Message:   fmt.Sprintf("%s: %s", speaker, text),
		CreatedAt: now,
	}); err != nil {
		return ActionResult{}, fmt.Errorf("record action log: %w", err)
	}
	s.recordActionInGraph(ctx, session.ID, actionID, player)

	room.broadcast(wsFrame{
		Type: frameAction,
		Payload: mustJSON(actionBroadcast{
			SessionID: session.ID,
			PlayerID:  player.ID,
			Speaker:   speaker,
			Text:      text,
		}),
	}, sender)

	s.evaluateSegments(ctx, room, session)

	if rollType := rollTypeFor(text); rollType != "" {
		return s.requestRoll(ctx, room, session, player, text, rollType)
	}

	return s.runGenerationCycle(ctx, room, session, prompt.Request{
		SessionID: session.ID,
		Speaker:   speaker,
		Action:    text,
	})
}

// requestRoll transitions the room Idle to AwaitingRoll. The pending
// roll is opened with a compare-and-set so two concurrent actions can
// never both believe they opened it.
func (s *Server) requestRoll(ctx context.Context, room *sessionRoom, session storage.SessionRecord, player storage.PlayerRecord, text, rollType string) (ActionResult, error) {
	snapshot := session.Snapshot
	snapshot.PendingRoll = &storage.PendingRoll{
		OriginalAction: text,
		PlayerID:       player.ID,
		RollType:       rollType,
		RequestedAt:    time.Now().UTC(),
	}
	if _, err := s.entities.UpdateSessionSnapshot(ctx, session.ID, session.Version, snapshot); err != nil {
		if errors.Is(err, storage.ErrSnapshotVersionConflict) {
			return ActionResult{}, apperrors.Wrap(apperrors.CodeRollAlreadyPending, "another roll was opened concurrently", err)
		}
		return ActionResult{}, fmt.Errorf("open pending roll: %w", err)
	}

	room.broadcast(wsFrame{
		Type: frameRollRequested,
		Payload: mustJSON(rollRequestedPayload{
			SessionID:      session.ID,
			PlayerID:       player.ID,
			RollType:       rollType,
			OriginalAction: text,
		}),
	}, nil)
	return ActionResult{RollRequested: true, RollType: rollType}, nil
}

// resolveRoll handles an action arriving while a roll is pending. The
// submission must carry an outcome, or be a bare dice expression that
// this coordinator rolls itself; anything else is a conflict.
func (s *Server) resolveRoll(ctx context.Context, room *sessionRoom, session storage.SessionRecord, player storage.PlayerRecord, text string, outcome *int) (ActionResult, error) {
	pending := session.Snapshot.PendingRoll

	if outcome == nil {
		spec, err := dice.ParseSpec(text)
		if err != nil {
			return ActionResult{}, apperrors.WithMetadata(apperrors.CodeRollAlreadyPending,
				"a roll is pending; submit its outcome before a new action",
				map[string]string{"original_action": pending.OriginalAction})
		}
		rolled, err := dice.Roll(spec, time.Now().UnixNano())
		if err != nil {
			return ActionResult{}, apperrors.Wrap(apperrors.CodeRollAlreadyPending, "pending roll could not be resolved", err)
		}
		outcome = &rolled.Total
	}

	snapshot := session.Snapshot
	snapshot.PendingRoll = nil
	if _, err := s.entities.UpdateSessionSnapshot(ctx, session.ID, session.Version, snapshot); err != nil {
		if errors.Is(err, storage.ErrSnapshotVersionConflict) {
			return ActionResult{}, apperrors.Wrap(apperrors.CodeSnapshotVersionConflict, "roll was resolved concurrently", err)
		}
		return ActionResult{}, fmt.Errorf("clear pending roll: %w", err)
	}

	speaker := player.CharacterName
	if speaker == "" {
		speaker = player.Name
	}
	if _, err := s.entities.AppendLogEntry(ctx, storage.LogEntryRecord{
		SessionID: session.ID,
		Kind:      storage.LogKindPlayer,
		Message:   fmt.Sprintf("%s rolled %d", speaker, *outcome),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return ActionResult{}, fmt.Errorf("record roll log: %w", err)
	}

	s.evaluateSegments(ctx, room, session)

	return s.runGenerationCycle(ctx, room, session, prompt.Request{
		SessionID:       session.ID,
		Speaker:         speaker,
		Action:          pending.OriginalAction,
		PreviousAttempt: pending.OriginalAction,
		RollResult:      outcome,
	})
}

// runGenerationCycle opens the room's single generation cycle: emits
// generation-start, relays chunks in order, and always emits
// generation-end, success or not. Exactly one combined dm log entry is
// persisted for the full text.
func (s *Server) runGenerationCycle(ctx context.Context, room *sessionRoom, session storage.SessionRecord, req prompt.Request) (result ActionResult, err error) {
	room.genMu.Lock()
	defer room.genMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.generation_cycle")
	defer span.End()

	// A departing client must not cancel the in-flight call; the result
	// still reaches the remaining members and the log.
	ctx = context.WithoutCancel(ctx)

	document, err := s.assembler.Build(ctx, req)
	if err != nil {
		return ActionResult{}, fmt.Errorf("assemble prompt: %w", err)
	}

	room.broadcast(wsFrame{
		Type:    frameGenerationStart,
		Payload: mustJSON(map[string]string{"session_id": session.ID}),
	}, nil)
	status := "failed"
	defer func() {
		room.broadcast(wsFrame{
			Type:    frameGenerationEnd,
			Payload: mustJSON(generationEndPayload{SessionID: session.ID, Status: status}),
		}, nil)
	}()

	text, err := s.generator.Stream(ctx, document, func(chunk string) error {
		room.broadcast(wsFrame{
			Type:    frameGenerationChunk,
			Payload: mustJSON(chunkPayload{SessionID: session.ID, Text: chunk}),
		}, nil)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		log.Printf("[GAME] generation failed session=%s err=%v", session.ID, err)
		return ActionResult{}, err
	}

	envelope := narrative.Parse(text)
	structured, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		structured = nil
	}
	if _, err := s.entities.AppendLogEntry(ctx, storage.LogEntryRecord{
		SessionID:      session.ID,
		Kind:           storage.LogKindDM,
		Message:        text,
		StructuredJSON: structured,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return ActionResult{}, fmt.Errorf("record narration log: %w", err)
	}

	s.recordEntitiesInGraph(ctx, envelope.Entities)
	s.runCascade(ctx, session.ID)

	room.broadcast(wsFrame{Type: frameStructured, Payload: mustJSON(envelope)}, nil)
	room.broadcast(wsFrame{
		Type:    frameLogUpdated,
		Payload: mustJSON(map[string]string{"session_id": session.ID}),
	}, nil)

	status = "ok"
	return ActionResult{Text: text, Envelope: envelope}, nil
}

// evaluateSegments fires matching story beats for the campaign and
// announces each exactly once.
func (s *Server) evaluateSegments(ctx context.Context, room *sessionRoom, session storage.SessionRecord) {
	momentum, err := s.graph.Momentum(ctx, session.ID)
	if err != nil {
		log.Printf("[GAME] momentum query failed session=%s err=%v", session.ID, err)
		return
	}
	entries, err := s.entities.ListRecentLogEntries(ctx, session.ID, prompt.RecentEventCapacity)
	if err != nil {
		log.Printf("[GAME] recent log load failed session=%s err=%v", session.ID, err)
		return
	}
	var recent strings.Builder
	for _, entry := range entries {
		recent.WriteString(entry.Message)
		recent.WriteString("\n")
	}

	fired, err := s.segments.Evaluate(ctx, session.CampaignID, segment.State{
		Momentum:   momentum,
		LogCount:   len(entries),
		RecentText: recent.String(),
	})
	if err != nil {
		log.Printf("[GAME] segment evaluation failed campaign=%s err=%v", session.CampaignID, err)
		return
	}
	for _, beat := range fired {
		room.broadcast(wsFrame{
			Type:    frameSegmentTriggered,
			Payload: mustJSON(segmentTriggeredPayload{SegmentID: beat.ID, Title: beat.Title}),
		}, nil)
		if _, err := s.entities.AppendLogEntry(ctx, storage.LogEntryRecord{
			SessionID: session.ID,
			Kind:      storage.LogKindDM,
			Message:   fmt.Sprintf("**Segment Triggered**: %s", beat.Title),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			log.Printf("[GAME] segment log append failed segment=%s err=%v", beat.ID, err)
		}
	}
}

// recordActionInGraph projects the action and its author into the
// causal graph. Graph unavailability degrades narration context but
// never blocks the action itself.
func (s *Server) recordActionInGraph(ctx context.Context, sessionID, actionID string, player storage.PlayerRecord) {
	if err := s.graph.UpsertNode(ctx, graph.Node{
		Kind: graph.KindPlayer,
		ID:   player.ID,
		Name: player.CharacterName,
	}); err != nil {
		log.Printf("[GAME] graph player upsert failed player=%s err=%v", player.ID, err)
		return
	}
	if err := s.graph.UpsertNode(ctx, graph.Node{
		Kind:      graph.KindAction,
		ID:        actionID,
		SessionID: sessionID,
		Severity:  defaultActionSeverity,
	}); err != nil {
		log.Printf("[GAME] graph action upsert failed action=%s err=%v", actionID, err)
		return
	}
	if err := s.graph.UpsertEdge(ctx, graph.Edge{
		From:     graph.Ref{Kind: graph.KindPlayer, ID: player.ID},
		To:       graph.Ref{Kind: graph.KindAction, ID: actionID},
		Relation: graph.RelationPerformed,
	}); err != nil {
		log.Printf("[GAME] graph performed edge failed action=%s err=%v", actionID, err)
	}
}

// recordEntitiesInGraph projects narration entity mentions as NPC nodes.
func (s *Server) recordEntitiesInGraph(ctx context.Context, entities []string) {
	for _, name := range entities {
		if err := s.graph.UpsertNode(ctx, graph.Node{
			Kind: graph.KindNPC,
			ID:   strings.ToLower(name),
			Name: name,
		}); err != nil {
			log.Printf("[GAME] graph npc upsert failed name=%q err=%v", name, err)
			return
		}
	}
}

// runCascade links over-threshold plot points once momentum climbs past
// the cascade threshold.
func (s *Server) runCascade(ctx context.Context, sessionID string) {
	momentum, err := s.graph.Momentum(ctx, sessionID)
	if err != nil {
		log.Printf("[GAME] momentum query failed session=%s err=%v", sessionID, err)
		return
	}
	if momentum <= cascadeThreshold {
		return
	}
	linked, err := s.graph.Cascade(ctx, sessionID, cascadeThreshold)
	if err != nil {
		log.Printf("[GAME] cascade failed session=%s err=%v", sessionID, err)
		return
	}
	if len(linked) > 0 {
		log.Printf("[GAME] cascade linked plot points session=%s count=%d", sessionID, len(linked))
	}
}

// rollHeuristics maps action verbs to the roll they require. Matching is
// whole-word on the lowercased action text.
var rollHeuristics = []struct {
	rollType string
	verbs    []string
}{
	{rollType: "attack_roll", verbs: []string{"attack", "strike", "stab", "shoot", "swing", "slash"}},
	{rollType: "saving_throw", verbs: []string{"resist", "endure", "withstand", "dodge"}},
	{rollType: "skill_check", verbs: []string{"sneak", "hide", "climb", "leap", "jump", "swim", "pickpocket"}},
	{rollType: "ability_check", verbs: []string{"persuade", "convince", "intimidate", "deceive", "grapple"}},
}

func rollTypeFor(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
	index := make(map[string]bool, len(words))
	for _, word := range words {
		index[word] = true
	}
	for _, heuristic := range rollHeuristics {
		for _, verb := range heuristic.verbs {
			if index[verb] {
				return heuristic.rollType
			}
		}
	}
	return ""
}
