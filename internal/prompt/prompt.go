// Package prompt assembles the generation prompt for one session turn.
// Output is deterministic for identical store state, so assembled
// documents are snapshot-testable.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taleforge/taleforge/internal/storage"
)

// Assembly bounds and style bands.
const (
	// RecentEventCapacity bounds the recent-event buffer. Older entries
	// are evicted first.
	RecentEventCapacity = 15

	momentumHighBand = 7.5
	momentumLowBand  = 3.0
)

const systemInstructions = "You are the dungeon master for this tabletop session. " +
	"Narrate vividly in second person toward the acting player, keep continuity " +
	"with established events, and never speak for the players."

// EntityReader is the slice of the entity store the assembler consumes.
type EntityReader interface {
	storage.WorldStore
	storage.CampaignStore
	storage.PlayerStore
	storage.SessionStore
	storage.LogStore
	storage.SegmentStore
}

// MomentumReader reports the session's aggregate causal pressure.
type MomentumReader interface {
	Momentum(ctx context.Context, sessionID string) (float64, error)
}

// Request carries the per-turn inputs that do not live in any store.
type Request struct {
	SessionID string
	// Speaker is the character name of the acting player.
	Speaker string
	// Action is the action text for this turn.
	Action string
	// PreviousAttempt and RollResult are set when this turn resolves a
	// pending roll; the original action is folded back into context.
	PreviousAttempt string
	RollResult      *int
}

// Assembler builds prompt documents from entity and graph state.
type Assembler struct {
	entities EntityReader
	momentum MomentumReader
}

// New creates a prompt assembler.
func New(entities EntityReader, momentum MomentumReader) *Assembler {
	return &Assembler{entities: entities, momentum: momentum}
}

// Build assembles the prompt document for one turn. Unknown worlds and
// campaigns degrade to placeholder text; an unknown session is an error.
func (a *Assembler) Build(ctx context.Context, req Request) (string, error) {
	session, err := a.entities.GetSession(ctx, req.SessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}

	var doc strings.Builder
	doc.WriteString(systemInstructions)
	doc.WriteString("\n")

	a.writeSetting(ctx, &doc, session.CampaignID)

	if err := a.writeParty(ctx, &doc, session.CampaignID); err != nil {
		return "", err
	}
	if err := a.writeRecentEvents(ctx, &doc, req.SessionID); err != nil {
		return "", err
	}
	if err := a.writeStylePressure(ctx, &doc, req.SessionID); err != nil {
		return "", err
	}
	if err := a.writeTriggeredSegments(ctx, &doc, session.CampaignID); err != nil {
		return "", err
	}
	writeTurn(&doc, req)

	return doc.String(), nil
}

func (a *Assembler) writeSetting(ctx context.Context, doc *strings.Builder, campaignID string) {
	doc.WriteString("\n## Setting\n")

	campaign, err := a.entities.GetCampaign(ctx, campaignID)
	if err != nil {
		doc.WriteString("Campaign: (unknown campaign)\nWorld: (unknown world)\n")
		return
	}
	fmt.Fprintf(doc, "Campaign: %s", campaign.Title)
	if campaign.Description != "" {
		fmt.Fprintf(doc, ". %s", campaign.Description)
	}
	doc.WriteString("\n")

	world, err := a.entities.GetWorld(ctx, campaign.WorldID)
	if err != nil {
		doc.WriteString("World: (unknown world)\n")
		return
	}
	fmt.Fprintf(doc, "World: %s", world.Name)
	if world.Description != "" {
		fmt.Fprintf(doc, ". %s", world.Description)
	}
	doc.WriteString("\n")
}

func (a *Assembler) writeParty(ctx context.Context, doc *strings.Builder, campaignID string) error {
	players, err := a.entities.ListPlayersByCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load party: %w", err)
	}

	doc.WriteString("\n## Party\n")
	if len(players) == 0 {
		doc.WriteString("(no registered players)\n")
		return nil
	}
	for _, player := range players {
		character := player.CharacterName
		if character == "" {
			character = "(unnamed character)"
		}
		fmt.Fprintf(doc, "- %s", character)
		if player.Race != "" || player.Class != "" {
			fmt.Fprintf(doc, " (%s, level %d)", strings.TrimSpace(player.Race+" "+player.Class), player.Level)
		}
		fmt.Fprintf(doc, ", played by %s\n", player.Name)
	}
	return nil
}

func (a *Assembler) writeRecentEvents(ctx context.Context, doc *strings.Builder, sessionID string) error {
	entries, err := a.entities.ListRecentLogEntries(ctx, sessionID, RecentEventCapacity)
	if err != nil {
		return fmt.Errorf("load recent events: %w", err)
	}

	doc.WriteString("\n## Recent events\n")
	if len(entries) == 0 {
		doc.WriteString("(the session has just begun)\n")
		return nil
	}
	for _, entry := range entries {
		fmt.Fprintf(doc, "[%s] %s\n", entry.Kind, entry.Message)
	}
	return nil
}

func (a *Assembler) writeStylePressure(ctx context.Context, doc *strings.Builder, sessionID string) error {
	momentum, err := a.momentum.Momentum(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load momentum: %w", err)
	}

	doc.WriteString("\n## Style\n")
	switch {
	case momentum > momentumHighBand:
		fmt.Fprintf(doc, "Story momentum is %.1f. Narrate with high intensity; consequences land hard and fast.\n", momentum)
	case momentum < momentumLowBand:
		fmt.Fprintf(doc, "Story momentum is %.1f. Keep the narration atmospheric and unhurried; linger on detail.\n", momentum)
	default:
		fmt.Fprintf(doc, "Story momentum is %.1f. Keep a steady, neutral narrative pace.\n", momentum)
	}
	return nil
}

func (a *Assembler) writeTriggeredSegments(ctx context.Context, doc *strings.Builder, campaignID string) error {
	segments, err := a.entities.ListTriggeredSegments(ctx, campaignID)
	if err != nil {
		// An unknown campaign already degraded upstream; only real
		// store failures reach here.
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load triggered segments: %w", err)
	}
	if len(segments) == 0 {
		return nil
	}

	doc.WriteString("\n## Active story beats\n")
	for _, segment := range segments {
		fmt.Fprintf(doc, "- %s: %s\n", segment.Title, segment.Description)
	}
	return nil
}

func writeTurn(doc *strings.Builder, req Request) {
	doc.WriteString("\n## Current turn\n")
	speaker := req.Speaker
	if speaker == "" {
		speaker = "(unknown speaker)"
	}
	fmt.Fprintf(doc, "Speaker: %s\n", speaker)
	if req.RollResult != nil {
		fmt.Fprintf(doc, "Previous attempt: %s\n", req.PreviousAttempt)
		fmt.Fprintf(doc, "Roll result: %d\n", *req.RollResult)
	}
	if req.Action != "" {
		fmt.Fprintf(doc, "Action: %s\n", req.Action)
	}
}
