// Package server is the real-time session coordinator. It owns room
// membership, ordered action intake, broadcast fan-out, the streaming
// relay of generated narration, and the roll-request state machine.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/taleforge/taleforge/internal/auth"
	apperrors "github.com/taleforge/taleforge/internal/errors"
	"github.com/taleforge/taleforge/internal/generation"
	"github.com/taleforge/taleforge/internal/graph"
	"github.com/taleforge/taleforge/internal/prompt"
	"github.com/taleforge/taleforge/internal/segment"
	"github.com/taleforge/taleforge/internal/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxActionTextRunes = 2000

	// cascadeThreshold gates automatic plot point cascades once a
	// session's momentum climbs past it.
	cascadeThreshold = 5.0

	// defaultActionSeverity weighs a player action in the causal graph
	// when nothing more specific is known.
	defaultActionSeverity = 1.0

	// defaultPlotPointVolatility and defaultImpactWeight apply when a
	// plot point upsert or action link omits the value.
	defaultPlotPointVolatility = 1.0
	defaultImpactWeight        = 1.0
)

// EntityStore is the full entity persistence surface the coordinator
// consumes.
type EntityStore interface {
	storage.WorldStore
	storage.CampaignStore
	storage.PlayerStore
	storage.SessionStore
	storage.ActionStore
	storage.LogStore
	storage.SegmentStore
}

// Server coordinates session rooms over websocket frames and a thin set
// of HTTP endpoints.
type Server struct {
	entities  EntityStore
	graph     graph.Store
	assembler *prompt.Assembler
	segments  *segment.Evaluator
	generator generation.Generator
	minter    *auth.Minter
	hub       *roomHub
	tracer    trace.Tracer
}

// New creates a session coordinator.
func New(entities EntityStore, graphStore graph.Store, generator generation.Generator, minter *auth.Minter) *Server {
	return &Server{
		entities:  entities,
		graph:     graphStore,
		assembler: prompt.New(entities, graphStore),
		segments:  segment.New(entities),
		generator: generator,
		minter:    minter,
		hub:       newRoomHub(),
		tracer:    otel.Tracer("taleforge/server"),
	}
}

// Handler returns the HTTP surface: the websocket endpoint, session
// lifecycle routes, and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("POST /sessions/start", s.handleStartSession)
	mux.HandleFunc("POST /sessions/{sessionID}/end", s.handleEndSession)
	mux.HandleFunc("POST /sessions/{sessionID}/tokens", s.handleMintToken)
	mux.HandleFunc("GET /sessions/{sessionID}/momentum", s.handleMomentum)
	mux.HandleFunc("POST /graph/plotpoints", s.handleUpsertPlotPoint)
	mux.HandleFunc("GET /graph/plotpoints", s.handleListPlotPoints)
	mux.HandleFunc("POST /graph/plotpoints/{plotPointID}/link", s.handleLinkAction)
	mux.HandleFunc("DELETE /graph/plotpoints/{plotPointID}/links/{actionID}", s.handleUnlinkAction)
	mux.HandleFunc("POST /graph/decay", s.handleDecay)
	mux.Handle("GET /ws", s.wsHandler())
	return mux
}

// wsFrame is the JSON frame exchanged on the websocket, both directions.
type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame types emitted to room members.
const (
	frameJoined           = "session.joined"
	frameMemberJoined     = "session.member_joined"
	frameMemberLeft       = "session.member_left"
	frameAction           = "session.action"
	frameGenerationStart  = "session.generation_start"
	frameGenerationChunk  = "session.generation_chunk"
	frameGenerationEnd    = "session.generation_end"
	frameRollRequested    = "session.roll_requested"
	frameSegmentTriggered = "session.segment_triggered"
	frameStructured       = "session.structured"
	frameLogUpdated       = "session.log_updated"
	frameEnded            = "session.ended"
	frameAck              = "session.ack"
	frameError            = "session.error"
)

type joinPayload struct {
	Token string `json:"token"`
}

type joinedPayload struct {
	SessionID string   `json:"session_id"`
	PlayerID  string   `json:"player_id"`
	Members   []string `json:"members"`
}

type memberPayload struct {
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id"`
	Name      string `json:"name"`
}

type actionPayload struct {
	Text        string `json:"text"`
	RollOutcome *int   `json:"roll_outcome,omitempty"`
}

type actionBroadcast struct {
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

type chunkPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type generationEndPayload struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type rollRequestedPayload struct {
	SessionID      string `json:"session_id"`
	PlayerID       string `json:"player_id"`
	RollType       string `json:"roll_type"`
	OriginalAction string `json:"original_action"`
}

type segmentTriggeredPayload struct {
	SegmentID string `json:"segment_id"`
	Title     string `json:"title"`
}

type ackPayload struct {
	Status string `json:"status"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeWSError(peer *wsPeer, requestID string, err error) {
	code := apperrors.CodeOf(err)
	message := "internal error"
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	_ = peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{Error: wsError{
			Code:      code.WireCode(),
			Message:   message,
			Retryable: code.Retryable(),
		}}),
	})
}

func writeWSRejection(peer *wsPeer, requestID, wireCode, message string) {
	_ = peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{Error: wsError{
			Code:    wireCode,
			Message: message,
		}}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal websocket frame payload err=%v", err)
		return nil
	}
	return b
}

