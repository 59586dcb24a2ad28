package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"
)

// wsConnState tracks one websocket connection's room binding.
type wsConnState struct {
	peer     *wsPeer
	playerID string
	speaker  string
	room     *sessionRoom
}

func (s *Server) wsHandler() http.Handler {
	return websocket.Handler(func(conn *websocket.Conn) {
		s.handleWSConn(conn)
	})
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	state := &wsConnState{peer: newWSPeer(json.NewEncoder(conn))}
	defer s.leaveRoom(state)

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			log.Printf("[GAME] websocket receive failed: %v", err)
			return
		}
		if len(raw) > maxFramePayloadBytes {
			writeWSRejection(state.peer, "", "INVALID_ARGUMENT", "payload too large")
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			decodeErrors++
			writeWSRejection(state.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			writeWSRejection(state.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "session.join":
			s.handleJoinFrame(ctx, state, frame)
		case "session.action":
			s.handleActionFrame(ctx, state, frame)
		case "session.leave":
			s.leaveRoom(state)
			_ = state.peer.writeFrame(wsFrame{
				Type:      frameAck,
				RequestID: frame.RequestID,
				Payload:   mustJSON(ackPayload{Status: "ok"}),
			})
		default:
			writeWSRejection(state.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

// handleJoinFrame admits the connection into the room named by its
// token. Re-joins by an already-present player are idempotent: no
// duplicate member-joined broadcast is produced.
func (s *Server) handleJoinFrame(ctx context.Context, state *wsConnState, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		writeWSRejection(state.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}

	claims, err := s.minter.Verify(payload.Token)
	if err != nil {
		writeWSError(state.peer, frame.RequestID, err)
		return
	}

	session, err := s.entities.GetSession(ctx, claims.SessionID)
	if err != nil {
		writeWSError(state.peer, frame.RequestID, err)
		return
	}
	player, err := s.entities.GetPlayer(ctx, claims.PlayerID)
	if err != nil {
		writeWSError(state.peer, frame.RequestID, err)
		return
	}
	if player.CampaignID != session.CampaignID {
		writeWSRejection(state.peer, frame.RequestID, "FORBIDDEN", "player does not belong to this campaign")
		return
	}

	speaker := player.CharacterName
	if speaker == "" {
		speaker = player.Name
	}

	room := s.hub.room(session.ID)
	if state.room != nil && state.room != room {
		s.leaveRoom(state)
	}
	state.playerID = player.ID
	state.speaker = speaker
	state.room = room

	newlyPresent := room.join(state.peer, player.ID, speaker)

	_ = state.peer.writeFrame(wsFrame{
		Type:      frameJoined,
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			SessionID: session.ID,
			PlayerID:  player.ID,
			Members:   room.memberNames(),
		}),
	})
	if newlyPresent {
		room.broadcast(wsFrame{
			Type: frameMemberJoined,
			Payload: mustJSON(memberPayload{
				SessionID: session.ID,
				PlayerID:  player.ID,
				Name:      speaker,
			}),
		}, state.peer)
	}
}

func (s *Server) handleActionFrame(ctx context.Context, state *wsConnState, frame wsFrame) {
	if state.room == nil {
		writeWSRejection(state.peer, frame.RequestID, "FORBIDDEN", "must join a session before acting")
		return
	}

	var payload actionPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		writeWSRejection(state.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid action payload")
		return
	}
	if utf8.RuneCountInString(payload.Text) > maxActionTextRunes {
		writeWSRejection(state.peer, frame.RequestID, "INVALID_ARGUMENT", "action text must be at most 2000 characters")
		return
	}

	result, err := s.SubmitAction(ctx, state.peer, ActionInput{
		SessionID:   state.room.sessionID,
		PlayerID:    state.playerID,
		Text:        payload.Text,
		RollOutcome: payload.RollOutcome,
	})
	if err != nil {
		log.Printf("[GAME] action rejected session=%s player=%s err=%v", state.room.sessionID, state.playerID, err)
		writeWSError(state.peer, frame.RequestID, err)
		return
	}

	status := "narrated"
	if result.RollRequested {
		status = "roll_requested"
	}
	_ = state.peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: frame.RequestID,
		Payload:   mustJSON(ackPayload{Status: status}),
	})
}

func (s *Server) leaveRoom(state *wsConnState) {
	if state.room == nil {
		return
	}
	room := state.room
	state.room = nil

	playerID, departed := room.leave(state.peer)
	if !departed {
		return
	}
	room.broadcast(wsFrame{
		Type: frameMemberLeft,
		Payload: mustJSON(memberPayload{
			SessionID: room.sessionID,
			PlayerID:  playerID,
			Name:      state.speaker,
		}),
	}, nil)
}
