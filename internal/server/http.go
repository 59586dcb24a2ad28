package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	apperrors "github.com/taleforge/taleforge/internal/errors"
	"github.com/taleforge/taleforge/internal/graph"
)

type startSessionRequest struct {
	CampaignID string `json:"campaign_id"`
}

type startSessionResponse struct {
	SessionID  string `json:"session_id"`
	CampaignID string `json:"campaign_id"`
}

type endSessionResponse struct {
	SessionID string `json:"session_id"`
	Recap     string `json:"recap"`
}

type mintTokenRequest struct {
	PlayerID string `json:"player_id"`
}

type mintTokenResponse struct {
	Token string `json:"token"`
}

type decayRequest struct {
	Rate float64 `json:"rate"`
}

type upsertPlotPointRequest struct {
	PlotPointID string  `json:"plot_point_id"`
	SessionID   string  `json:"session_id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Volatility  float64 `json:"volatility,omitempty"`
}

type linkActionRequest struct {
	ActionID string  `json:"action_id"`
	Weight   float64 `json:"weight,omitempty"`
}

type momentumResponse struct {
	SessionID string  `json:"session_id"`
	Momentum  float64 `json:"momentum"`
}

type plotPointLink struct {
	ActionID string  `json:"action_id"`
	Weight   float64 `json:"weight"`
}

type plotPointResponse struct {
	PlotPointID string          `json:"plot_point_id"`
	Name        string          `json:"name,omitempty"`
	Volatility  float64         `json:"volatility"`
	Links       []plotPointLink `json:"links"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHTTPError(w, apperrors.New(apperrors.CodeSessionEmptyCampaignID, "invalid request body"))
		return
	}

	session, err := s.StartSession(r.Context(), req.CampaignID)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startSessionResponse{
		SessionID:  session.ID,
		CampaignID: session.CampaignID,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	recap, err := s.EndSession(r.Context(), sessionID)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endSessionResponse{SessionID: sessionID, Recap: recap})
}

// handleMintToken issues the websocket join token for one player seat.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	var req mintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeHTTPError(w, apperrors.New(apperrors.CodeActionEmptyPlayerID, "invalid request body"))
		return
	}

	session, err := s.entities.GetSession(r.Context(), sessionID)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	player, err := s.entities.GetPlayer(r.Context(), req.PlayerID)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	if player.CampaignID != session.CampaignID {
		writeHTTPError(w, apperrors.New(apperrors.CodePlayerNotInCampaign, "player does not belong to this campaign"))
		return
	}

	token, err := s.minter.Mint(player.ID, session.ID)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mintTokenResponse{Token: token})
}

// handleDecay applies one decay pass over the causal graph's IMPACTS
// edge weights.
func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	var req decayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rate <= 0 {
		http.Error(w, "rate must be a positive number", http.StatusBadRequest)
		return
	}
	if err := s.graph.Decay(r.Context(), req.Rate); err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpsertPlotPoint creates or overwrites a plot point node. Volatility
// defaults to 1.0.
func (s *Server) handleUpsertPlotPoint(w http.ResponseWriter, r *http.Request) {
	var req upsertPlotPointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlotPointID == "" {
		http.Error(w, "plot_point_id is required", http.StatusBadRequest)
		return
	}
	if req.Volatility == 0 {
		req.Volatility = defaultPlotPointVolatility
	}
	err := s.graph.UpsertNode(r.Context(), graph.Node{
		Kind:       graph.KindPlotPoint,
		ID:         req.PlotPointID,
		SessionID:  req.SessionID,
		Name:       req.Name,
		Volatility: req.Volatility,
	})
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"plot_point_id": req.PlotPointID})
}

// handleLinkAction attaches an IMPACTS edge from an action onto the plot
// point, feeding the session's momentum. Weight defaults to 1.0.
func (s *Server) handleLinkAction(w http.ResponseWriter, r *http.Request) {
	plotPointID := r.PathValue("plotPointID")

	var req linkActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActionID == "" {
		http.Error(w, "action_id is required", http.StatusBadRequest)
		return
	}
	if req.Weight == 0 {
		req.Weight = defaultImpactWeight
	}
	err := s.graph.UpsertEdge(r.Context(), graph.Edge{
		From:     graph.Ref{Kind: graph.KindAction, ID: req.ActionID},
		To:       graph.Ref{Kind: graph.KindPlotPoint, ID: plotPointID},
		Relation: graph.RelationImpacts,
		Weight:   req.Weight,
	})
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnlinkAction(w http.ResponseWriter, r *http.Request) {
	plotPointID := r.PathValue("plotPointID")
	actionID := r.PathValue("actionID")

	err := s.graph.DeleteEdge(r.Context(),
		graph.Ref{Kind: graph.KindAction, ID: actionID},
		graph.Ref{Kind: graph.KindPlotPoint, ID: plotPointID},
		graph.RelationImpacts,
	)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMomentum(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if _, err := s.entities.GetSession(r.Context(), sessionID); err != nil {
		writeHTTPError(w, err)
		return
	}
	momentum, err := s.graph.Momentum(r.Context(), sessionID)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, momentumResponse{SessionID: sessionID, Momentum: momentum})
}

// handleListPlotPoints returns every plot point with its incoming IMPACTS
// links, optionally filtered by ?session_id=.
func (s *Server) handleListPlotPoints(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")

	nodes, err := s.graph.NodesByKind(r.Context(), graph.KindPlotPoint)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	points := make([]plotPointResponse, 0, len(nodes))
	for _, node := range nodes {
		if sessionID != "" && node.SessionID != sessionID {
			continue
		}
		edges, err := s.graph.Relationships(r.Context(), graph.Ref{Kind: graph.KindPlotPoint, ID: node.ID})
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		links := make([]plotPointLink, 0, len(edges))
		for _, edge := range edges {
			if edge.Relation != graph.RelationImpacts || edge.From.Kind != graph.KindAction {
				continue
			}
			links = append(links, plotPointLink{ActionID: edge.From.ID, Weight: edge.Weight})
		}
		points = append(points, plotPointResponse{
			PlotPointID: node.ID,
			Name:        node.Name,
			Volatility:  node.Volatility,
			Links:       links,
		})
	}
	writeJSON(w, http.StatusOK, points)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[GAME] write response err=%v", err)
	}
}

func writeHTTPError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := "internal error"
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}

	status := http.StatusInternalServerError
	switch code.WireCode() {
	case "INVALID_ARGUMENT":
		status = http.StatusBadRequest
	case "FORBIDDEN":
		status = http.StatusForbidden
	case "FAILED_PRECONDITION":
		status = http.StatusConflict
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "UNAVAILABLE":
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":      code.WireCode(),
			"message":   message,
			"retryable": code.Retryable(),
		},
	})
}
