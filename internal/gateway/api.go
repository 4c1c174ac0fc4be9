// ABOUTME: HTTP API handlers for the voice session, client legs, agents, and transcripts
// ABOUTME: Maps controller and registry errors onto JSON responses with stable status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-voice/internal/agent"
	"github.com/2389/coven-voice/internal/assets"
	"github.com/2389/coven-voice/internal/events"
	"github.com/2389/coven-voice/internal/legs"
	"github.com/2389/coven-voice/internal/turn"
	"github.com/2389/coven-voice/internal/upstream"
)

// maxRequestBody caps JSON request bodies. SDP offers are the largest.
const maxRequestBody = 1 << 20

// SessionResponse is the JSON response for the /api/session endpoints.
type SessionResponse struct {
	upstream.Info
	Legs int `json:"legs"`
}

// CloseSessionResponse is the JSON response for DELETE /api/session.
type CloseSessionResponse struct {
	Status      string `json:"status"`
	LegsDropped int    `json:"legs_dropped"`
}

// OfferRequest is the JSON request body for POST /api/legs.
type OfferRequest struct {
	SDP string `json:"sdp"`
}

// AnswerResponse is the JSON response for POST /api/legs.
type AnswerResponse struct {
	LegID string `json:"leg_id"`
	SDP   string `json:"sdp"`
	Type  string `json:"type"`
}

// DropLegResponse is the JSON response for DELETE /api/legs/{id}.
type DropLegResponse struct {
	LegID  string `json:"leg_id"`
	Status string `json:"status"` // "dropped" or "not_found"
}

// PromptRequest is the JSON request body for POST /api/agents/{name}/prompt.
type PromptRequest struct {
	Text string `json:"text"`
}

// VerboseRequest is the JSON body for GET and PUT /api/verbose.
type VerboseRequest struct {
	Verbose bool `json:"verbose"`
}

// TranscriptResponse is one entry of GET /api/transcripts.
type TranscriptResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	ItemID    string `json:"item_id,omitempty"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("GET /api/session", g.handleGetSession)
	mux.HandleFunc("POST /api/session", g.handleCreateSession)
	mux.HandleFunc("DELETE /api/session", g.handleCloseSession)

	mux.HandleFunc("GET /api/legs", g.handleListLegs)
	mux.HandleFunc("POST /api/legs", g.handleAdmitLeg)
	mux.HandleFunc("DELETE /api/legs/{id}", g.handleDropLeg)

	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("POST /api/agents/{name}/prompt", g.handlePrompt)
	mux.HandleFunc("POST /api/agents/{name}/pause", g.handlePause)
	mux.HandleFunc("POST /api/agents/{name}/compact", g.handleCompact)
	mux.HandleFunc("POST /api/agents/{name}/reset", g.handleReset)

	mux.HandleFunc("GET /api/events", g.handleEvents)
	mux.HandleFunc("GET /api/events/ws", g.handleEventsWS)

	mux.HandleFunc("GET /api/verbose", g.handleGetVerbose)
	mux.HandleFunc("PUT /api/verbose", g.handleSetVerbose)

	mux.HandleFunc("GET /api/transcripts", g.handleTranscripts)

	mux.Handle("GET /{$}", assets.Index())
	mux.Handle("GET /static/", http.StripPrefix("/static/", assets.FileServer()))

	if g.config.Metrics.Enabled && g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK only while an upstream session is open.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	info := g.upstream.Info()
	if info.State != upstream.StateOpen {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "no upstream session (%s)", info.State)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (session %s, %d legs)", info.SessionID, g.legs.Count())
}

func (g *Gateway) sessionResponse() SessionResponse {
	return SessionResponse{Info: g.upstream.Info(), Legs: g.legs.Count()}
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.sessionResponse())
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if _, err := g.upstream.GetOrCreateSession(r.Context()); err != nil {
		g.logger.Warn("opening upstream session failed", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, g.sessionResponse())
}

func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	dropped := g.legs.DropAll()
	if err := g.upstream.CloseSession(); err != nil {
		g.logger.Warn("closing upstream session", "error", err)
	}
	g.writeJSON(w, http.StatusOK, CloseSessionResponse{Status: "closed", LegsDropped: dropped})
}

func (g *Gateway) handleListLegs(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"legs": g.legs.List()})
}

func (g *Gateway) handleAdmitLeg(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	adm, err := g.legs.AdmitOffer(r.Context(), req.SDP)
	if err != nil {
		g.sendJSONError(w, admitStatus(err), err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, AnswerResponse{LegID: adm.LegID, SDP: adm.Answer, Type: "answer"})
}

// admitStatus maps AdmitOffer failures to HTTP status codes.
func admitStatus(err error) int {
	switch {
	case errors.Is(err, legs.ErrEmptyOffer):
		return http.StatusBadRequest
	case errors.Is(err, legs.ErrNoSession), errors.Is(err, upstream.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (g *Gateway) handleDropLeg(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if g.legs.DropLeg(id) {
		g.writeJSON(w, http.StatusOK, DropLegResponse{LegID: id, Status: "dropped"})
		return
	}
	g.writeJSON(w, http.StatusNotFound, DropLegResponse{LegID: id, Status: "not_found"})
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"agents": g.agents.List()})
}

// controller resolves the {name} path value, writing a 404 when unknown.
func (g *Gateway) controller(w http.ResponseWriter, r *http.Request) (*turn.Controller, bool) {
	name := r.PathValue("name")
	ctrl, ok := g.agents.Get(name)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("%s: %s", agent.ErrAgentNotFound, name))
		return nil, false
	}
	return ctrl, true
}

func (g *Gateway) handlePrompt(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := g.controller(w, r)
	if !ok {
		return
	}

	var req PromptRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := ctrl.Prompt(r.Context(), req.Text)
	if err != nil {
		g.sendJSONError(w, controllerStatus(err), err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handlePause(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := g.controller(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, ctrl.Pause(r.Context()))
}

func (g *Gateway) handleCompact(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := g.controller(w, r)
	if !ok {
		return
	}
	res, err := ctrl.Compact(r.Context())
	if err != nil {
		g.sendJSONError(w, controllerStatus(err), err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := g.controller(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, ctrl.Reset(r.Context()))
}

// controllerStatus maps controller boundary errors to HTTP status codes.
func controllerStatus(err error) int {
	switch {
	case errors.Is(err, turn.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, turn.ErrNoContext):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) handleGetVerbose(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, VerboseRequest{Verbose: g.stream.Policy().Verbose()})
}

func (g *Gateway) handleSetVerbose(w http.ResponseWriter, r *http.Request) {
	var req VerboseRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	g.stream.Policy().SetVerbose(req.Verbose)
	g.hub.Publish(events.TypeVerboseChanged, req)
	g.logger.Info("event verbosity changed", "verbose", req.Verbose)
	g.writeJSON(w, http.StatusOK, req)
}

func (g *Gateway) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := g.store.ListTranscripts(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing transcripts", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]TranscriptResponse, 0, len(rows))
	for _, t := range rows {
		out = append(out, TranscriptResponse{
			ID:        t.ID,
			SessionID: t.SessionID,
			ItemID:    t.ItemID,
			Role:      t.Role,
			Text:      t.Text,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"transcripts": out})
}

// decodeJSON decodes a size-limited JSON request body. An empty body
// decodes to the zero value.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing JSON response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
