package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/gambit/pkg/checkpoint"
	"github.com/kadirpekel/gambit/pkg/frames"
	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/kv"
	"github.com/kadirpekel/gambit/pkg/loop"
	"github.com/kadirpekel/gambit/pkg/memstore"
)

// decideRequest is the client-driven iteration body. The client carries its
// own view of the recent history; the coordinator unions it with its own.
type decideRequest struct {
	AgentID string `json:"agentId"`
	ModelID string `json:"modelId"`
	Frame   string `json:"frame"`

	PreviousFrames            []string           `json:"previousFrames,omitempty"`
	CommandHistoryWithChanges []string           `json:"commandHistoryWithChanges,omitempty"`
	PreviousConfidenceScores  map[string]float64 `json:"previousConfidenceScores,omitempty"`
	PreviousDialogHistory     []string           `json:"previousDialogHistory,omitempty"`
	AvoidStartSelect          bool               `json:"avoidStartSelect,omitempty"`
	AvoidWait                 bool               `json:"avoidWait,omitempty"`
	AvoidB                    bool               `json:"avoidB,omitempty"`
	ButtonsToAvoid            []string           `json:"buttonsToAvoid,omitempty"`
	BannedButtons             []string           `json:"bannedButtons,omitempty"`
}

type decideResponse struct {
	Success        bool            `json:"success"`
	Decision       game.Decision   `json:"decision"`
	GameState      game.State      `json:"gameState"`
	Executed       []game.Button   `json:"executed"`
	ScreenType     game.ScreenType `json:"screenType"`
	Cost           float64         `json:"cost"`
	TotalCost      float64         `json:"totalCost"`
	TotalDecisions int             `json:"totalDecisions"`
	TotalTokensIn  int             `json:"totalTokensIn"`
	TotalTokensOut int             `json:"totalTokensOut"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if req.AgentID == "" || req.Frame == "" {
		writeError(w, http.StatusBadRequest, "agentId and frame are required")
		return
	}
	if err := frames.ValidateFrame(req.Frame); err != nil {
		writeError(w, http.StatusBadRequest, "invalid frame: %v", err)
		return
	}

	c, err := s.deps.Manager.GetOrCreate(req.AgentID, req.ModelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := c.NoteClientHeartbeat(r.Context()); err != nil {
		s.logger.Warn("heartbeat write failed", "agent", req.AgentID, "error", err)
	}

	if push, ok := c.Source().(*frames.PushSource); ok {
		if err := push.PushDataURL(req.Frame); err != nil {
			writeError(w, http.StatusBadRequest, "invalid frame: %v", err)
			return
		}
	}

	hints := &loop.ClientHints{
		PreviousFrames:      req.PreviousFrames,
		CommandHistory:      req.CommandHistoryWithChanges,
		PreviousConfidences: parseConfidences(req.PreviousConfidenceScores),
		DialogHistory:       req.PreviousDialogHistory,
		AvoidStartSelect:    req.AvoidStartSelect,
		AvoidWait:           req.AvoidWait,
		AvoidB:              req.AvoidB,
		ButtonsToAvoid:      parseButtons(req.ButtonsToAvoid),
		BannedButtons:       parseButtons(req.BannedButtons),
	}

	result, err := c.RunClientIteration(r.Context(), hints)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, frames.ErrFrameUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "iteration failed: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, decideResponse{
		Success:        true,
		Decision:       result.Decision,
		GameState:      result.GameState,
		Executed:       result.Executed,
		ScreenType:     result.ScreenType,
		Cost:           result.Cost,
		TotalCost:      result.TotalCost,
		TotalDecisions: result.TotalDecisions,
		TotalTokensIn:  result.TokensIn,
		TotalTokensOut: result.TokensOut,
	})
}

func (s *Server) handleDecideGet(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}
	s.writeAgentState(w, r, agentID)
}

func (s *Server) handleStateGet(w http.ResponseWriter, r *http.Request) {
	s.writeAgentState(w, r, chi.URLParam(r, "agentID"))
}

// writeAgentState serves the live record when a coordinator exists, else the
// persisted one.
func (s *Server) writeAgentState(w http.ResponseWriter, r *http.Request, agentID string) {
	if c, ok := s.deps.Manager.Get(agentID); ok {
		writeJSON(w, http.StatusOK, c.Snapshot())
		return
	}

	raw, err := s.deps.KV.Get(r.Context(), kv.AgentKey(agentID, kv.SuffixState))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent %q not found", agentID)
			return
		}
		writeError(w, http.StatusInternalServerError, "state read failed: %v", err)
		return
	}

	var state game.AgentState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt agent state: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleStatePost(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var state game.AgentState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, http.StatusBadRequest, "invalid state: %v", err)
		return
	}
	if state.ID == "" {
		state.ID = agentID
	}

	payload, err := json.Marshal(state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshal failed: %v", err)
		return
	}
	if err := s.deps.KV.Set(r.Context(), kv.AgentKey(agentID, kv.SuffixState), string(payload), kv.StateTTL); err != nil {
		writeError(w, http.StatusInternalServerError, "state write failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStateDelete(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.deps.KV.Del(r.Context(), kv.AgentKey(agentID, kv.SuffixState)); err != nil {
		writeError(w, http.StatusInternalServerError, "state delete failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHeartbeatPost(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	now := s.deps.Now()

	if c, ok := s.deps.Manager.Get(agentID); ok {
		if err := c.NoteClientHeartbeat(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "heartbeat write failed: %v", err)
			return
		}
	} else {
		err := s.deps.KV.Set(r.Context(),
			kv.AgentKey(agentID, kv.SuffixHeartbeat),
			strconv.FormatInt(now.UnixMilli(), 10),
			kv.HeartbeatTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "heartbeat write failed: %v", err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": now.UnixMilli(),
	})
}

func (s *Server) handleHeartbeatGet(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	timeoutMs := loop.ClientGoneAfter.Milliseconds()

	raw, err := s.deps.KV.Get(r.Context(), kv.AgentKey(agentID, kv.SuffixHeartbeat))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"alive":   false,
			"timeout": timeoutMs,
		})
		return
	}

	lastBeat, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "corrupt heartbeat value")
		return
	}

	elapsed := s.deps.Now().UnixMilli() - lastBeat
	writeJSON(w, http.StatusOK, map[string]any{
		"alive":    elapsed <= timeoutMs,
		"lastBeat": lastBeat,
		"elapsed":  elapsed,
		"timeout":  timeoutMs,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var body struct {
		ModelID string `json:"modelId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	c, err := s.deps.Manager.StartAgent(r.Context(), agentID, body.ModelID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"agentId": agentID,
		"model":   c.Model(),
		"status":  c.Status(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := s.deps.Manager.StopAgent(agentID); err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Manager.Get(chi.URLParam(r, "agentID"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	c.Pause(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": c.Status()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Manager.Get(chi.URLParam(r, "agentID"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	c.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": c.Status()})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := s.deps.Manager.ResetAgent(r.Context(), agentID); err != nil {
		writeError(w, http.StatusInternalServerError, "reset failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSaveStatePost(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var body struct {
		State          string `json:"state"`
		DecisionNumber int    `json:"decisionNumber"`
		Model          string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if body.State == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}

	state, err := base64.StdEncoding.DecodeString(body.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "state must be base64: %v", err)
		return
	}

	model := body.Model
	if model == "" {
		if c, ok := s.deps.Manager.Get(agentID); ok {
			model = c.Model()
		} else {
			model = "unknown"
		}
	}

	saved, err := s.deps.Checkpoint.Upload(r.Context(), agentID, model, body.DecisionNumber, state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"url":            saved.URL,
		"filename":       saved.Filename,
		"decisionNumber": saved.DecisionNumber,
	})
}

func (s *Server) handleParseState(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	objects, err := s.deps.Checkpoint.List(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "checkpoint list failed: %v", err)
		return
	}
	if len(objects) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   "no checkpoints stored",
		})
		return
	}

	// List returns newest first.
	latest := objects[0]
	state, err := s.deps.Blobs.Get(r.Context(), latest.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "checkpoint read failed: %v", err)
		return
	}

	parsed := checkpoint.ParseState(state)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   parsed.Outcome == checkpoint.ParseOK,
		"parsed":    parsed,
		"formatted": formatParsed(latest.Path, parsed),
	})
}

func formatParsed(path string, p *checkpoint.ParsedState) string {
	switch p.Outcome {
	case checkpoint.ParseOK:
		if p.UncompressedSize > 0 {
			return fmt.Sprintf("%s: %s container, %d bytes (%d uncompressed)",
				path, p.Format, p.Size, p.UncompressedSize)
		}
		return fmt.Sprintf("%s: %s container, %d bytes", path, p.Format, p.Size)
	case checkpoint.ParsePartial:
		return fmt.Sprintf("%s: %s container, %d bytes, decode stopped: %s",
			path, p.Format, p.Size, p.Error)
	default:
		return fmt.Sprintf("%s: unrecognized format, %d bytes", path, p.Size)
	}
}

func (s *Server) handleFramesGet(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	objects, err := s.deps.Blobs.List(r.Context(), framePrefix(agentID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "frame list failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"frames":     objects,
		"totalCount": len(objects),
	})
}

func (s *Server) handleFramesPost(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var body struct {
		Frame string `json:"frame"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}

	frame, err := frames.DecodeFrame(body.Frame)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid frame: %v", err)
		return
	}

	now := s.deps.Now()
	path := fmt.Sprintf("%s%s_%s.png", framePrefix(agentID), now.UTC().Format("2006-01-02_15-04-05"), uuid.NewString())
	url, err := s.deps.Blobs.Put(r.Context(), path, frame.Data, "image/png")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "frame store failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":       url,
		"timestamp": now.UnixMilli(),
		"agentId":   agentID,
	})
}

func framePrefix(agentID string) string {
	return "frames/" + agentID + "/"
}

func (s *Server) handleMemstashGet(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	notes, err := s.deps.Memory.GetNotes(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "notes read failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": memstore.FormatNotesForPrompt(notes, memstore.MaxNotesBytes),
		"notes":   notes,
	})
}

func (s *Server) handleMemstashDelete(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := s.deps.Memory.Clear(r.Context(), agentID); err != nil {
		writeError(w, http.StatusInternalServerError, "clear failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Manager.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	entries, err := s.deps.Manager.Leaderboard(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    kind,
		"entries": entries,
	})
}

func parseButtons(names []string) []game.Button {
	out := make([]game.Button, 0, len(names))
	for _, name := range names {
		if b, ok := game.ParseButton(name); ok {
			out = append(out, b)
		}
	}
	return out
}

func parseConfidences(raw map[string]float64) game.ConfidenceTable {
	if len(raw) == 0 {
		return nil
	}
	table := make(game.ConfidenceTable, len(raw))
	for name, score := range raw {
		if b, ok := game.ParseButton(name); ok {
			table[b] = score
		}
	}
	return table
}
