package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"perpetual-mode-bot/internal/exec"
	"perpetual-mode-bot/internal/gate"
	"perpetual-mode-bot/internal/score"
	"perpetual-mode-bot/internal/state"
	"perpetual-mode-bot/internal/strategy"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	serviceName      = "perpetual-mode-bot"
	maxBodyBytes     = 1 << 16
	defaultAuditSize = 50
)

type modeResponse struct {
	PerpetualMode bool      `json:"perpetual_mode"`
	TradingActive bool      `json:"trading_active"`
	Mode          gate.Mode `json:"mode"`
	Transitioned  bool      `json:"transitioned"`
	LastScore     int       `json:"last_score"`
}

type marketConditionResponse struct {
	Score            int              `json:"score"`
	Condition        string           `json:"condition"`
	SuspendThreshold int              `json:"suspend_threshold"`
	ResumeThreshold  int              `json:"resume_threshold"`
	Mode             gate.Mode        `json:"mode"`
	TradingActive    bool             `json:"trading_active"`
	SuspendedSince   *time.Time       `json:"suspended_since,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Breakdown        *score.Breakdown `json:"breakdown,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    serviceName,
		"status":  "running",
		"version": s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleGetPerpetualMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Gate.Snapshot())
}

func (s *Server) handleSetPerpetualMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if body.Enabled == nil {
		writeError(w, r, http.StatusBadRequest, "enabled is required")
		return
	}
	res := s.deps.Gate.SetOperatorEnabled(*body.Enabled)
	s.recordOperatorChange(r, "set", res.From != gate.ModeDisabled, res.To != gate.ModeDisabled)
	writeJSON(w, http.StatusOK, s.modeResponse(res))
}

func (s *Server) handleTogglePerpetualMode(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Gate.Toggle()
	s.recordOperatorChange(r, "toggle", res.From != gate.ModeDisabled, res.To != gate.ModeDisabled)
	writeJSON(w, http.StatusOK, s.modeResponse(res))
}

func (s *Server) handleMarketCondition(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Gate.Snapshot()
	resp := marketConditionResponse{
		Score:            snap.LastScore,
		Condition:        conditionLabel(snap),
		SuspendThreshold: snap.SuspendThreshold,
		ResumeThreshold:  snap.ResumeThreshold,
		Mode:             snap.CurrentMode,
		TradingActive:    snap.TradingActive,
		SuspendedSince:   snap.SuspendedSince,
		UpdatedAt:        snap.UpdatedAt,
	}
	if s.deps.Breakdown != nil {
		if b, ok := s.deps.Breakdown(); ok {
			resp.Breakdown = &b
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": s.deps.Strategies.Snapshot()})
}

func (s *Server) handleToggleStrategy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["strategy"]
	enabled, err := s.deps.Strategies.Toggle(r.Context(), name)
	if err != nil {
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			writeError(w, r, http.StatusNotFound, "Strategy not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	s.audit(r, state.AuditEvent{
		Action: "strategy_toggle",
		Target: name,
		Before: !enabled,
		After:  enabled,
	})
	writeJSON(w, http.StatusOK, map[string]any{"strategy": name, "enabled": enabled})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var order exec.Order
	if err := decodeBody(r, &order); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	fill, err := s.deps.Orders.PlaceOrder(r.Context(), order)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, fill)
	case errors.Is(err, exec.ErrTradingSuspended):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, exec.ErrInvalidOrder):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		s.log.Warn("order placement failed", zap.Error(err))
		writeError(w, r, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	fills := s.deps.Orders.Recent()
	if fills == nil {
		fills = []exec.Fill{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": fills})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := state.ListAudit(r.Context(), s.deps.Store, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []state.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) recordOperatorChange(r *http.Request, action string, before, after bool) {
	if before != after {
		s.deps.Metrics.OperatorToggles.Inc()
	}
	s.audit(r, state.AuditEvent{
		Action: action,
		Target: "perpetual_mode",
		Before: before,
		After:  after,
	})
}

func (s *Server) audit(r *http.Request, event state.AuditEvent) {
	event.Source = "http"
	event.Actor = r.RemoteAddr
	if id := requestIDFrom(r.Context()); id != "" {
		event.ID = id
	}
	if _, err := state.AppendAudit(r.Context(), s.deps.Store, event); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

func (s *Server) modeResponse(res gate.Result) modeResponse {
	snap := s.deps.Gate.Snapshot()
	return modeResponse{
		PerpetualMode: res.To != gate.ModeDisabled,
		TradingActive: res.Active,
		Mode:          res.To,
		Transitioned:  res.Transitioned,
		LastScore:     snap.LastScore,
	}
}

func conditionLabel(snap gate.Snapshot) string {
	switch {
	case snap.LastScore >= snap.ResumeThreshold:
		return "bullish"
	case snap.LastScore < snap.SuspendThreshold:
		return "bearish"
	default:
		return "neutral"
	}
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeJSON(w, status, map[string]string{
		"detail":     detail,
		"request_id": requestIDFrom(r.Context()),
	})
}
