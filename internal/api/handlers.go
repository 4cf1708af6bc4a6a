package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/ledger"
	"github.com/tradebaas/engine/internal/manager"
	"github.com/tradebaas/engine/internal/strategy"
	"github.com/tradebaas/engine/pkg/types"
)

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStartStrategy(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req manager.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.StrategyName == "" || req.Instrument == "" || req.Environment == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "strategyName, instrument and environment are required"})
		return
	}

	err := s.manager.Start(r.Context(), userID, req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, okResponse{OK: true})
	case errors.Is(err, manager.ErrAlreadyRunning):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, manager.ErrNotConnected):
		s.writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: err.Error()})
	case errors.Is(err, strategy.ErrUnknownStrategy):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("Start strategy failed", zap.String("userId", userID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req manager.StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := s.manager.Stop(r.Context(), userID, req); err != nil {
		s.logger.Error("Stop strategy failed", zap.String("userId", userID), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	records, err := s.manager.StatusForUser(r.Context(), userID, manager.StatusFilter{
		Broker:      r.URL.Query().Get("broker"),
		Environment: r.URL.Query().Get("environment"),
	})
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if records == nil {
		records = []types.StrategyRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleQueryTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	filter := s.tradeFilter(userID, r)
	trades, err := s.manager.Ledger().Query(r.Context(), filter)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if trades == nil {
		trades = []types.TradeRecord{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleTradeStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	stats, err := s.manager.Ledger().Stats(r.Context(), s.tradeFilter(userID, r))
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) tradeFilter(userID string, r *http.Request) ledger.Filter {
	q := r.URL.Query()
	filter := ledger.Filter{
		UserID:       userID,
		StrategyName: q.Get("strategy"),
		Instrument:   q.Get("instrument"),
		Status:       types.TradeStatus(q.Get("status")),
		Limit:        100,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		filter.Offset = v
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		filter.From = ts
	}
	if ts, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		filter.To = ts
	}
	return filter
}

// userID extracts the authenticated user set by the fronting proxy.
func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing X-User-Id"})
		return "", false
	}
	return userID, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
