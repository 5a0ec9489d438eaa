package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
)

// Handlers implements the HTTP endpoints.
type Handlers struct {
	provider EngineProvider
	control  Controller
	trades   TradeReader
	logger   zerolog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(provider EngineProvider, control Controller, trades TradeReader, logger zerolog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		control:  control,
		trades:   trades,
		logger:   logger.With().Str("component", "api-handlers").Logger(),
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// State returns the engine-wide status.
func (h *Handlers) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.State())
}

// Positions returns every account with its open positions.
func (h *Handlers) Positions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Accounts())
}

// Trades returns recent trade history. Query params: account, limit.
func (h *Handlers) Trades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	records, err := h.trades.RecentTrades(r.URL.Query().Get("account"), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("trades query failed")
		writeError(w, http.StatusInternalServerError, "trade history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// PnL returns daily realized PnL. Query params: account, days.
func (h *Handlers) PnL(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days > 365 {
		days = 365
	}
	rows, err := h.trades.DailyPnLs(r.URL.Query().Get("account"), days)
	if err != nil {
		h.logger.Error().Err(err).Msg("pnl query failed")
		writeError(w, http.StatusInternalServerError, "pnl history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Kill trips the kill switch. Body: {"reason": "..."} (optional).
func (h *Handlers) Kill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "api kill request"
	}
	if err := h.control.Kill(body.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.logger.Warn().Str("reason", body.Reason).Msg("kill requested via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

// Pause transitions trading off.
func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.control.Pause(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Resume transitions back toward trading.
func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.control.Resume(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
