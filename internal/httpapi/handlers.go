package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/backtest"
	"github.com/tradeforge/tradeforge/internal/domain"
	"github.com/tradeforge/tradeforge/internal/engine/risk"
	"github.com/tradeforge/tradeforge/internal/live"
	"github.com/tradeforge/tradeforge/internal/marketdata"
	"github.com/tradeforge/tradeforge/internal/metrics"
	"github.com/tradeforge/tradeforge/internal/persistence"
	"github.com/tradeforge/tradeforge/internal/strategy"
	"github.com/tradeforge/tradeforge/internal/stream"
	"gopkg.in/yaml.v3"

	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	store     *persistence.Store
	market    *marketdata.Facade
	backtests *backtest.Orchestrator
	live      *live.Manager
	bus       *stream.Bus
	metrics   *metrics.Registry
	token     string
	shutdown  func()
	started   time.Time
	log       zerolog.Logger
}

// errorBody is the error envelope every non-2xx response carries.
type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// statusFor maps the shared error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, domain.ErrUnsupported):
		return http.StatusBadRequest, "UNSUPPORTED"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, domain.ErrRiskTripped):
		return http.StatusConflict, "RISK_TRIPPED"
	case errors.Is(err, domain.ErrDataGap):
		return http.StatusInternalServerError, "DATA_GAP"
	case errors.Is(err, domain.ErrNotImplemented):
		return http.StatusNotImplemented, "NOT_IMPLEMENTED"
	case errors.Is(err, domain.ErrVenue):
		return http.StatusBadGateway, "VENUE_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Warn().Err(err).Msg("encode response")
	}
}

// writeErr renders err through the taxonomy. Internal errors keep their
// detail in the log only.
func (h *handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if code == "INTERNAL_ERROR" {
		h.log.Error().Err(err).
			Str("request_id", requestID(r)).
			Str("path", r.URL.Path).
			Msg("request failed")
		msg = "internal error"
	}
	h.writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func (h *handlers) decode(r *http.Request, into interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decode request body: %v: %w", err, domain.ErrValidation)
	}
	return nil
}

func (h *handlers) notFound(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusNotFound, errorBody{
		Error:   "NOT_FOUND",
		Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
	})
}

func (h *handlers) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Error:   "METHOD_NOT_ALLOWED",
		Message: fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path),
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.market != nil {
		body["venues"] = h.market.Venues()
	}
	status := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["database"] = "ok"
		}
	}
	h.writeJSON(w, status, body)
}

// --- strategies ---

type saveStrategyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
	ParentHash  string `json:"parent_hash,omitempty"`
}

func (h *handlers) saveStrategy(w http.ResponseWriter, r *http.Request) {
	var req saveStrategyRequest
	if err := h.decode(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	rec := strategy.Record{
		Name:        req.Name,
		Description: req.Description,
		Source:      req.Source,
		ParentHash:  req.ParentHash,
	}
	// An omitted name falls back to the one the source document declares.
	if rec.Name == "" {
		var doc struct {
			Name string `yaml:"name"`
		}
		if err := yaml.Unmarshal([]byte(req.Source), &doc); err == nil {
			rec.Name = doc.Name
		}
	}
	saved, created, err := h.store.SaveStrategy(r.Context(), rec)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, map[string]interface{}{
		"id":           saved.ID,
		"version_hash": saved.VersionHash,
		"name":         saved.Name,
		"created_at":   saved.CreatedAt,
		"created":      created,
	})
}

func (h *handlers) getStrategy(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.GetStrategy(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) listStrategies(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	list, err := h.store.ListStrategies(r.Context(), limit, offset)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": list,
		"count":      len(list),
		"limit":      limit,
		"offset":     offset,
	})
}

// --- backtests ---

func (h *handlers) submitBacktest(w http.ResponseWriter, r *http.Request) {
	var req backtest.Request
	if err := h.decode(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	run, err := h.backtests.Submit(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     run.ID,
		"status": run.Status,
		"ws_url": "/ws/" + stream.BacktestTopic(run.ID),
	})
}

func (h *handlers) getBacktest(w http.ResponseWriter, r *http.Request) {
	run, err := h.backtests.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *handlers) listBacktests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := h.backtests.List(r.Context(), persistence.BacktestFilter{
		StrategyHash: q.Get("strategy_hash"),
		Symbol:       strings.ToUpper(q.Get("symbol")),
		Status:       strings.ToUpper(q.Get("status")),
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *handlers) gridSearch(w http.ResponseWriter, r *http.Request) {
	var req backtest.GridRequest
	if err := h.decode(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	results, err := h.backtests.GridSearch(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// --- live sessions ---

func (h *handlers) deploySession(w http.ResponseWriter, r *http.Request) {
	var req live.DeployRequest
	if err := h.decode(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	snap, err := h.live.Deploy(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session": snap,
		"ws_url":  "/ws/" + stream.LiveTopic(snap.ID),
	})
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.live.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	var states []string
	for _, st := range r.URL.Query()["state"] {
		states = append(states, strings.ToUpper(st))
	}
	sessions, err := h.live.List(r.Context(), states...)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *handlers) pauseSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.live.Pause(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) resumeSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.live.Resume(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) stopSession(w http.ResponseWriter, r *http.Request) {
	flatten := r.URL.Query().Get("flatten") == "true"
	if r.ContentLength > 0 {
		var body struct {
			Flatten bool `json:"flatten"`
		}
		if err := h.decode(r, &body); err != nil {
			h.writeErr(w, r, err)
			return
		}
		flatten = body.Flatten
	}
	res, err := h.live.Stop(r.Context(), mux.Vars(r)["id"], flatten)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *handlers) killSwitch(w http.ResponseWriter, r *http.Request) {
	operator := "api"
	if r.ContentLength > 0 {
		var body struct {
			Operator string `json:"operator"`
		}
		if err := h.decode(r, &body); err != nil {
			h.writeErr(w, r, err)
			return
		}
		if body.Operator != "" {
			operator = body.Operator
		}
	}
	res, err := h.live.KillSwitch(r.Context(), operator)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// --- risk profiles ---

func (h *handlers) saveRiskProfile(w http.ResponseWriter, r *http.Request) {
	var profile risk.Profile
	if err := h.decode(r, &profile); err != nil {
		h.writeErr(w, r, err)
		return
	}
	created := profile.ID == ""
	saved, err := h.store.SaveRiskProfile(r.Context(), profile)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, saved)
}

func (h *handlers) getRiskProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.store.GetRiskProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

func (h *handlers) listRiskProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListRiskProfiles(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

// --- market data cache ---

func (h *handlers) cacheStatus(w http.ResponseWriter, r *http.Request) {
	entries := h.market.Catalog()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *handlers) deleteCache(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := strings.ToUpper(vars["symbol"])
	interval := domain.Interval(vars["interval"])
	if !interval.Valid() {
		h.writeErr(w, r, fmt.Errorf("interval %q: %w", vars["interval"], domain.ErrUnsupported))
		return
	}
	if err := h.market.DeleteCached(symbol, interval); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":  true,
		"symbol":   symbol,
		"interval": interval,
	})
}

// --- shutdown ---

// requestShutdown stops the process. The token comparison is constant-time;
// with no token configured the endpoint does not exist.
func (h *handlers) requestShutdown(w http.ResponseWriter, r *http.Request) {
	if h.token == "" {
		h.notFound(w, r)
		return
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
		h.writeJSON(w, http.StatusUnauthorized, errorBody{
			Error:   "UNAUTHORIZED",
			Message: "invalid shutdown token",
		})
		return
	}
	h.log.Warn().Str("request_id", requestID(r)).Msg("shutdown requested over http")
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if h.shutdown != nil {
		go h.shutdown()
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
