package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/hive-corporation/threshold-gate/internal/core/domain"
	"github.com/hive-corporation/threshold-gate/internal/core/gate"
	"github.com/hive-corporation/threshold-gate/internal/core/ports"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultTriggerLimit = 100
	maxTriggerLimit     = 1000
	requestTimeout      = 5 * time.Second
)

// StateReader is the read side of the state store
type StateReader interface {
	Get(ctx context.Context, alertUID string) (*domain.AlertTrack, error)
	Stats(ctx context.Context) (domain.StoreStats, error)
}

// GateStats exposes the running gate counters
type GateStats interface {
	Stats() gate.Stats
}

// RestHandler serves the read-only status API
type RestHandler struct {
	store    StateReader
	gate     GateStats
	triggers ports.TriggerRepository
	log      zerolog.Logger
	now      func() time.Time
}

// NewRestHandler creates a handler. triggers may be nil when no audit
// database is configured.
func NewRestHandler(store StateReader, g GateStats, triggers ports.TriggerRepository, log zerolog.Logger) *RestHandler {
	return &RestHandler{
		store:    store,
		gate:     g,
		triggers: triggers,
		log:      log,
		now:      time.Now,
	}
}

// Health check endpoint
func (h *RestHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"service":   "threshold-gate",
	})
}

// StateStats reports the state store summary and the gate counters
func (h *RestHandler) StateStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read state stats")
		writeError(w, http.StatusInternalServerError, "failed to read state stats")
		return
	}

	response := map[string]interface{}{
		"store": stats,
	}
	if h.gate != nil {
		response["gate"] = h.gate.Stats()
	}
	writeJSON(w, http.StatusOK, response)
}

// GetAlertState returns the tracking record of one alert
func (h *RestHandler) GetAlertState(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rec, err := h.store.Get(ctx, uid)
	if err != nil {
		h.log.Error().Err(err).Str("alert_uid", uid).Msg("failed to read alert state")
		writeError(w, http.StatusInternalServerError, "failed to read alert state")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "alert is not tracked")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListTriggers returns audited triggers, either for one alert
// (?alert_uid=) or since a relative time (?since=24h, default 24h)
func (h *RestHandler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	if h.triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "trigger audit is not configured")
		return
	}

	q := r.URL.Query()

	limit := defaultTriggerLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = min(n, maxTriggerLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var (
		records []domain.TriggerRecord
		err     error
	)
	if uid := q.Get("alert_uid"); uid != "" {
		records, err = h.triggers.FindByAlert(ctx, uid, limit)
	} else {
		since := 24 * time.Hour
		if v := q.Get("since"); v != "" {
			since, err = parseSince(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid 'since' parameter (use format like '24h', '7d')")
				return
			}
		}
		records, err = h.triggers.FindSince(ctx, h.now().Add(-since), limit)
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to query triggers")
		writeError(w, http.StatusInternalServerError, "failed to query triggers")
		return
	}

	if records == nil {
		records = []domain.TriggerRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(records),
		"triggers": records,
	})
}

// parseSince accepts Go durations plus a whole-day "Nd" form
func parseSince(v string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, domain.ConfigError("since", "invalid day count %q", v)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, domain.ConfigError("since", "negative duration %q", v)
	}
	return d, nil
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
