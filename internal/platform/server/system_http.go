package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type SystemHandler struct {
	Store     Pinger
	Log       *zap.Logger
	StartedAt time.Time
	Clock     clock.Clock
	Version   string
}

func (h SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.ready)
	mux.HandleFunc("/version", h.status)
}

func (h SystemHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h SystemHandler) ready(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			if h.Log != nil {
				h.Log.Warn("readiness check failed", zap.Error(err))
			}
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h SystemHandler) status(w http.ResponseWriter, _ *http.Request) {
	clk := h.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	now := clk.Now().UTC()
	body := map[string]any{
		"service":     "open-ledger-go",
		"version":     h.Version,
		"server_time": now.Format(time.RFC3339Nano),
	}
	if !h.StartedAt.IsZero() {
		body["uptime"] = now.Sub(h.StartedAt).String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
