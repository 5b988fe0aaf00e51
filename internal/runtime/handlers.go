package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-capture/internal/breaker"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/objective"
	"github.com/loqalabs/loqa-capture/internal/statecache"
	"github.com/loqalabs/loqa-capture/internal/tts"
)

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.nats.Healthy() && r.router.Healthy() && r.nodes.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type breakersResponse struct {
	Breakers []breaker.Status `json:"breakers"`
	Speech   []tts.Usage      `json:"speech_usage"`
}

func (r *Runtime) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, breakersResponse{
		Breakers: r.breakers.Snapshot(),
		Speech:   r.dispatcher.Usage(),
	})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.nodes.Query(nil))
}

// handleObjectives serves the cached objectives of a trace, rebuilding them
// from the event log on a miss.
func (r *Runtime) handleObjectives(w http.ResponseWriter, req *http.Request) {
	traceID := req.PathValue("trace")
	objs, err := r.cache.List(req.Context(), traceID)
	if err == nil && len(objs) == 0 {
		objs, err = statecache.Rebuild(req.Context(), r.log, r.cache, traceID)
	}
	switch {
	case errors.Is(err, eventstore.ErrUnknownConversation):
		http.Error(w, "unknown conversation", http.StatusNotFound)
		return
	case err != nil:
		r.logger.Warn("objective lookup failed", slog.String("trace_id", traceID), slog.String("error", err.Error()))
		http.Error(w, "objective lookup failed", http.StatusInternalServerError)
		return
	}
	if objs == nil {
		objs = []objective.Objective{}
	}
	r.writeJSON(w, http.StatusOK, objs)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("response encode failed", slog.String("error", err.Error()))
	}
}
