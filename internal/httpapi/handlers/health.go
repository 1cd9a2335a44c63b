package handlers

import (
	"context"
	"net/http"
	"time"

	"reel/internal/httpkit"
	"reel/internal/worker"
)

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	worker.HealthSnapshot
	Checks map[string]map[string]any `json:"checks,omitempty"`
}

// Health reports queue and slot state. ?deep=true also checks dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	snap, err := h.health.Snapshot(ctx)
	if err != nil {
		return err
	}

	resp := healthResponse{Status: "ok", Service: h.service, HealthSnapshot: snap}
	if !snap.Ready {
		resp.Status = "starting"
	}

	if r.URL.Query().Get("deep") == "true" {
		resp.Checks = map[string]map[string]any{
			"job_store": h.checkStore(ctx),
			"storage":   h.checkStorage(),
		}
		for _, check := range resp.Checks {
			if check["status"] != "ok" {
				resp.Status = "degraded"
				log.Warn("health check degraded", "checks", resp.Checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) checkStore(ctx context.Context) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.store.Ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkStorage() map[string]any {
	if h.sp == nil {
		return map[string]any{"status": "error", "error": "no storage provider"}
	}
	// Only the provider type is reported; probing it would upload a file.
	return map[string]any{"status": "ok", "provider": h.sp.Provider()}
}
