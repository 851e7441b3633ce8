package statusapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opine/edgesync/internal/replication"
	"github.com/opine/edgesync/internal/version"
)

// SnapshotSource provides the live daemon state.
type SnapshotSource interface {
	Snapshot() *replication.Snapshot
}

type StatusHandler struct {
	source SnapshotSource
}

func NewStatusHandler(source SnapshotSource) *StatusHandler {
	return &StatusHandler{source: source}
}

type HealthResponse struct {
	Status    string   `json:"status"`
	Timestamp string   `json:"timestamp"`
	Version   string   `json:"version"`
	Failing   []string `json:"failing,omitempty"`
}

// Health answers 503 while the latest transfer of any rule has failed.
func (h *StatusHandler) Health(ctx *gin.Context) {
	snap := h.source.Snapshot()

	resp := &HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Version,
	}
	for _, r := range snap.Rules {
		if r.LastResult != nil && r.LastResult.Outcome == "failed" {
			resp.Failing = append(resp.Failing, r.Name)
		}
	}

	if !snap.Healthy() {
		resp.Status = "degraded"
		ctx.PureJSON(http.StatusServiceUnavailable, resp)
		return
	}
	ctx.PureJSON(http.StatusOK, resp)
}

func (h *StatusHandler) Status(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, h.source.Snapshot())
}
