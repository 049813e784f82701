package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slidecore/orchestrator/internal/orchestrator"
	"github.com/slidecore/orchestrator/internal/slide"
)

type SlideHandler struct {
	facade            *orchestrator.Facade
	heartbeatInterval time.Duration
}

func NewSlideHandler(facade *orchestrator.Facade, heartbeatInterval time.Duration) *SlideHandler {
	return &SlideHandler{facade: facade, heartbeatInterval: heartbeatInterval}
}

type submitRequest struct {
	Kind slide.Kind `json:"kind" binding:"required"`
}

// POST /api/slides/:base_name/submit
func (h *SlideHandler) Submit(c *gin.Context) {
	base := slide.BaseName(c.Param("base_name"))
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req.Kind = slide.KindInitial
	}
	res, err := h.facade.Submit(base, req.Kind)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"job_id": res.JobID, "position": res.Position})
}

// POST /api/slides/:base_name/cancel
func (h *SlideHandler) Cancel(c *gin.Context) {
	base := slide.BaseName(c.Param("base_name"))
	if err := h.facade.Cancel(base); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /api/slides/:base_name
func (h *SlideHandler) Delete(c *gin.Context) {
	base := slide.BaseName(c.Param("base_name"))
	res, err := h.facade.Delete(base)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"source_renamed": res.SourceRenamed, "artifact_renamed": res.ArtifactRenamed})
}

// GET /api/slides/:base_name/status
func (h *SlideHandler) Status(c *gin.Context) {
	base := slide.BaseName(c.Param("base_name"))
	snap, active := h.facade.Status(base)
	if !active {
		respondOK(c, gin.H{"status": "not_active"})
		return
	}
	respondOK(c, gin.H{"status": "active", "job": snap})
}

// GET /api/slides
func (h *SlideHandler) List(c *gin.Context) {
	list, err := h.facade.ListSlides()
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"slides": list})
}

// GET /api/events — a long-lived SSE connection streaming every event
// the bus emits. Disconnection (client gone, or the bus closing the
// subscription for a slow reader) ends the handler.
func (h *SlideHandler) Subscribe(c *gin.Context) {
	sub := h.facade.Subscribe()
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w gin.ResponseWriter) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
