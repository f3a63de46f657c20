package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dubflow/internal/events"
	"github.com/dubflow/internal/pipeline"
	"github.com/dubflow/internal/supervisor"
	"github.com/dubflow/internal/version"
	"github.com/dubflow/pkg/logger"
)

// Handler handles HTTP requests.
type Handler struct {
	sup *supervisor.Supervisor
	bus *events.Bus
}

// New creates a new Handler.
func New(sup *supervisor.Supervisor, bus *events.Bus) *Handler {
	return &Handler{sup: sup, bus: bus}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/version", h.Version)

		// Job lifecycle
		api.POST("/jobs", h.CreateJob)
		api.GET("/jobs", h.ListJobs)
		api.GET("/jobs/stats", h.Stats)
		api.GET("/jobs/:id", h.GetJob)
		api.POST("/jobs/:id/restart", h.RestartJob)
		api.POST("/jobs/:id/cancel", h.CancelJob)
		api.POST("/jobs/:id/pause", h.PauseJob)
		api.POST("/jobs/:id/resume", h.ResumeJob)
		api.POST("/jobs/:id/approve", h.ApproveJob)

		// Live progress (SSE)
		api.GET("/jobs/:id/events", h.JobEvents)
	}
}

// Health returns service health status.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Version returns service version.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": version.Version})
}

// CreateJobRequest is the request body for starting a localization job.
type CreateJobRequest struct {
	SourceVideoID   string   `json:"source_video_id" binding:"required"`
	TargetLanguages []string `json:"target_languages" binding:"required,min=1"`
	// Executor optionally pins the stage strategy ("simulated" or "live");
	// empty means the configured default.
	Executor string `json:"executor"`
}

// CreateJob creates a new job and starts its pipeline.
func (h *Handler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.sup.CreateJob(c.Request.Context(), req.SourceVideoID, req.TargetLanguages, req.Executor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "job started",
		"job":     job,
	})
}

// ListJobs returns all jobs, newest first.
func (h *Handler) ListJobs(c *gin.Context) {
	jobs, err := h.sup.Jobs(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns one job by id.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.sup.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Stats returns job counts by status.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.sup.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RestartJob resets a finished job and runs the pipeline again.
func (h *Handler) RestartJob(c *gin.Context) {
	job, err := h.sup.RestartJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "job restarted",
		"job":     job,
	})
}

// CancelJob requests cancellation at the next stage boundary.
func (h *Handler) CancelJob(c *gin.Context) {
	if err := h.sup.CancelJob(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

// PauseJob requests a pause at the next stage boundary.
func (h *Handler) PauseJob(c *gin.Context) {
	if err := h.sup.PauseJob(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "pause requested"})
}

// ResumeJob continues a paused job.
func (h *Handler) ResumeJob(c *gin.Context) {
	if err := h.sup.ResumeJob(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "job resumed"})
}

// ApproveJob moves a waiting_approval job into the publish phase.
func (h *Handler) ApproveJob(c *gin.Context) {
	job, err := h.sup.ApproveAndPublish(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "job approved, publishing",
		"job":     job,
	})
}

// JobEvents streams the job's progress events as SSE until the job reaches a
// terminal state or the client disconnects. Late subscribers immediately get
// the job's latest event.
func (h *Handler) JobEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sup.Job(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	ch, unsubscribe := h.bus.Subscribe(id)
	defer unsubscribe()
	logger.Debugf("📺 SSE subscriber attached to job %s", id)

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("progress", event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// fail maps domain errors onto HTTP status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrInvalidState), errors.Is(err, pipeline.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, supervisor.ErrCapacity):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
