package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cuongbtq/adgen-pipeline/internal/api/dto"
	"github.com/cuongbtq/adgen-pipeline/internal/dispatcher"
	"github.com/cuongbtq/adgen-pipeline/internal/domain"
)

const eventWriteWait = 5 * time.Second

// CreateJob handles POST /api/v1/jobs
// Submits a generation request and returns the PENDING job
func (h *JobHandler) CreateJob(c *gin.Context) {
	ownerID := OwnerID(c)
	h.logger.Info("CreateJob called",
		slog.String("path", c.Request.URL.Path),
		slog.String("owner_id", ownerID),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	job, err := h.dispatcher.Submit(c.Request.Context(), ownerID, dispatcher.SubmitRequest{
		ProductID:      req.ProductID,
		TemplateID:     req.TemplateID,
		VariableValues: req.VariableValues,
		UserPrompt:     req.UserPrompt,
		AspectRatio:    req.AspectRatio,
		VariantsCount:  req.VariantsCount,
		ProviderHint:   req.ProviderHint,
		AdID:           req.AdID,
		Title:          req.Title,
	})
	if err != nil {
		h.respondError(c, err, "Failed to create job")
		return
	}

	c.JSON(http.StatusAccepted, dto.FromJob(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.dispatcher.Get(c.Request.Context(), jobID, OwnerID(c))
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs newest first with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	page, err := h.dispatcher.List(c.Request.Context(), OwnerID(c), dispatcher.ListFilter{
		Status:   domain.JobStatus(strings.ToUpper(strings.TrimSpace(req.Status))),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "Failed to list jobs")
		return
	}

	jobs := make([]dto.JobDTO, len(page.Jobs))
	for i, job := range page.Jobs {
		jobs[i] = dto.FromJob(job)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: EncodeJobCursor(page.NextCursor),
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a PENDING or PROCESSING job
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	h.logger.Info("CancelJob called",
		slog.String("job_id", jobID),
		slog.String("owner_id", OwnerID(c)),
	)

	job, err := h.dispatcher.Cancel(c.Request.Context(), jobID, OwnerID(c))
	if err != nil {
		h.respondError(c, err, "Failed to cancel job")
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// JobEvents handles GET /api/v1/jobs/:job_id/events
// Upgrades to a websocket and pushes a snapshot whenever the job changes,
// closing the stream once the job is terminal
func (h *JobHandler) JobEvents(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	ownerID := OwnerID(c)

	job, err := h.dispatcher.Get(c.Request.Context(), jobID, ownerID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to websocket", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var last string
	for {
		if sig := eventSignature(job); sig != last {
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(dto.NewJobEvent(job)); err != nil {
				h.logger.Debug("Job events client gone", slog.String("job_id", jobID), slog.Any("error", err))
				return
			}
			last = sig
		}

		if job.Status.IsTerminal() {
			closeStream(conn, websocket.CloseNormalClosure, "job finished")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err = h.dispatcher.Get(ctx, jobID, ownerID)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Error("Failed to poll job for events",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
				closeStream(conn, websocket.CloseInternalServerErr, "job unavailable")
			}
			return
		}
	}
}

func eventSignature(job *domain.GenerationJob) string {
	return fmt.Sprintf("%s|%d|%d", job.Status, job.Attempts, job.UpdatedAt.UnixNano())
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(eventWriteWait),
	)
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return "", false
	}
	return jobID, true
}

// respondError maps domain errors onto HTTP statuses.
func (h *JobHandler) respondError(c *gin.Context, err error, msg string) {
	var (
		verr     *domain.ValidationError
		conflict *domain.ConflictError
	)

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Validation failed", Fields: verr.Fields})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "Job is already finished", Status: conflict.Status.String()})
	case errors.Is(err, domain.ErrConflict):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "Job is already finished"})
	case errors.Is(err, domain.ErrInsufficientCredit):
		c.JSON(http.StatusPaymentRequired, dto.ErrorResponse{Error: "Insufficient generation credit"})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: msg})
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || origin == "" {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}
