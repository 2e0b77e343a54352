package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cuongbtq/adgen-pipeline/internal/dispatcher"
)

// OwnerContextKey is the gin context key holding the authenticated owner id.
const OwnerContextKey = "owner_id"

const defaultEventPollInterval = time.Second

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger            *slog.Logger
	Dispatcher        *dispatcher.Dispatcher
	Store             Pinger
	EventPollInterval time.Duration
	AllowedOrigins    []string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	dispatcher   *dispatcher.Dispatcher
	pollInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	interval := deps.EventPollInterval
	if interval <= 0 {
		interval = defaultEventPollInterval
	}

	return &JobHandler{
		logger:       deps.Logger,
		dispatcher:   deps.Dispatcher,
		pollInterval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(deps.AllowedOrigins),
		},
	}
}

// OwnerID returns the owner resolved by the auth middleware.
func OwnerID(c *gin.Context) string {
	return c.GetString(OwnerContextKey)
}
