package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/export"
	"github.com/joseph-ayodele/workledger/internal/jobs"
	"github.com/joseph-ayodele/workledger/internal/seo"
)

const requestIDHeader = "X-Request-ID"

// BatchRunner runs one batch of a pipeline.
type BatchRunner interface {
	RunBatch(ctx context.Context, size, workers int) (*core.BatchResult, error)
}

// Pinger reports store health.
type Pinger interface {
	PingStores(ctx context.Context, timeout time.Duration) error
}

// Deps are the services the HTTP surface delegates to. Nil members turn
// their routes into 503 responses.
type Deps struct {
	SEO       *seo.Service
	Pipelines map[string]BatchRunner
	Jobs      *jobs.Controller
	Export    *export.Service
	Health    Pinger
	Metrics   http.Handler
	Batch     common.BatchConfig
	UploadDir string
}

// Server holds the gin handlers.
type Server struct {
	deps   Deps
	logger *slog.Logger

	mu   sync.Mutex
	busy map[string]bool
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pipelines == nil {
		deps.Pipelines = map[string]BatchRunner{}
	}
	return &Server{deps: deps, logger: logger, busy: map[string]bool{}}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(s.requestLogger(), gin.Recovery())

	router.GET("/health", s.health)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	v1 := router.Group("/api/v1")

	seoGroup := v1.Group("/seo")
	seoGroup.GET("/status", s.seoStatus)
	seoGroup.POST("/enqueue", s.seoEnqueue)
	seoGroup.POST("/import", s.seoImport)
	seoGroup.POST("/sync-flags", s.seoSyncFlags)
	seoGroup.GET("/export", s.exportTracking)
	seoGroup.GET("/link-reports", s.exportLinkReports)

	v1.POST("/pipelines/:name/batches", s.runBatch)

	jobGroup := v1.Group("/jobs")
	jobGroup.GET("/kinds", s.jobKinds)
	jobGroup.POST("", s.createJob)
	jobGroup.GET("", s.listJobs)
	jobGroup.GET("/:id", s.getJob)
	jobGroup.GET("/:id/items", s.jobItems)
	jobGroup.GET("/:id/export", s.exportJobItems)
	jobGroup.POST("/:id/start", s.startJob)
	jobGroup.POST("/:id/pause", s.pauseJob)
	jobGroup.POST("/:id/resume", s.resumeJob)
	jobGroup.POST("/:id/retry", s.retryJob)
	jobGroup.DELETE("/:id", s.deleteJob)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		c.Next()

		s.logger.Info("http.request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	if err := s.deps.Health.PingStores(c.Request.Context(), 2*time.Second); err != nil {
		s.logger.Warn("health.failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runBatch runs one batch of the named pipeline. Batches of a pipeline
// never overlap; a second request while one runs gets 409.
func (s *Server) runBatch(c *gin.Context) {
	name := c.Param("name")
	runner, ok := s.deps.Pipelines[name]
	if !ok {
		s.writeError(c, common.NewAppError("UNKNOWN_PIPELINE", "no pipeline named "+name, common.ErrNotFound))
		return
	}
	var req struct {
		Size    int `json:"size"`
		Workers int `json:"workers"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, common.NewAppError("BAD_REQUEST", err.Error(), common.ErrInvalidInput))
			return
		}
	}
	if req.Size == 0 {
		req.Size = s.deps.Batch.Size
	}
	if req.Workers == 0 {
		req.Workers = s.deps.Batch.Workers
	}

	if !s.claim(name) {
		s.writeError(c, common.NewAppError("ALREADY_RUNNING", "a batch of "+name+" is already running", common.ErrAlreadyRunning))
		return
	}
	defer s.release(name)

	res, err := runner.RunBatch(c.Request.Context(), req.Size, req.Workers)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[name] {
		return false
	}
	s.busy[name] = true
	return true
}

func (s *Server) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, name)
}

// writeError maps sentinel errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrInvalidState), errors.Is(err, common.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, common.ErrStoreDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, common.ErrNothingToDo):
		status = http.StatusUnprocessableEntity
	}
	body := gin.H{"error": err.Error()}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		body["code"] = appErr.Code
		body["error"] = appErr.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("http.request.failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func unavailable(what string) error {
	return common.NewAppError("UNAVAILABLE", what+" is not configured", common.ErrStoreDisabled)
}
