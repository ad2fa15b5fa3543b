package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/ingest"
	"github.com/joseph-ayodele/workledger/internal/themaads"
)

type createJobRequest struct {
	Name  string                `json:"name" form:"name"`
	Theme string                `json:"theme" form:"theme"`
	Start bool                  `json:"start" form:"start"`
	Items []entity.JobItemInput `json:"items"`
}

type jobResponse struct {
	*entity.Job
	Running bool `json:"running"`
}

func (s *Server) jobView(job *entity.Job) jobResponse {
	return jobResponse{Job: job, Running: s.deps.Jobs.IsRunning(job.ID)}
}

func (s *Server) jobsReady(c *gin.Context) bool {
	if s.deps.Jobs == nil {
		s.writeError(c, unavailable("job controller"))
		return false
	}
	return true
}

func (s *Server) jobKinds(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"kinds": s.deps.Jobs.Kinds(), "themes": constants.ThemesAsStringSlice()})
}

// createJob accepts a multipart upload (file, name, theme) or JSON with
// inline items. The job kind is derived from the theme.
func (s *Server) createJob(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	var (
		req       createJobRequest
		inputFile string
	)
	if isMultipart(c) {
		if err := c.ShouldBind(&req); err != nil {
			s.writeError(c, common.NewAppError("BAD_REQUEST", err.Error(), common.ErrInvalidInput))
			return
		}
		path, filename, cleanup, err := s.saveUpload(c)
		if err != nil {
			s.writeError(c, err)
			return
		}
		defer cleanup()
		if req.Items, err = ingest.ReadAdGroups(path); err != nil {
			s.writeError(c, err)
			return
		}
		inputFile = filename
	} else if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, common.NewAppError("BAD_REQUEST", err.Error(), common.ErrInvalidInput))
		return
	}

	theme, ok := constants.CanonicalizeTheme(req.Theme)
	if !ok {
		s.writeError(c, common.NewAppError("UNKNOWN_THEME",
			"theme must be one of "+strings.Join(constants.ThemesAsStringSlice(), ", "), common.ErrInvalidInput))
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = string(theme)
	}

	ctx := c.Request.Context()
	job, err := s.deps.Jobs.Create(ctx, name, themaads.Kind(theme), inputFile, req.Items)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("job.created", "job_id", job.ID, "kind", job.Kind, "total", job.Total)
	if req.Start {
		if job, err = s.deps.Jobs.StartAsync(ctx, job.ID); err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, s.jobView(job))
}

func (s *Server) listJobs(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	var statuses []constants.JobStatus
	for _, v := range splitQuery(c, "status") {
		statuses = append(statuses, constants.JobStatus(v))
	}
	list, err := s.deps.Jobs.List(c.Request.Context(), statuses...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]jobResponse, 0, len(list))
	for i := range list {
		out = append(out, s.jobView(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out, "count": len(out)})
}

func (s *Server) getJob(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	progress, err := s.deps.Jobs.Progress(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	job, err := s.deps.Jobs.Get(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": s.jobView(job), "progress": progress})
}

func (s *Server) jobItems(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	var statuses []constants.JobItemStatus
	for _, v := range splitQuery(c, "status") {
		statuses = append(statuses, constants.JobItemStatus(v))
	}
	items, err := s.deps.Jobs.Items(c.Request.Context(), c.Param("id"), statuses...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// startJob launches the job loop in the background and returns at once.
func (s *Server) startJob(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	job, err := s.deps.Jobs.StartAsync(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.jobView(job))
}

func (s *Server) resumeJob(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	job, err := s.deps.Jobs.ResumeAsync(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.jobView(job))
}

// pauseJob records the pause; the loop stops after its current batch.
func (s *Server) pauseJob(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	job, err := s.deps.Jobs.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.jobView(job))
}

func (s *Server) retryJob(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	n, err := s.deps.Jobs.RetryFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func (s *Server) deleteJob(c *gin.Context) {
	if !s.jobsReady(c) {
		return
	}
	if err := s.deps.Jobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
