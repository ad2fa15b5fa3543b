package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/export"
)

func (s *Server) exportFormat(c *gin.Context) (export.Format, bool) {
	f, err := export.ParseFormat(c.DefaultQuery("format", string(export.FormatXLSX)))
	if err != nil {
		s.writeError(c, err)
		return "", false
	}
	return f, true
}

func sendExport(c *gin.Context, name string, f export.Format, data []byte) {
	filename := fmt.Sprintf("%s-%s.%s", name, time.Now().UTC().Format("20060102-150405"), f)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, f.ContentType(), data)
}

// splitQuery reads a repeated or comma separated query parameter.
func splitQuery(c *gin.Context, name string) []string {
	var out []string
	for _, v := range c.QueryArray(name) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// exportTracking handles GET /api/v1/seo/export?format=xlsx&status=failed,skipped.
func (s *Server) exportTracking(c *gin.Context) {
	if s.deps.Export == nil {
		s.writeError(c, unavailable("export"))
		return
	}
	f, ok := s.exportFormat(c)
	if !ok {
		return
	}
	var statuses []constants.TrackingStatus
	for _, v := range splitQuery(c, "status") {
		statuses = append(statuses, constants.TrackingStatus(v))
	}
	data, err := s.deps.Export.ExportTracking(c.Request.Context(), f, statuses...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sendExport(c, "tracking", f, data)
}

// exportLinkReports handles GET /api/v1/seo/link-reports?broken=true.
func (s *Server) exportLinkReports(c *gin.Context) {
	if s.deps.Export == nil {
		s.writeError(c, unavailable("export"))
		return
	}
	f, ok := s.exportFormat(c)
	if !ok {
		return
	}
	broken, _ := strconv.ParseBool(c.DefaultQuery("broken", "false"))
	data, err := s.deps.Export.ExportLinkReports(c.Request.Context(), f, broken)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sendExport(c, "link-reports", f, data)
}

// exportJobItems handles GET /api/v1/jobs/:id/export?status=failed.
func (s *Server) exportJobItems(c *gin.Context) {
	if s.deps.Export == nil {
		s.writeError(c, unavailable("export"))
		return
	}
	f, ok := s.exportFormat(c)
	if !ok {
		return
	}
	var statuses []constants.JobItemStatus
	for _, v := range splitQuery(c, "status") {
		statuses = append(statuses, constants.JobItemStatus(v))
	}
	id := c.Param("id")
	data, err := s.deps.Export.ExportJobItems(c.Request.Context(), id, f, statuses...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sendExport(c, "job-"+id, f, data)
}
