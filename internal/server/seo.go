package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/workledger/internal/common"
)

const defaultRecent = 5

func (s *Server) seoStatus(c *gin.Context) {
	if s.deps.SEO == nil {
		s.writeError(c, unavailable("seo pipeline"))
		return
	}
	recent := defaultRecent
	if v := c.Query("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(c, common.NewAppError("BAD_REQUEST", "recent must be a non-negative integer", common.ErrInvalidInput))
			return
		}
		recent = n
	}
	rep, err := s.deps.SEO.Status(c.Request.Context(), recent)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) seoSyncFlags(c *gin.Context) {
	if s.deps.SEO == nil {
		s.writeError(c, unavailable("seo pipeline"))
		return
	}
	stats, err := s.deps.SEO.SyncFlags(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
