package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/ingest"
)

const uploadField = "file"

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// saveUpload stores the multipart file under the upload dir, keeping its
// extension so the readers can pick the right format. The returned
// cleanup removes it.
func (s *Server) saveUpload(c *gin.Context) (string, string, func(), error) {
	fh, err := c.FormFile(uploadField)
	if err != nil {
		return "", "", nil, common.NewAppError("MISSING_FILE", "multipart field \"file\" is required", common.ErrInvalidInput)
	}
	ext := filepath.Ext(fh.Filename)
	if !ingest.AllowedExt(ext) {
		return "", "", nil, common.NewAppError("UNSUPPORTED_FILE", "unsupported file type "+ext, common.ErrInvalidInput)
	}
	tmp, err := os.CreateTemp(s.deps.UploadDir, "upload-*"+ext)
	if err != nil {
		return "", "", nil, common.WrapError(err, "create upload file")
	}
	path := tmp.Name()
	_ = tmp.Close()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("upload.cleanup.failed", "path", path, "error", err)
		}
	}
	if err := c.SaveUploadedFile(fh, path); err != nil {
		cleanup()
		return "", "", nil, common.WrapError(err, "save upload")
	}
	s.logger.Info("upload.saved", "filename", fh.Filename, "size", fh.Size)
	return path, fh.Filename, cleanup, nil
}

// seoEnqueue accepts {"urls": [...]} or an uploaded URL list.
func (s *Server) seoEnqueue(c *gin.Context) {
	if s.deps.SEO == nil {
		s.writeError(c, unavailable("seo pipeline"))
		return
	}
	var urls []string
	if isMultipart(c) {
		path, _, cleanup, err := s.saveUpload(c)
		if err != nil {
			s.writeError(c, err)
			return
		}
		defer cleanup()
		if urls, err = ingest.ReadURLs(path); err != nil {
			s.writeError(c, err)
			return
		}
	} else {
		var req struct {
			URLs []string `json:"urls" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, common.NewAppError("BAD_REQUEST", err.Error(), common.ErrInvalidInput))
			return
		}
		urls = req.URLs
	}

	n, err := s.deps.SEO.Enqueue(c.Request.Context(), urls)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"received": len(urls), "enqueued": n})
}

// seoImport accepts {"rows": [{"key", "content"}]} or an uploaded
// "url;content" file.
func (s *Server) seoImport(c *gin.Context) {
	if s.deps.SEO == nil {
		s.writeError(c, unavailable("seo pipeline"))
		return
	}
	var rows []entity.Output
	if isMultipart(c) {
		path, _, cleanup, err := s.saveUpload(c)
		if err != nil {
			s.writeError(c, err)
			return
		}
		defer cleanup()
		if rows, err = ingest.ReadContent(path); err != nil {
			s.writeError(c, err)
			return
		}
	} else {
		var req struct {
			Rows []entity.Output `json:"rows" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, common.NewAppError("BAD_REQUEST", err.Error(), common.ErrInvalidInput))
			return
		}
		rows = req.Rows
	}
	if len(rows) == 0 {
		s.writeError(c, common.NewAppError("EMPTY_INPUT", "no rows to import", common.ErrInvalidInput))
		return
	}

	n, err := s.deps.SEO.Import(c.Request.Context(), rows)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"received": len(rows), "imported": n})
}
