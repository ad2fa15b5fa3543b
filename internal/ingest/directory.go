package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// FileResult is the per-file outcome of a directory read.
type FileResult struct {
	Path string
	URLs int
	Err  string
}

// DirStats summarizes a directory read.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

// ReadDirectory walks root and reads URLs from every supported file, in walk
// order. Unreadable files are reported per file and do not stop the walk.
func ReadDirectory(root string, skipHidden bool) ([]string, []FileResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, nil, DirStats{}, errors.New("root path is required")
	}

	var (
		urls    []string
		results []FileResult
		stats   DirStats
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		stats.Scanned++
		if walkErr != nil {
			results = append(results, FileResult{Path: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		got, err := ReadURLs(path)
		if err != nil {
			results = append(results, FileResult{Path: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		urls = append(urls, got...)
		results = append(results, FileResult{Path: path, URLs: len(got)})
		stats.Succeeded++
		return nil
	})
	if err != nil {
		return urls, results, stats, fmt.Errorf("walk: %w", err)
	}
	return urls, results, stats, nil
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
