package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

// TrackingLister reads ledger tracking records.
type TrackingLister interface {
	ListTracking(ctx context.Context, statuses ...constants.TrackingStatus) ([]entity.TrackingRecord, error)
}

// JobItemLister reads the items of one job.
type JobItemLister interface {
	ListItems(ctx context.Context, jobID string, statuses ...constants.JobItemStatus) ([]entity.JobItem, error)
}

// ReportLister reads link validation reports.
type ReportLister interface {
	ListLinkReports(ctx context.Context, brokenOnly bool) ([]entity.LinkReport, error)
}

// Format selects the file type of an export.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ParseFormat defaults to xlsx.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "xlsx":
		return FormatXLSX, nil
	case "csv":
		return FormatCSV, nil
	default:
		return "", common.NewAppError("INVALID_FORMAT", fmt.Sprintf("unknown export format %q", s), common.ErrInvalidInput)
	}
}

// ContentType is the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Service turns ledger rows into XLSX or CSV bytes for exports.
type Service struct {
	tracking TrackingLister
	items    JobItemLister
	reports  ReportLister
	logger   *slog.Logger
}

func NewService(tracking TrackingLister, items JobItemLister, reports ReportLister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{tracking: tracking, items: items, reports: reports, logger: logger}
}

// table is one sheet of an export.
type table struct {
	sheet   string
	headers []string
	widths  []float64
	rows    [][]any
}

// ExportTracking exports tracking records with their reason spelled out.
// With no statuses it exports failed and skipped records.
func (s *Service) ExportTracking(ctx context.Context, format Format, statuses ...constants.TrackingStatus) ([]byte, error) {
	if len(statuses) == 0 {
		statuses = []constants.TrackingStatus{constants.TrackingFailed, constants.TrackingSkipped}
	}
	recs, err := s.tracking.ListTracking(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("query tracking: %w", err)
	}
	t := table{
		sheet:   "Tracking",
		headers: []string{"Key", "Status", "Reason", "Explanation", "Attempted At"},
		widths:  []float64{60, 12, 36, 48, 22},
	}
	for _, r := range recs {
		t.rows = append(t.rows, []any{
			r.Key,
			string(r.Status),
			r.Reason,
			constants.DescribeReason(r.Reason),
			r.AttemptedAt.UTC().Format(time.DateTime),
		})
	}
	return s.render(format, t, "tracking")
}

// ExportJobItems exports the items of a job. With no statuses it exports
// failed and skipped items, the ones someone has to look at.
func (s *Service) ExportJobItems(ctx context.Context, jobID string, format Format, statuses ...constants.JobItemStatus) ([]byte, error) {
	if len(statuses) == 0 {
		statuses = []constants.JobItemStatus{constants.JobItemFailed, constants.JobItemSkipped}
	}
	items, err := s.items.ListItems(ctx, jobID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("query job items: %w", err)
	}
	t := table{
		sheet:   "Job Items",
		headers: []string{"customer_id", "campaign_id", "campaign_name", "ad_group_id", "status", "new_ad_resource", "error", "explanation"},
		widths:  []float64{14, 14, 28, 14, 12, 48, 36, 48},
	}
	for _, it := range items {
		reason := deref(it.ErrorMessage)
		t.rows = append(t.rows, []any{
			it.CustomerID,
			it.CampaignID,
			it.CampaignName,
			it.AdGroupID,
			string(it.Status),
			deref(it.NewResource),
			reason,
			constants.DescribeReason(reason),
		})
	}
	return s.render(format, t, "job_items")
}

// ExportLinkReports exports one row per broken link, or per report when
// brokenOnly is false and a report has none.
func (s *Service) ExportLinkReports(ctx context.Context, format Format, brokenOnly bool) ([]byte, error) {
	reports, err := s.reports.ListLinkReports(ctx, brokenOnly)
	if err != nil {
		return nil, fmt.Errorf("query link reports: %w", err)
	}
	t := table{
		sheet:   "Links",
		headers: []string{"Content URL", "Total Links", "Valid Links", "Broken Link", "Status Code", "Validated At"},
		widths:  []float64{60, 12, 12, 60, 12, 22},
	}
	for _, r := range reports {
		validated := r.ValidatedAt.UTC().Format(time.DateTime)
		if !r.HasBrokenLinks() {
			t.rows = append(t.rows, []any{r.Key, r.TotalLinks, r.ValidLinks, "", "", validated})
			continue
		}
		for _, b := range r.BrokenLinks {
			t.rows = append(t.rows, []any{r.Key, r.TotalLinks, r.ValidLinks, b.FullURL, b.StatusCode, validated})
		}
	}
	return s.render(format, t, "link_reports")
}

func (s *Service) render(format Format, t table, what string) ([]byte, error) {
	start := time.Now()
	var (
		out []byte
		err error
	)
	switch format {
	case FormatCSV:
		out, err = renderCSV(t)
	default:
		out, err = renderXLSX(t)
	}
	if err != nil {
		s.logger.Error("export.render.failed", "export", what, "format", string(format), "error", err)
		return nil, err
	}
	s.logger.Info("export.render.ok",
		"export", what,
		"format", string(format),
		"rows", len(t.rows),
		"bytes", len(out),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func renderXLSX(t table) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if index, _ := f.GetSheetIndex(t.sheet); index == -1 {
		if _, err := f.NewSheet(t.sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(t.sheet)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range t.headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(t.sheet, cell, h)
	}
	for r, row := range t.rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(t.sheet, cell, v)
		}
	}
	for i, w := range t.widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(t.sheet, col, col, w)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func renderCSV(t table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.headers); err != nil {
		return nil, err
	}
	for _, row := range t.rows {
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = cellString(v)
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv write: %w", err)
	}
	return buf.Bytes(), nil
}

func cellString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
