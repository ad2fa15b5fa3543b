package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

// AllowedExt reports whether ext names a readable input format.
func AllowedExt(ext string) bool {
	_, ok := constants.AllowedExtensions[constants.NormalizeExt(ext)]
	return ok
}

// ReadURLs reads a list of URLs: one per line for .txt, the first column
// of a .csv, or the first column of the first sheet of an .xlsx. A header
// row and blank lines are skipped.
func ReadURLs(path string) ([]string, error) {
	rows, err := readRows(path, 0)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		v := strings.TrimSpace(row[0])
		if !looksLikeURL(v) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadContent reads a semicolon separated "url;content" file of
// pre-generated content. The header row is optional.
func ReadContent(path string) ([]entity.Output, error) {
	rows, err := readRows(path, ';')
	if err != nil {
		return nil, err
	}
	var out []entity.Output
	for i, row := range rows {
		if len(row) < 2 {
			continue
		}
		key := strings.TrimSpace(row[0])
		if i == 0 && !looksLikeURL(key) {
			continue
		}
		content := strings.TrimSpace(strings.Join(row[1:], ";"))
		if key == "" || content == "" {
			continue
		}
		out = append(out, entity.Output{Key: key, Content: content})
	}
	return out, nil
}

// adGroupColumns are the accepted header names per field.
var adGroupColumns = map[string][]string{
	"customer_id":   {"customer_id", "customerid", "customer id"},
	"campaign_id":   {"campaign_id", "campaignid", "campaign id"},
	"campaign_name": {"campaign_name", "campaignname", "campaign name", "campaign"},
	"ad_group_id":   {"ad_group_id", "adgroupid", "ad group id", "adgroup_id"},
}

// ReadAdGroups reads the ad group input of a themed ads job. The file needs
// a header naming at least customer_id and ad_group_id; columns may come in
// any order and the delimiter may be ',' or ';'.
func ReadAdGroups(path string) ([]entity.JobItemInput, error) {
	rows, err := readRows(path, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, common.NewAppError("EMPTY_INPUT", "input file has no rows", common.ErrInvalidInput)
	}
	idx := map[string]int{}
	for i, h := range rows[0] {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for field, names := range adGroupColumns {
			for _, n := range names {
				if h == n {
					idx[field] = i
				}
			}
		}
	}
	if _, ok := idx["customer_id"]; !ok {
		return nil, common.NewAppError("MISSING_COLUMN", "input needs a customer_id column", common.ErrInvalidInput)
	}
	if _, ok := idx["ad_group_id"]; !ok {
		return nil, common.NewAppError("MISSING_COLUMN", "input needs an ad_group_id column", common.ErrInvalidInput)
	}

	cell := func(row []string, field string) string {
		i, ok := idx[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	var out []entity.JobItemInput
	for _, row := range rows[1:] {
		in := entity.JobItemInput{
			CustomerID:   strings.ReplaceAll(cell(row, "customer_id"), "-", ""),
			CampaignID:   cell(row, "campaign_id"),
			CampaignName: cell(row, "campaign_name"),
			AdGroupID:    cell(row, "ad_group_id"),
		}
		if in.CustomerID == "" && in.AdGroupID == "" {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// readRows loads every row of a csv, txt or xlsx file. comma 0 sniffs the
// delimiter from the first line.
func readRows(path string, comma rune) ([][]string, error) {
	ext := constants.NormalizeExt(filepath.Ext(path))
	if !AllowedExt(ext) {
		return nil, common.NewAppError("UNSUPPORTED_FORMAT", fmt.Sprintf("unsupported file type %q", ext), common.ErrInvalidInput)
	}
	if ext == "xlsx" {
		return readXLSX(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if ext == "txt" {
		var rows [][]string
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				rows = append(rows, []string{line})
			}
		}
		return rows, nil
	}
	if comma == 0 {
		comma = sniffDelimiter(data)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		rows = append(rows, rec)
	}
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}

func sniffDelimiter(data []byte) rune {
	first, _, _ := bytes.Cut(data, []byte("\n"))
	if bytes.Count(first, []byte(";")) > bytes.Count(first, []byte(",")) {
		return ';'
	}
	return ','
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
