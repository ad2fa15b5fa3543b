package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/entity"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestReadURLs(t *testing.T) {
	dir := t.TempDir()

	txt := writeFile(t, dir, "urls.txt", "https://shop.example/a\n\n  https://shop.example/b  \nnot a url\n")
	got, err := ReadURLs(txt)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.example/a", "https://shop.example/b"}, got)

	csvPath := writeFile(t, dir, "urls.csv", "\xef\xbb\xbfurl,note\nhttps://shop.example/c,x\nhttps://shop.example/d,\"y, z\"\n")
	got, err = ReadURLs(csvPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.example/c", "https://shop.example/d"}, got)

	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "url"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "https://shop.example/e"))
	xlsx := filepath.Join(dir, "urls.xlsx")
	require.NoError(t, f.SaveAs(xlsx))
	got, err = ReadURLs(xlsx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.example/e"}, got)

	_, err = ReadURLs(writeFile(t, dir, "urls.json", "[]"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestReadContent(t *testing.T) {
	p := writeFile(t, t.TempDir(), "content.csv",
		"url;content_top\nhttps://shop.example/a;<p>Kies <a href=\"/p/x\">x</a>; of y</p>\nhttps://shop.example/b;\n")
	got, err := ReadContent(p)
	require.NoError(t, err)
	assert.Equal(t, []entity.Output{
		{Key: "https://shop.example/a", Content: `<p>Kies <a href="/p/x">x</a>; of y</p>`},
	}, got)
}

func TestReadAdGroups(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "input.csv",
		"Campaign Name;ad_group_id;customer_id;campaign_id\nSchoenen;222;123-456-7890;c1\n;;;\nTassen;333;1234567890;c2\n")
	got, err := ReadAdGroups(p)
	require.NoError(t, err)
	assert.Equal(t, []entity.JobItemInput{
		{CustomerID: "1234567890", CampaignID: "c1", CampaignName: "Schoenen", AdGroupID: "222"},
		{CustomerID: "1234567890", CampaignID: "c2", CampaignName: "Tassen", AdGroupID: "333"},
	}, got)

	_, err = ReadAdGroups(writeFile(t, dir, "bad.csv", "customer_id,campaign_id\n1,2\n"))
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "MISSING_COLUMN", appErr.Code)
}

func TestReadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "https://shop.example/a\n")
	writeFile(t, dir, "sub/b.csv", "https://shop.example/b\n")
	writeFile(t, dir, ".hidden/c.txt", "https://shop.example/c\n")
	writeFile(t, dir, "notes.md", "https://shop.example/d\n")

	urls, results, stats, err := ReadDirectory(dir, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://shop.example/a", "https://shop.example/b"}, urls)
	assert.Len(t, results, 2)
	assert.Equal(t, uint32(2), stats.Matched)
	assert.Equal(t, uint32(2), stats.Succeeded)

	_, _, _, err = ReadDirectory(" ", false)
	assert.Error(t, err)
}

func TestStartWatcher(t *testing.T) {
	dir := t.TempDir()
	existing := writeFile(t, dir, "first.txt", "https://shop.example/a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, err := StartWatcher(ctx, WatchConfig{Roots: []string{dir}, InitialScan: true},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	next := func() string {
		select {
		case p := <-events:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("no watcher event")
			return ""
		}
	}
	assert.Equal(t, existing, next())

	added := writeFile(t, dir, "second.csv", "https://shop.example/b\n")
	assert.Equal(t, added, next())

	_, _, err = StartWatcher(ctx, WatchConfig{}, nil)
	assert.Error(t, err)
}
