package linkcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/repository"
)

const content = `<p>Pick <a href="/p/ok">ok</a>, <a href="/p/moved">moved</a>, <a href="/p/gone">gone</a>,
<a href="/p/ok">ok again</a> or <a href="https://elsewhere.example/p/x">external</a>.</p>`

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		switch r.URL.Path {
		case "/p/ok":
			w.WriteHeader(http.StatusOK)
		case "/p/moved":
			http.Redirect(w, r, "/p/ok", http.StatusMovedPermanently)
		case "/p/slow":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExtractLinks(t *testing.T) {
	links, err := ExtractLinks(content)
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/ok", "/p/moved", "/p/gone"}, links)

	links, err = ExtractLinks("plain text")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestValidate(t *testing.T) {
	srv := siteServer(t)
	c := NewChecker(srv.URL+"/", time.Second, nil, testLogger())

	report, err := c.Validate(context.Background(), "https://shop.example/c/shoes", content)
	require.NoError(t, err)
	assert.Equal(t, 3, report.TotalLinks)
	assert.Equal(t, 1, report.ValidLinks)
	require.Len(t, report.BrokenLinks, 2)
	assert.Equal(t, "/p/moved", report.BrokenLinks[0].URL)
	assert.Equal(t, http.StatusMovedPermanently, report.BrokenLinks[0].StatusCode)
	assert.Equal(t, srv.URL+"/p/gone", report.BrokenLinks[1].FullURL)
	assert.True(t, report.HasBrokenLinks())

	_, err = c.Validate(context.Background(), "k", `<a href="/p/slow">x</a>`)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestWorker_SavesReportsThroughScheduler(t *testing.T) {
	ctx := context.Background()
	srv := siteServer(t)
	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	ledger, err := repository.Open(ctx, repository.Config{Driver: repository.DriverSQLite, DSN: dsn}, repository.RoleLedger, testLogger())
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	require.NoError(t, ledger.Migrate(ctx))

	require.NoError(t, ledger.Atomic(ctx, func(w *repository.Writer) error {
		if err := w.WriteOutput(ctx, "a", content); err != nil {
			return err
		}
		return w.WriteOutput(ctx, "b", `<a href="/p/ok">fine</a>`)
	}))

	worker := NewWorker(NewChecker(srv.URL, time.Second, nil, testLogger()), ledger)
	sched := core.NewScheduler("validate-links", PendingSource(ledger, ledger), worker,
		core.NewReconciler(ledger, nil, false, testLogger()), testLogger())

	res, err := sched.RunBatch(ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Commit.LinkReports)

	broken, err := ledger.ListLinkReports(ctx, true)
	require.NoError(t, err)
	require.Len(t, broken, 1)
	assert.Equal(t, "a", broken[0].Key)

	res, err = sched.RunBatch(ctx, 10, 2)
	require.NoError(t, err)
	assert.True(t, res.Empty(), "validated outputs are not checked again")
}
