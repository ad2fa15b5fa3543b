package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/export"
	"github.com/joseph-ayodele/workledger/internal/jobs"
	"github.com/joseph-ayodele/workledger/internal/metrics"
	"github.com/joseph-ayodele/workledger/internal/repository"
	"github.com/joseph-ayodele/workledger/internal/seo"
	"github.com/joseph-ayodele/workledger/internal/themaads"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	ledger *repository.Store
	ctrl   *jobs.Controller
	router *gin.Engine
}

func newFixture(t *testing.T, seoWorker core.Worker) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	ledger, err := repository.Open(ctx, repository.Config{Driver: repository.DriverSQLite, DSN: dsn}, repository.RoleLedger, testLogger())
	require.NoError(t, err)
	t.Cleanup(ledger.Close)
	require.NoError(t, ledger.Migrate(ctx))

	rec := metrics.New(prometheus.NewRegistry())
	committer := core.NewReconciler(ledger, nil, false, testLogger())
	jobRepo := repository.NewJobRepository(ledger, testLogger())
	ctrl := jobs.NewController(jobRepo, committer, jobs.Config{
		Runner:      core.RunnerConfig{BatchSize: 5, Workers: 2},
		ItemTimeout: 2 * time.Second,
	}, testLogger(), jobs.WithRecorder(rec))
	ctrl.Register(themaads.Kind(constants.ThemeSinglesDay), core.WorkerFunc(func(_ context.Context, key string) core.Result {
		r := core.Succeeded(key, "")
		r.Resource = "customers/" + strings.Replace(key, ":", "/adGroupAds/", 1) + "~1"
		return r
	}))
	t.Cleanup(ctrl.Wait)

	srv := NewServer(Deps{
		SEO: seo.NewService(ledger, nil, nil, committer, testLogger()),
		Pipelines: map[string]BatchRunner{
			"seo": core.NewScheduler("seo", ledger, seoWorker, committer, testLogger(), core.WithRecorder(rec)),
		},
		Jobs:      ctrl,
		Export:    export.NewService(ledger, jobRepo, ledger, testLogger()),
		Health:    &Stores{Ledger: ledger},
		Metrics:   rec.Handler(),
		Batch:     common.BatchConfig{Size: 10, Workers: 2, OutputTarget: "ledger"},
		UploadDir: t.TempDir(),
	}, testLogger())
	return &fixture{ledger: ledger, ctrl: ctrl, router: srv.Router()}
}

func succeedAll() core.Worker {
	return core.WorkerFunc(func(_ context.Context, key string) core.Result {
		if strings.HasSuffix(key, "/empty") {
			return core.WithStandardEffects(core.Skipped(key, constants.ReasonNoProducts))
		}
		return core.WithStandardEffects(core.Succeeded(key, "<p>"+key+"</p>"))
	})
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) upload(t *testing.T, path, filename, content string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile(uploadField, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, succeedAll())

	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	w = f.do(t, http.MethodPost, "/api/v1/seo/enqueue", gin.H{"urls": []string{"https://shop.example/a"}})
	require.Equal(t, http.StatusCreated, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/pipelines/seo/batches", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `workledger_items_attempted_total{pipeline="seo"} 1`)
}

func TestSEO_EnqueueRunBatchStatus(t *testing.T) {
	f := newFixture(t, succeedAll())

	w := f.do(t, http.MethodPost, "/api/v1/seo/enqueue", gin.H{"urls": []string{
		"https://shop.example/a?utm=1",
		"https://shop.example/a",
		"https://shop.example/empty",
	}})
	require.Equal(t, http.StatusCreated, w.Code)
	enq := decode[map[string]int](t, w)
	assert.Equal(t, 3, enq["received"])
	assert.Equal(t, 2, enq["enqueued"])

	w = f.do(t, http.MethodPost, "/api/v1/pipelines/seo/batches", gin.H{"size": 10, "workers": 2})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[core.BatchResult](t, w)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)

	w = f.do(t, http.MethodGet, "/api/v1/seo/status?recent=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decode[seo.Report](t, w)
	assert.Equal(t, 2, rep.Counts.Processed)
	assert.Equal(t, 0, rep.Counts.Pending)
	require.Len(t, rep.RecentOutputs, 1)
	assert.Equal(t, "https://shop.example/a", rep.RecentOutputs[0].Key)

	w = f.do(t, http.MethodGet, "/api/v1/seo/export?format=csv&status=skipped", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "tracking-")
	assert.Contains(t, w.Body.String(), "https://shop.example/empty")

	w = f.do(t, http.MethodGet, "/api/v1/seo/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSEO_ImportUpload(t *testing.T) {
	f := newFixture(t, succeedAll())

	content := "url;content_top\nhttps://shop.example/c;<p>Intro; with a <a href=\"/p/x\">link</a></p>\n"
	w := f.upload(t, "/api/v1/seo/import", "content.csv", content, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[map[string]int](t, w)["imported"])

	out, err := f.ledger.GetOutput(context.Background(), "https://shop.example/c")
	require.NoError(t, err)
	assert.Contains(t, out.Content, "Intro; with")

	w = f.upload(t, "/api/v1/seo/import", "content.pdf", content, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/seo/import", gin.H{"rows": []entity.Output{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRunner) RunBatch(context.Context, int, int) (*core.BatchResult, error) {
	b.started <- struct{}{}
	<-b.release
	return &core.BatchResult{}, nil
}

func TestRunBatch_Guards(t *testing.T) {
	gin.SetMode(gin.TestMode)
	br := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	router := NewServer(Deps{Pipelines: map[string]BatchRunner{"seo": br}}, testLogger()).Router()

	first := make(chan int)
	go func() {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/seo/batches", nil))
		first <- w.Code
	}()
	<-br.started

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/seo/batches", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	close(br.release)
	assert.Equal(t, http.StatusOK, <-first)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/pipelines/nope/batches", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/seo/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type jobView struct {
	entity.Job
	Running bool `json:"running"`
}

func TestJobs_Lifecycle(t *testing.T) {
	f := newFixture(t, succeedAll())

	w := f.do(t, http.MethodPost, "/api/v1/jobs", gin.H{
		"name":  "singles run",
		"theme": "singles",
		"items": []entity.JobItemInput{
			{CustomerID: "111", AdGroupID: "1"},
			{CustomerID: "111", AdGroupID: "2"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := decode[jobView](t, w)
	assert.Equal(t, "thema_ads:singles_day", job.Kind)
	assert.Equal(t, constants.JobStatusPending, job.Status)
	assert.Equal(t, 2, job.Total)

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/start", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	f.ctrl.Wait()

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Job      jobView            `json:"job"`
		Progress entity.JobProgress `json:"progress"`
	}](t, w)
	assert.Equal(t, constants.JobStatusCompleted, got.Job.Status)
	assert.False(t, got.Job.Running)
	assert.Equal(t, 2, got.Progress.Successful)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/items?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decode[struct {
		Items []entity.JobItem `json:"items"`
		Count int              `json:"count"`
	}](t, w)
	require.Equal(t, 2, items.Count)
	require.NotNil(t, items.Items[0].NewResource)
	assert.Equal(t, "customers/111/adGroupAds/1~1", *items.Items[0].NewResource)

	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/export?format=csv&status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "customers/111/adGroupAds/2~1")

	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/retry", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "NOTHING_TO_RETRY", decode[map[string]any](t, w)["code"])

	w = f.do(t, http.MethodGet, "/api/v1/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])

	w = f.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobs_CreateFromUpload(t *testing.T) {
	f := newFixture(t, succeedAll())

	csv := "Customer ID;Campaign Name;Ad Group ID\n123-456-7890;Shoes;55\n123-456-7890;Shoes;56\n"
	w := f.upload(t, "/api/v1/jobs", "groups.csv", csv, map[string]string{"name": "upload", "theme": "singles_day"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := decode[jobView](t, w)
	assert.Equal(t, 2, job.Total)
	assert.Equal(t, "groups.csv", job.InputFile)

	items, err := f.ctrl.Items(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "1234567890", items[0].CustomerID)
	assert.Equal(t, "Shoes", items[0].CampaignName)

	w = f.upload(t, "/api/v1/jobs", "groups.csv", "campaign\nx\n", map[string]string{"theme": "singles_day"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// no worker is registered for black_friday in this fixture
	w = f.do(t, http.MethodPost, "/api/v1/jobs", gin.H{"theme": "black_friday", "items": []entity.JobItemInput{{CustomerID: "1", AdGroupID: "2"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/jobs", gin.H{"theme": "halloween", "items": []entity.JobItemInput{{CustomerID: "1", AdGroupID: "2"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type flakyPinger struct{ down atomic.Bool }

func (p *flakyPinger) PingStores(context.Context, time.Duration) error {
	if p.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestWatchHealth(t *testing.T) {
	_, hs := NewGRPCServer()
	p := &flakyPinger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		WatchHealth(ctx, hs, p, 10*time.Millisecond, testLogger())
	}()

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}
	assert.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_SERVING }, time.Second, 5*time.Millisecond)
	p.down.Store(true)
	assert.Eventually(t, func() bool { return status() == healthpb.HealthCheckResponse_NOT_SERVING }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
