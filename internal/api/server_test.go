package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alvmarrod/storefront-scout/internal/blob"
	"github.com/alvmarrod/storefront-scout/internal/jobs"
	"github.com/alvmarrod/storefront-scout/internal/memory"
	"github.com/alvmarrod/storefront-scout/internal/metrics"
	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type stubScraper struct{}

func (stubScraper) ScrapeDay(_ context.Context, date time.Time) ([]storage.Record, error) {
	day := date.Format(storage.DateLayout)
	if day == "2024-06-13" {
		return nil, errors.New("failed to fetch listing for 2024-06-13: HTTP 503")
	}
	if day == "2024-06-14" {
		return nil, nil
	}
	return []storage.Record{{
		Merchant: storage.Merchant{Date: day, Domain: "shop-" + day + ".com", Currency: "EUR"},
		Snapshot: storage.ProductSnapshot{Title: "Scarf", Images: []string{"https://i/s.jpg"}, Status: storage.SnapshotOpen},
	}}, nil
}

type testEnv struct {
	router   *gin.Engine
	store    *memory.Store
	blobs    *blob.Local
	runner   *jobs.Runner
	ingestor *jobs.Ingestor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)

	runner := jobs.NewRunner(stubScraper{}, store, store)
	ingestor := jobs.NewIngestor(blobs, store, store, 1, 2)
	ingestor.Start(context.Background())
	t.Cleanup(ingestor.Stop)

	srv := NewServer("", Deps{
		Scraper: stubScraper{},
		Jobs:    runner,
		Imports: ingestor,
		Blobs:   blobs,
		Store:   store,
		Tracker: metrics.NewTracker(),
	})
	return &testEnv{router: srv.Router(), store: store, blobs: blobs, runner: runner, ingestor: ingestor}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(s))
	} else if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope), w.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, into))
}

func (e *testEnv) upload(t *testing.T, name, content string) (string, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, "/api/imports/upload", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var data struct {
		JobID    string `json:"jobId"`
		FilePath string `json:"filePath"`
	}
	decodeData(t, w, &data)
	require.NotEmpty(t, data.JobID)
	require.NotEmpty(t, data.FilePath)
	return data.JobID, data.FilePath
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestScrapeEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/scrape", map[string]string{"date": "2024-06-12"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var records []storage.Record
	decodeData(t, w, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "shop-2024-06-12.com", records[0].Merchant.Domain)
	assert.Equal(t, "Scarf", records[0].Snapshot.Title)

	w = env.do(t, http.MethodPost, "/api/scrape", map[string]string{"date": "2024-06-14"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/scrape", map[string]string{"date": "2024-06-13"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "HTTP 503")

	w = env.do(t, http.MethodPost, "/api/scrape", map[string]string{"date": "June 12"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/scrape", "{")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/jobs", map[string]string{"start_date": "2024-06-10", "end_date": "2024-06-14"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var job storage.Job
	decodeData(t, w, &job)
	assert.Equal(t, storage.JobPending, job.Status)

	env.runner.Wait()

	w = env.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeData(t, w, &job)
	assert.Equal(t, storage.JobFailed, job.Status)
	assert.Equal(t, "2024-06-12", job.ProcessingDate)
	assert.Equal(t, 3, job.TotalRecords)
	assert.Contains(t, job.ErrorMessage, "HTTP 503")

	w = env.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []storage.Job
	decodeData(t, w, &list)
	assert.Len(t, list, 1)

	w = env.do(t, http.MethodGet, "/api/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/jobs", map[string]string{"start_date": "2024-06-14", "end_date": "2024-06-10"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/jobs", map[string]string{"start_date": "2024-06-14"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportFlow(t *testing.T) {
	env := newTestEnv(t)
	jobID, path := env.upload(t, "shops.csv", "domain,title,image1\n"+
		"first.com,First,https://i/1.jpg\n"+
		",No Domain,\n"+
		"third.com,Third,\n")

	// Page size is 1: the first page is handled inline, the rest in the background
	w := env.do(t, http.MethodPost, "/api/imports", map[string]any{"jobId": jobID, "filePath": path, "batchIndex": 0})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "continuing from batch 1")

	require.Eventually(t, func() bool {
		job, err := env.store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == storage.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobKindImport, job.Kind)
	assert.Equal(t, 3, job.TotalRecords)

	w = env.do(t, http.MethodGet, "/api/merchants", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []storage.Record
	decodeData(t, w, &records)
	assert.Len(t, records, 2)

	_, err = env.blobs.Download(context.Background(), path)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	// Completed jobs answer 200 without touching the deleted file
	w = env.do(t, http.MethodPost, "/api/imports", map[string]any{"jobId": jobID, "filePath": path, "batchIndex": 3})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestImportTriggerErrors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/imports", map[string]any{"filePath": "imports/x.csv"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/imports", map[string]any{"jobId": "nope", "filePath": "imports/x.csv"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/imports", `{"jobId": 5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	jobID, path := env.upload(t, "bad.csv", "name\nx\n")
	w = env.do(t, http.MethodPost, "/api/imports", map[string]any{"jobId": jobID, "filePath": path})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	job, err := env.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, job.Status)

	w = env.do(t, http.MethodPost, "/api/imports", map[string]any{"jobId": jobID, "filePath": path})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUploadRequiresFile(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/imports/upload", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func seedMerchants(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := store.BatchInsertDay(ctx, "seed", []storage.Record{
		{
			Merchant: storage.Merchant{Date: "2024-06-01", Domain: "alpha.com", Currency: "USD", Language: "English"},
			Snapshot: storage.ProductSnapshot{Title: "Red Kettle", Images: []string{}, Status: storage.SnapshotOpen},
		},
		{
			Merchant: storage.Merchant{Date: "2024-06-02", Domain: "beta.de", Currency: "EUR", Language: "German"},
			Snapshot: storage.ProductSnapshot{Images: []string{}, Status: storage.SnapshotClosed, Error: "HTTP 404"},
		},
	})
	require.NoError(t, err)
}

func TestListMerchantsFilters(t *testing.T) {
	env := newTestEnv(t)
	seedMerchants(t, env.store)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"beta.de", "alpha.com"}},
		{"?currency=usd", []string{"alpha.com"}},
		{"?language=german", []string{"beta.de"}},
		{"?date_from=2024-06-02", []string{"beta.de"}},
		{"?q=kettle", []string{"alpha.com"}},
		{"?limit=1&offset=1", []string{"alpha.com"}},
		{"?reviewed=true", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/merchants"+tt.query, nil)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var records []storage.Record
			decodeData(t, w, &records)
			domains := make([]string, 0, len(records))
			for _, r := range records {
				domains = append(domains, r.Merchant.Domain)
			}
			assert.Equal(t, tt.want, domains)
		})
	}

	for _, bad := range []string{"?limit=-1", "?reviewed=maybe", "?date_to=yesterday"} {
		w := env.do(t, http.MethodGet, "/api/merchants"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestAnnotateMerchant(t *testing.T) {
	env := newTestEnv(t)
	seedMerchants(t, env.store)

	records, err := env.store.ListMerchants(context.Background(), storage.MerchantFilter{Query: "alpha"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	id := records[0].Merchant.ID

	path := "/api/merchants/" + strconv.FormatInt(id, 10)
	w := env.do(t, http.MethodPatch, path, map[string]any{"reviewed": true, "notes": "good fit"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/merchants?reviewed=true", nil)
	var reviewed []storage.Record
	decodeData(t, w, &reviewed)
	require.Len(t, reviewed, 1)
	assert.Equal(t, "good fit", reviewed[0].Merchant.Notes)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPatch, path, map[string]any{}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPatch, "/api/merchants/abc", map[string]any{"reviewed": true}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPatch, "/api/merchants/999", map[string]any{"reviewed": true}).Code)
}

func TestExportMerchants(t *testing.T) {
	env := newTestEnv(t)
	seedMerchants(t, env.store)

	w := env.do(t, http.MethodGet, "/api/merchants/export?format=csv&currency=EUR", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv")
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "beta.de,"))

	w = env.do(t, http.MethodGet, "/api/merchants/export?format=xlsx", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Merchants")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	w = env.do(t, http.MethodGet, "/api/merchants/export?format=json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []storage.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	assert.Len(t, records, 2)

	w = env.do(t, http.MethodGet, "/api/merchants/export?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m storage.Metrics
	decodeData(t, w, &m)
	assert.Equal(t, 0, m.DaysScraped)
}
