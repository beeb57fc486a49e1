package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/docqa/internal/domain"
	"github.com/dunamismax/docqa/internal/queue"
	"github.com/dunamismax/docqa/internal/ratelimit"
	"github.com/dunamismax/docqa/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePDF = "%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF\n"

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []queue.GeneratePayload
	err      error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, payload queue.GeneratePayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads = append(d.payloads, payload)
	return d.err
}

func (d *fakeDispatcher) last(t *testing.T) queue.GeneratePayload {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.payloads)
	return d.payloads[len(d.payloads)-1]
}

type fakeLinker struct {
	url string
	err error
}

func (l fakeLinker) PresignedGetURL(_ context.Context, objectKey, downloadName string, _ time.Duration) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	return l.url + "/" + objectKey + "?name=" + downloadName, nil
}

type testEnv struct {
	server     *Server
	handler    http.Handler
	jobs       *store.MemoryJobStore
	dispatcher *fakeDispatcher
	uploadDir  string
}

func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(t.TempDir(), "uploads")
	}
	jobs := store.NewMemoryJobStore()
	dispatcher := &fakeDispatcher{}
	srv, err := NewServer(zerolog.Nop(), jobs, dispatcher, cfg, opts...)
	require.NoError(t, err)
	return &testEnv{
		server:     srv,
		handler:    srv.Handler(),
		jobs:       jobs,
		dispatcher: dispatcher,
		uploadDir:  cfg.UploadDir,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, filename string, content []byte, explicitName string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("document", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	if explicitName != "" {
		require.NoError(t, mw.WriteField("filename", explicitName))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) upload(t *testing.T, name string) uploadResponse {
	t.Helper()
	rec := e.do(t, uploadRequest(t, name, []byte(samplePDF), ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[uploadResponse](t, rec)
}

func TestNewServerValidation(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	_, err := NewServer(zerolog.Nop(), nil, &fakeDispatcher{}, Config{UploadDir: "x"})
	require.Error(t, err)
	_, err = NewServer(zerolog.Nop(), jobs, nil, Config{UploadDir: "x"})
	require.Error(t, err)
	_, err = NewServer(zerolog.Nop(), jobs, &fakeDispatcher{}, Config{})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUploadDocument(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp := env.upload(t, "Policy Brief.pdf")

	assert.Equal(t, "success", resp.Msg)
	assert.Equal(t, "Policy Brief.pdf", resp.DocumentName)
	assert.Equal(t, "Policy Brief.pdf", filepath.Base(resp.DocumentPath))
	assert.Equal(t, env.uploadDir, filepath.Dir(filepath.Dir(resp.DocumentPath)))

	stored, err := os.ReadFile(resp.DocumentPath)
	require.NoError(t, err)
	assert.Equal(t, samplePDF, string(stored))
}

func TestUploadSameNameTwiceKeepsBoth(t *testing.T) {
	env := newTestEnv(t, Config{})
	first := env.upload(t, "Doc.pdf")
	second := env.upload(t, "Doc.pdf")
	require.NotEqual(t, first.DocumentPath, second.DocumentPath)
	require.FileExists(t, first.DocumentPath)
	require.FileExists(t, second.DocumentPath)
}

func TestUploadPrefersExplicitFilename(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, uploadRequest(t, "blob", []byte(samplePDF), "../../etc/Annual Report"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[uploadResponse](t, rec)
	require.Equal(t, "Annual Report.pdf", resp.DocumentName)
	require.True(t, strings.HasPrefix(resp.DocumentPath, env.uploadDir))
}

func TestUploadRejectsNonPDF(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, uploadRequest(t, "notes.pdf", []byte("just some plain text, definitely not a pdf"), ""))
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	entries, err := os.ReadDir(env.uploadDir)
	if err == nil {
		require.Empty(t, entries)
	}
}

func TestUploadRejectsOversizeBody(t *testing.T) {
	env := newTestEnv(t, Config{MaxUploadBytes: 1024})
	big := append([]byte(samplePDF), bytes.Repeat([]byte("x"), 8<<10)...)
	rec := env.do(t, uploadRequest(t, "big.pdf", big, ""))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
}

func TestUploadRequiresDocumentField(t *testing.T) {
	env := newTestEnv(t, Config{})
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("filename", "x.pdf"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(t, Config{PublicBaseURL: "http://docqa.local/"})
	doc := env.upload(t, "Policy Brief.pdf")

	rec := env.do(t, jsonRequest(t, http.MethodPost, "/v1/jobs", map[string]string{
		"document_path": doc.DocumentPath,
		"webhook_url":   "https://hooks.example.com/qa",
	}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeBody[createJobResponse](t, rec)
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, domain.JobStatusQueued, resp.Status)
	require.Equal(t, "http://docqa.local/v1/jobs/"+resp.JobID, resp.StatusURL)
	require.Equal(t, resp.StatusURL, rec.Header().Get("Location"))

	payload := env.dispatcher.last(t)
	require.Equal(t, resp.JobID, payload.JobID)
	require.Equal(t, "Policy Brief.pdf", payload.DocumentName)
	require.Equal(t, "https://hooks.example.com/qa", payload.WebhookURL)
	require.False(t, payload.RequestedAt.IsZero())

	status := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+resp.JobID, nil))
	require.Equal(t, http.StatusOK, status.Code)
	require.JSONEq(t, `{"job_id":"`+resp.JobID+`","status":"queued","progress":0,"current_question":0,"total_questions":0}`, status.Body.String())
}

func TestCreateJobRejectsMissingOrForeignDocument(t *testing.T) {
	env := newTestEnv(t, Config{})

	outside := filepath.Join(t.TempDir(), "elsewhere.pdf")
	require.NoError(t, os.WriteFile(outside, []byte(samplePDF), 0o644))

	for _, path := range []string{
		filepath.Join(env.uploadDir, "missing", "Doc.pdf"),
		outside,
		env.uploadDir,
		filepath.Join(env.uploadDir, "..", filepath.Base(outside)),
	} {
		rec := env.do(t, jsonRequest(t, http.MethodPost, "/v1/jobs", map[string]string{"document_path": path}))
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
		require.JSONEq(t, `{"error":"PDF file not found."}`, rec.Body.String())
	}
	require.Empty(t, env.dispatcher.payloads)
}

func TestCreateJobValidatesBody(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.do(t, jsonRequest(t, http.MethodPost, "/v1/jobs", map[string]string{}))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, jsonRequest(t, http.MethodPost, "/v1/jobs", map[string]string{"document_path": "a.pdf", "pipeline": "x"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, jsonRequest(t, http.MethodPost, "/v1/jobs", map[string]string{"document_path": "a.pdf", "webhook_url": "ftp://x"}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJobDispatchFailureFailsJob(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.dispatcher.err = errors.New("redis down")
	doc := env.upload(t, "Doc.pdf")

	rec := env.do(t, jsonRequest(t, http.MethodPost, "/v1/jobs", map[string]string{"document_path": doc.DocumentPath}))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	payload := env.dispatcher.last(t)
	job, ok, err := env.jobs.Get(context.Background(), payload.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "redis down")
}

func TestJobStatusNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, path := range []string{"/v1/jobs/does-not-exist", "/v1/jobs/does-not-exist/download"} {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.JSONEq(t, `{"error":"job not found"}`, rec.Body.String())
	}
}

// finishJob drives a stored job to done with a real CSV on disk.
func finishJob(t *testing.T, env *testEnv, out domain.Output, contents string) domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := env.jobs.Create(ctx, domain.JobSpec{DocumentPath: "Doc.pdf", DocumentName: "Doc.pdf"})
	require.NoError(t, err)
	if contents != "" {
		require.NoError(t, os.WriteFile(out.Path, []byte(contents), 0o644))
	}
	job, err = env.jobs.Update(ctx, job.ID, func(j *domain.Job) error {
		if err := j.Start(); err != nil {
			return err
		}
		if err := j.Begin(1); err != nil {
			return err
		}
		if err := j.Advance(1); err != nil {
			return err
		}
		if err := j.Record(domain.QA{Index: 1, Question: "Q?", Answer: "A"}); err != nil {
			return err
		}
		return j.Complete(out)
	})
	require.NoError(t, err)
	return job
}

func TestStatusAndDownloadForDoneJob(t *testing.T) {
	env := newTestEnv(t, Config{})
	csvPath := filepath.Join(t.TempDir(), "Doc - Interview Questions and Answers.csv")
	job := finishJob(t, env, domain.Output{Path: csvPath}, "Question,Answer\nQ?,A\n")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[jobStatusResponse](t, rec)
	require.Equal(t, domain.JobStatusDone, status.Status)
	require.Equal(t, 100, status.Progress)
	require.Nil(t, status.CurrentQA)
	require.Equal(t, csvPath, status.File)
	require.Equal(t, "Doc - Interview Questions and Answers.csv", status.DownloadFilename)
	require.Equal(t, "/v1/jobs/"+job.ID+"/download", status.DownloadURL)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, status.DownloadURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Question,Answer\nQ?,A\n", rec.Body.String())
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="Doc - Interview Questions and Answers.csv"`, rec.Header().Get("Content-Disposition"))
}

func TestDownloadWorkbook(t *testing.T) {
	env := newTestEnv(t, Config{})
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "Doc.csv")
	job := finishJob(t, env, domain.Output{Path: csvPath}, "Question,Answer\n")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID+"/download?format=xlsx", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	xlsxPath := filepath.Join(dir, "Other.xlsx")
	require.NoError(t, os.WriteFile(xlsxPath, []byte("PK fake workbook"), 0o644))
	withBook := finishJob(t, env, domain.Output{Path: csvPath, WorkbookPath: xlsxPath}, "")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+withBook.ID+"/download?format=xlsx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Disposition"), "Other.xlsx")
	require.Equal(t, "PK fake workbook", rec.Body.String())
}

func TestDownloadConflictWhileRunning(t *testing.T) {
	env := newTestEnv(t, Config{})
	job, err := env.jobs.Create(context.Background(), domain.JobSpec{DocumentPath: "Doc.pdf"})
	require.NoError(t, err)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID+"/download", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDownloadGoneWhenFileRemoved(t *testing.T) {
	env := newTestEnv(t, Config{})
	job := finishJob(t, env, domain.Output{Path: filepath.Join(t.TempDir(), "gone.csv")}, "")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID+"/download", nil))
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestDownloadRedirectsToArtifact(t *testing.T) {
	env := newTestEnv(t, Config{}, WithArtifacts(fakeLinker{url: "https://minio.local/bucket"}))
	csvPath := filepath.Join(t.TempDir(), "Doc.csv")
	job := finishJob(t, env, domain.Output{Path: csvPath, ArtifactKey: "exports/j/doc.csv"}, "Question,Answer\n")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID+"/download", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, "https://minio.local/bucket/exports/j/doc.csv?name=Doc.csv", rec.Header().Get("Location"))
}

func TestDownloadFallsBackWhenPresignFails(t *testing.T) {
	env := newTestEnv(t, Config{}, WithArtifacts(fakeLinker{err: errors.New("minio down")}))
	csvPath := filepath.Join(t.TempDir(), "Doc.csv")
	job := finishJob(t, env, domain.Output{Path: csvPath, ArtifactKey: "exports/j/doc.csv"}, "Question,Answer\n")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID+"/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Question,Answer\n", rec.Body.String())
}

func TestRateLimitOnWrites(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Policies{
		ratelimit.ScopeUpload: {Capacity: 5, Window: time.Hour},
		ratelimit.ScopeJobs:   {Capacity: 1, Window: time.Hour},
	})
	require.NoError(t, err)
	env := newTestEnv(t, Config{}, WithRateLimiter(limiter))

	body := map[string]string{"document_path": "missing.pdf"}
	req := jsonRequest(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("X-User-ID", "alice")
	first := env.do(t, req)
	require.Equal(t, http.StatusBadRequest, first.Code)

	req = jsonRequest(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("X-User-ID", "alice")
	second := env.do(t, req)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.NotEmpty(t, second.Header().Get("Retry-After"))
	require.Equal(t, "jobs", second.Header().Get("X-RateLimit-Scope"))

	req = jsonRequest(t, http.MethodPost, "/v1/jobs", body)
	req.Header.Set("X-User-ID", "bob")
	require.Equal(t, http.StatusBadRequest, env.do(t, req).Code)

	// Reads are never limited.
	for range 3 {
		require.Equal(t, http.StatusOK, env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	}
}

func TestRateLimitBudgetsPerScope(t *testing.T) {
	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Policies{
		ratelimit.ScopeJobs: {Capacity: 1, Window: time.Hour},
	})
	require.NoError(t, err)
	env := newTestEnv(t, Config{}, WithRateLimiter(limiter))

	body := map[string]string{"document_path": "missing.pdf"}
	require.Equal(t, http.StatusBadRequest, env.do(t, jsonRequest(t, http.MethodPost, "/v1/jobs", body)).Code)
	require.Equal(t, http.StatusTooManyRequests, env.do(t, jsonRequest(t, http.MethodPost, "/v1/jobs", body)).Code)

	// Uploads have no policy here, so the exhausted job budget does not
	// touch them.
	for range 3 {
		rec := env.do(t, uploadRequest(t, "Doc.pdf", []byte(samplePDF), ""))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		require.Empty(t, rec.Header().Get("X-RateLimit-Scope"))
	}

	metrics := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, metrics.Body.String(), `docqa_api_rate_limit_rejections_total{scope="jobs"} 1`)
}

func TestMetricsEndpointUsesRoutePatterns(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil))

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `docqa_api_requests_total{method="GET",route="/v1/jobs/{id}",status="404"} 1`)
	require.NotContains(t, string(body), `route="/v1/jobs/abc"`)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/v2/nothing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"route not found"}`, rec.Body.String())
}

func TestDocumentFileName(t *testing.T) {
	tests := []struct {
		explicit, uploaded, want string
	}{
		{"", "Policy Brief.pdf", "Policy Brief.pdf"},
		{"Report", "blob", "Report.pdf"},
		{"", `C:\Users\me\Doc.PDF`, "Doc.PDF"},
		{"", "", defaultDocName},
		{"../../", "", defaultDocName},
		{".hidden.pdf", "", "hidden.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, documentFileName(tt.explicit, tt.uploaded), "%q/%q", tt.explicit, tt.uploaded)
	}
}
