package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportName = "Doc - Interview Questions and Answers.csv"

// fakeAPI serves canned docqa responses; a job becomes done on its second
// status poll.
type fakeAPI struct {
	mu       sync.Mutex
	polls    int
	userIDs  []string
	uploaded string
	created  map[string]string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/documents", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		file, header, err := r.FormFile("document")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		body, _ := io.ReadAll(file)
		f.mu.Lock()
		f.uploaded = string(body)
		f.mu.Unlock()
		writeTestJSON(w, http.StatusCreated, map[string]string{
			"msg":           "success",
			"document_path": "uploads/u1/" + header.Filename,
			"document_name": header.Filename,
		})
	})
	mux.HandleFunc("POST /v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.created = req
		f.mu.Unlock()
		writeTestJSON(w, http.StatusAccepted, map[string]string{"job_id": "job-1", "status": "queued", "status_url": "/v1/jobs/job-1"})
	})
	mux.HandleFunc("GET /v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		if r.PathValue("id") != "job-1" {
			writeTestJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		f.mu.Lock()
		f.polls++
		polls := f.polls
		f.mu.Unlock()
		if polls < 2 {
			writeTestJSON(w, http.StatusOK, map[string]any{"job_id": "job-1", "status": "processing", "progress": 50, "current_question": 1, "total_questions": 2})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]any{
			"job_id": "job-1", "status": "done", "progress": 100, "current_question": 2, "total_questions": 2,
			"download_filename": exportName,
		})
	})
	mux.HandleFunc("GET /v1/jobs/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+exportName+`"`)
		_, _ = w.Write([]byte("No.,Question,Answer\n1,Q?,A\n"))
	})
	return mux
}

func (f *fakeAPI) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userIDs = append(f.userIDs, r.Header.Get("X-User-ID"))
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setup(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{}
	ts := httptest.NewServer(api.handler(t))
	t.Cleanup(ts.Close)
	t.Setenv(envServerAddress, "")
	t.Setenv(envUserID, "")
	return api, ts
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestUploadCommand(t *testing.T) {
	api, ts := setup(t)
	pdf := filepath.Join(t.TempDir(), "Doc.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4 test"), 0o644))

	out, _, err := execute(t, "upload", pdf, "-s", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"document_path": "uploads/u1/Doc.pdf"`)
	assert.Equal(t, "%PDF-1.4 test", api.uploaded)
}

func TestGenerateCommand(t *testing.T) {
	api, ts := setup(t)

	out, _, err := execute(t, "generate", "uploads/u1/Doc.pdf", "--webhook", "https://hooks.example.com/x", "-s", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"job_id": "job-1"`)
	assert.Equal(t, "uploads/u1/Doc.pdf", api.created["document_path"])
	assert.Equal(t, "https://hooks.example.com/x", api.created["webhook_url"])
}

func TestStatusCommand(t *testing.T) {
	_, ts := setup(t)

	out, _, err := execute(t, "status", "job-1", "-s", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "processing"`)
	assert.Contains(t, out, `"progress": 50`)

	_, _, err = execute(t, "status", "missing", "-s", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestDownloadCommand(t *testing.T) {
	_, ts := setup(t)
	dir := t.TempDir()

	out, _, err := execute(t, "download", "job-1", "-o", dir, "-s", ts.URL)
	require.NoError(t, err)
	want := filepath.Join(dir, exportName)
	assert.Equal(t, want+"\n", out)
	body, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "No.,Question,Answer\n1,Q?,A\n", string(body))

	explicit := filepath.Join(dir, "mine.csv")
	_, _, err = execute(t, "download", "job-1", "-o", explicit, "-s", ts.URL)
	require.NoError(t, err)
	require.FileExists(t, explicit)
}

func TestRunCommand(t *testing.T) {
	_, ts := setup(t)
	pdf := filepath.Join(t.TempDir(), "Doc.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4 test"), 0o644))
	dir := t.TempDir()

	out, progress, err := execute(t, "run", pdf, "-o", dir, "--interval", "10ms", "-s", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, exportName)+"\n", out)
	assert.Contains(t, progress, "job job-1 queued")
	assert.Contains(t, progress, "[ 50%] processing 1/2")
	assert.Contains(t, progress, "[100%] done 2/2")
}

func TestServerAddressPrecedence(t *testing.T) {
	api, ts := setup(t)

	// Env beats the default.
	t.Setenv(envServerAddress, ts.URL)
	t.Setenv(envUserID, "from-env")
	_, _, err := execute(t, "status", "job-1")
	require.NoError(t, err)

	// Flag beats env.
	t.Setenv(envServerAddress, "http://127.0.0.1:1")
	_, _, err = execute(t, "status", "job-1", "--server-address", ts.URL, "--user-id", "from-flag")
	require.NoError(t, err)

	assert.Equal(t, []string{"from-env", "from-flag"}, api.userIDs)
}

func TestCommandsRequireArguments(t *testing.T) {
	for _, name := range []string{"upload", "generate", "status", "download", "run"} {
		_, _, err := execute(t, name)
		require.Error(t, err, name)
	}
}
