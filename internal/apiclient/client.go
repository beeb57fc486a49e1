// Package apiclient is a typed client for the docqa HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/docqa/internal/domain"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ErrJobFailed is returned by WaitDone when the job ends in failed.
var ErrJobFailed = errors.New("job failed")

// APIError carries a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	UserID     string
	HTTPClient *http.Client
}

type Client struct {
	baseURL    *url.URL
	userID     string
	httpClient *http.Client
}

type UploadResult struct {
	Msg          string `json:"msg"`
	DocumentPath string `json:"document_path"`
	DocumentName string `json:"document_name"`
}

type CreatedJob struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

type JobStatus struct {
	JobID            string     `json:"job_id"`
	Status           string     `json:"status"`
	Progress         int        `json:"progress"`
	CurrentQuestion  int        `json:"current_question"`
	TotalQuestions   int        `json:"total_questions"`
	CurrentQA        *domain.QA `json:"current_qa,omitempty"`
	Error            string     `json:"error,omitempty"`
	File             string     `json:"file,omitempty"`
	DownloadFilename string     `json:"download_filename,omitempty"`
	DownloadURL      string     `json:"download_url,omitempty"`
}

func (s JobStatus) Terminal() bool {
	return s.Status == domain.JobStatusDone || s.Status == domain.JobStatusFailed
}

func New(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{baseURL: u, userID: opts.UserID, httpClient: httpClient}, nil
}

// Upload sends a local PDF and returns the server-side path to pass to
// CreateJob.
func (c *Client) Upload(ctx context.Context, path string) (UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return UploadResult{}, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return UploadResult{}, fmt.Errorf("read document: %w", err)
	}
	if err := mw.WriteField("filename", filepath.Base(path)); err != nil {
		return UploadResult{}, err
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, err
	}

	var out UploadResult
	err = c.doJSON(ctx, http.MethodPost, "/v1/documents", mw.FormDataContentType(), &body, &out)
	return out, err
}

func (c *Client) CreateJob(ctx context.Context, documentPath, webhookURL string) (CreatedJob, error) {
	payload, err := json.Marshal(domain.CreateJobRequest{DocumentPath: documentPath, WebhookURL: webhookURL})
	if err != nil {
		return CreatedJob{}, err
	}
	var out CreatedJob
	err = c.doJSON(ctx, http.MethodPost, "/v1/jobs", "application/json", bytes.NewReader(payload), &out)
	return out, err
}

func (c *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	var out JobStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), "", nil, &out)
	return out, err
}

// WaitDone polls until the job is terminal. onUpdate, when set, sees every
// polled status.
func (c *Client) WaitDone(ctx context.Context, jobID string, interval time.Duration, onUpdate func(JobStatus)) (JobStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, jobID)
		if err != nil {
			return JobStatus{}, err
		}
		if onUpdate != nil {
			onUpdate(status)
		}
		switch status.Status {
		case domain.JobStatusDone:
			return status, nil
		case domain.JobStatusFailed:
			return status, fmt.Errorf("%w: %s", ErrJobFailed, status.Error)
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download streams the finished export into w and returns the file name the
// server suggested. Redirects to object storage are followed.
func (c *Client) Download(ctx context.Context, jobID string, w io.Writer) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/download", "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("read export: %w", err)
	}
	return attachmentName(resp.Header.Get("Content-Disposition")), nil
}

func attachmentName(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return filepath.Base(params["filename"])
}

func (c *Client) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// do returns the response only for 2xx statuses; anything else becomes an
// *APIError with the server's error message.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	target := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var apiErr struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		message = apiErr.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return nil, &APIError{StatusCode: resp.StatusCode, Message: message}
}
