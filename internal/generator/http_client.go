package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxResponseBytes = 8 << 20

type HTTPClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks to a generator service over HTTP:
//
//	POST {base}/v1/documents                 multipart "document" -> {document_id, questions, capabilities}
//	POST {base}/v1/documents/{id}/answer     {question}           -> string | object
//	POST {base}/v1/documents/{id}/retrieve   {question}           -> {passages}
//	POST {base}/v1/documents/{id}/complete   {question, context}  -> string | object
type HTTPClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger
	document *jsonschema.Schema
	answer   *jsonschema.Schema
	passages *jsonschema.Schema
}

func NewHTTPClient(cfg HTTPClientConfig, logger zerolog.Logger) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("generator base url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid generator base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	c := &HTTPClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "generator").Logger(),
	}

	var err error
	if c.document, err = compileSchema("document.json", documentSchema()); err != nil {
		return nil, err
	}
	if c.answer, err = compileSchema("answer.json", answerSchema()); err != nil {
		return nil, err
	}
	if c.passages, err = compileSchema("passages.json", retrievalSchema()); err != nil {
		return nil, err
	}
	return c, nil
}

type documentResponse struct {
	DocumentID   string `json:"document_id"`
	Questions    []any  `json:"questions"`
	Capabilities struct {
		Retrieval  bool `json:"retrieval"`
		Completion bool `json:"completion"`
	} `json:"capabilities"`
}

func (c *HTTPClient) Generate(ctx context.Context, documentPath string) (Result, error) {
	body, contentType, err := multipartDocument(documentPath)
	if err != nil {
		return Result{}, err
	}

	raw, err := c.do(ctx, "/v1/documents", contentType, body)
	if err != nil {
		return Result{}, err
	}
	if _, err := decodeValidated(c.document, raw); err != nil {
		return Result{}, err
	}

	var doc documentResponse
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, fmt.Errorf("%w: decode document: %v", ErrMalformedResult, err)
	}

	questions := make([]string, 0, len(doc.Questions))
	for _, q := range doc.Questions {
		switch v := q.(type) {
		case string:
			questions = append(questions, v)
		default:
			questions = append(questions, fmt.Sprint(v))
		}
	}

	session := &documentSession{client: c, documentID: doc.DocumentID}
	result := Result{Answerer: session, Questions: questions}
	if doc.Capabilities.Retrieval {
		result.Retriever = session
	}
	if doc.Capabilities.Completion {
		result.Model = session
	}

	c.logger.Info().
		Str("document_id", doc.DocumentID).
		Int("questions", len(questions)).
		Bool("retrieval", doc.Capabilities.Retrieval).
		Bool("completion", doc.Capabilities.Completion).
		Msg("generator.document.ready")
	return result, nil
}

type documentSession struct {
	client     *HTTPClient
	documentID string
}

func (s *documentSession) Answer(ctx context.Context, question string) (any, error) {
	raw, err := s.client.postJSON(ctx, s.path("answer"), map[string]string{"question": question})
	if err != nil {
		return nil, err
	}
	return decodeValidated(s.client.answer, raw)
}

func (s *documentSession) Retrieve(ctx context.Context, question string) ([]string, error) {
	raw, err := s.client.postJSON(ctx, s.path("retrieve"), map[string]string{"question": question})
	if err != nil {
		return nil, err
	}
	if _, err := decodeValidated(s.client.passages, raw); err != nil {
		return nil, err
	}
	var out struct {
		Passages []string `json:"passages"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode passages: %v", ErrMalformedResult, err)
	}
	return out.Passages, nil
}

func (s *documentSession) Complete(ctx context.Context, question, contextText string) (any, error) {
	raw, err := s.client.postJSON(ctx, s.path("complete"), map[string]string{
		"question": question,
		"context":  contextText,
	})
	if err != nil {
		return nil, err
	}
	return decodeValidated(s.client.answer, raw)
}

func (s *documentSession) path(action string) string {
	return "/v1/documents/" + url.PathEscape(s.documentID) + "/" + action
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body any) ([]byte, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return c.do(ctx, path, "application/json", bs)
}

func (c *HTTPClient) do(ctx context.Context, path, contentType string, body []byte) ([]byte, error) {
	reqID := uuid.NewString()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", reqID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("req_id", reqID).Str("path", path).Msg("generator.http.send_error")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	c.logger.Debug().
		Str("req_id", reqID).
		Str("path", path).
		Int("status", resp.StatusCode).
		Int("bytes", len(raw)).
		Int64("elapsed_ms", time.Since(start).Milliseconds()).
		Msg("generator.http.response")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("generator request %s failed with status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func multipartDocument(documentPath string) ([]byte, string, error) {
	f, err := os.Open(documentPath)
	if err != nil {
		return nil, "", fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("document", filepath.Base(documentPath))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy document: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
