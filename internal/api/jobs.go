package api

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/docqa/internal/domain"
	"github.com/dunamismax/docqa/internal/queue"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

type createJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

type jobStatusResponse struct {
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

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)

	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	path, err := s.resolveDocument(req.DocumentPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, documentNotFoundMsg)
		return
	}

	job, err := s.jobs.Create(r.Context(), domain.JobSpec{
		DocumentPath: path,
		DocumentName: filepath.Base(path),
		WebhookURL:   strings.TrimSpace(req.WebhookURL),
	})
	if err != nil {
		logger.Error().Err(err).Msg("create job failed")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	payload := queue.GeneratePayload{
		JobID:        job.ID,
		DocumentPath: job.DocumentPath,
		DocumentName: job.DocumentName,
		WebhookURL:   job.WebhookURL,
		RequestedAt:  time.Now().UTC(),
	}
	dispatchCtx, cancel := context.WithTimeout(r.Context(), s.cfg.DispatchTimeout)
	err = s.dispatcher.Dispatch(dispatchCtx, payload)
	cancel()
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatch failed")
		s.metrics.queueEnqueued.WithLabelValues(s.cfg.QueueName, "error").Inc()
		s.failUndispatched(r.Context(), job.ID, err)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(s.cfg.QueueName, "ok").Inc()

	statusURL := s.link("/v1/jobs/" + job.ID)
	w.Header().Set("Location", statusURL)
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		StatusURL: statusURL,
	})
}

// failUndispatched keeps a job nobody will ever run from sitting in queued.
func (s *Server) failUndispatched(ctx context.Context, jobID string, cause error) {
	_, err := s.jobs.Update(context.WithoutCancel(ctx), jobID, func(job *domain.Job) error {
		return job.Fail("dispatch failed: " + cause.Error())
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("mark undispatched job failed")
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	resp := jobStatusResponse{
		JobID:           job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		CurrentQuestion: job.CurrentQuestion,
		TotalQuestions:  job.TotalQuestions,
		CurrentQA:       job.CurrentQA,
		Error:           job.Error,
	}
	if job.Status == domain.JobStatusDone && job.OutputPath != "" {
		resp.File = job.OutputPath
		resp.DownloadFilename = filepath.Base(job.OutputPath)
		resp.DownloadURL = s.link("/v1/jobs/" + job.ID + "/download")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownload serves the finished export. A mirrored artifact is served by
// redirect; the local file is the fallback. ?format=xlsx selects the
// workbook companion when one was written.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusDone {
		writeError(w, http.StatusConflict, "job is not done")
		return
	}

	path := job.OutputPath
	contentType := "text/csv; charset=utf-8"
	if strings.EqualFold(r.URL.Query().Get("format"), "xlsx") {
		if job.WorkbookPath == "" {
			writeError(w, http.StatusNotFound, "workbook not available")
			return
		}
		path = job.WorkbookPath
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	} else if job.ArtifactKey != "" && s.artifacts != nil {
		url, err := s.artifacts.PresignedGetURL(r.Context(), job.ArtifactKey, filepath.Base(path), s.cfg.PresignTTL)
		if err == nil {
			http.Redirect(w, r, url, http.StatusTemporaryRedirect)
			return
		}
		logger.Warn().Err(err).Str("job_id", job.ID).Msg("presign artifact failed, serving local copy")
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusGone, "export file is no longer available")
			return
		}
		logger.Error().Err(err).Str("path", path).Msg("open export failed")
		writeError(w, http.StatusInternalServerError, "failed to open export")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open export")
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := chi.URLParam(r, "id")
	job, ok, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("job_id", jobID).Msg("fetch job failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return domain.Job{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return domain.Job{}, false
	}
	return job, true
}
