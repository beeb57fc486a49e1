package api

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/docqa/internal/id"
	"github.com/rs/zerolog/hlog"
)

const (
	multipartMemory = 8 << 20
	sniffLen        = 512
	pdfContentType  = "application/pdf"
	defaultDocName  = "document.pdf"
)

// documentNotFoundMsg is returned for missing paths and for paths outside the
// upload dir alike.
const documentNotFoundMsg = "PDF file not found."

var errDocumentNotFound = errors.New("document not found")

type uploadResponse struct {
	Msg          string `json:"msg"`
	DocumentPath string `json:"document_path"`
	DocumentName string `json:"document_name"`
}

// handleUploadDocument stores a PDF at <upload dir>/<uuid>/<name> so two
// uploads with the same name never collide.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	logger := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "document exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("document")
	if err != nil {
		writeError(w, http.StatusBadRequest, "document file is required")
		return
	}
	defer file.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "failed to read document")
		return
	}
	head = head[:n]
	if http.DetectContentType(head) != pdfContentType {
		writeError(w, http.StatusUnsupportedMediaType, "document must be a PDF")
		return
	}

	name := documentFileName(r.FormValue("filename"), header.Filename)
	dir := filepath.Join(s.cfg.UploadDir, id.New())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("create upload dir failed")
		writeError(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	dest := filepath.Join(dir, name)
	written, err := writeUpload(dest, io.MultiReader(bytes.NewReader(head), file))
	if err != nil {
		_ = os.RemoveAll(dir)
		if isBodyTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "document exceeds upload limit")
			return
		}
		logger.Error().Err(err).Str("path", dest).Msg("store upload failed")
		writeError(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	s.metrics.uploadBytes.Observe(float64(written))
	logger.Info().Str("document_path", dest).Int64("bytes", written).Msg("document uploaded")

	writeJSON(w, http.StatusCreated, uploadResponse{
		Msg:          "success",
		DocumentPath: dest,
		DocumentName: name,
	})
}

func writeUpload(dest string, src io.Reader) (int64, error) {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	written, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	if copyErr != nil {
		return written, copyErr
	}
	return written, closeErr
}

// documentFileName prefers the explicit form field over the multipart
// filename and reduces either to a safe base name ending in .pdf.
func documentFileName(explicit, uploaded string) string {
	name := strings.TrimSpace(explicit)
	if name == "" {
		name = strings.TrimSpace(uploaded)
	}
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return defaultDocName
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

// resolveDocument maps a client supplied path to an existing regular file
// inside the upload dir.
func (s *Server) resolveDocument(documentPath string) (string, error) {
	root, err := filepath.Abs(s.cfg.UploadDir)
	if err != nil {
		return "", err
	}
	path, err := filepath.Abs(strings.TrimSpace(documentPath))
	if err != nil {
		return "", errDocumentNotFound
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errDocumentNotFound
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", errDocumentNotFound
	}
	return path, nil
}
