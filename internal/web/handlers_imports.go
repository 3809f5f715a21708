package web

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/importer"
	"github.com/JonMunkholm/loadergate/internal/loader"
)

// multipartOverhead is allowed on top of the file size limit for the other
// form fields and part headers.
const multipartOverhead = 1 << 20

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	if entityType == "" {
		entityType = loader.EntityType
	}
	reqs, err := s.engine.Ledger().Pending(r.Context(), strings.ToUpper(entityType))
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.engine.Ledger().History(r.Context(),
		strings.ToUpper(chi.URLParam(r, "entityType")), chi.URLParam(r, "entityID"))
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// handleImport runs an uploaded sheet. Row failures are part of a 200
// response; only file-level problems and refusals are errors.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("file too large: limit is %d bytes", s.cfg.Import.MaxFileSize)
			respondError(w, r, err, http.StatusRequestEntityTooLarge)
			return
		}
		respondError(w, r, fmt.Errorf("unreadable sheet: %w", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			err = importer.ErrNoFile
		}
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	defer file.Close()

	upload := importer.FileUpload{Name: header.Filename, Reader: file}
	// wait=false refuses at once when every import slot is taken.
	noWait := r.FormValue("wait") != "" && !parseBoolParam(r.FormValue("wait"))
	req := importer.BatchRequest{
		Label:     r.FormValue("label"),
		Submitter: actor(r),
		DryRun:    parseBoolParam(r.FormValue("dry_run")),
		NoWait:    noWait,
	}

	res, err := s.imports.ImportFile(r.Context(), upload, req)
	if err != nil {
		if res != nil {
			// Rows ran but the audit record was not written.
			respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	from, err := parseDateParam(r, "from")
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	to, err := parseDateParam(r, "to")
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	if !to.IsZero() {
		to = to.Add(24 * time.Hour) // the whole "to" day
	}

	page := parseIntParam(r, "page", 1)
	pageSize := min(parseIntParam(r, "page_size", importer.DefaultAuditPageSize), 500)

	result, err := s.imports.Audits().List(r.Context(), importer.AuditFilter{
		Submitter:  r.URL.Query().Get("submitter"),
		BatchLabel: r.URL.Query().Get("label"),
		From:       from,
		To:         to,
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	})
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) auditRecord(w http.ResponseWriter, r *http.Request) (*importer.AuditRecord, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, r, &errs.ValidationError{Field: "id", Value: raw, Message: "must be a UUID"}, http.StatusBadRequest)
		return nil, false
	}
	rec, err := s.imports.Audits().Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return nil, false
	}
	return rec, true
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	if rec, ok := s.auditRecord(w, r); ok {
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleImportErrors downloads the error report of a batch.
func (s *Server) handleImportErrors(w http.ResponseWriter, r *http.Request) {
	format, err := importer.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, r, errs.Validation("format", "%v", err), http.StatusBadRequest)
		return
	}
	rec, ok := s.auditRecord(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := importer.WriteErrorReport(&buf, rec, format); err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	attachment(w, format.ContentType(), fmt.Sprintf("import_errors_%s.%s", rec.ID, format))
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	limiter := s.imports.Limiter()
	if limiter == nil {
		writeJSON(w, http.StatusOK, importer.LimiterStatus{})
		return
	}
	writeJSON(w, http.StatusOK, limiter.Status())
}

func (s *Server) handleImportTemplate(w http.ResponseWriter, r *http.Request) {
	format, err := importer.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, r, errs.Validation("format", "%v", err), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := importer.WriteTemplate(&buf, format); err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	attachment(w, format.ContentType(), "loader_import_template."+string(format))
	_, _ = buf.WriteTo(w)
}

// handleExport downloads every active configuration in the import layout.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := importer.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, r, errs.Validation("format", "%v", err), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := importer.WriteExport(r.Context(), &buf, s.engine, format); err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	name := fmt.Sprintf("loaders_%s.%s", time.Now().UTC().Format("20060102_150405"), format)
	attachment(w, format.ContentType(), name)
	_, _ = buf.WriteTo(w)
}
