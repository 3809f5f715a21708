package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/loadergate/internal/errs"
	"github.com/JonMunkholm/loadergate/internal/loader"
)

// loaderView is a loader with its live and in-progress versions.
type loaderView struct {
	LoaderCode  string                `json:"loader_code"`
	Active      *loader.Configuration `json:"active,omitempty"`
	WorkingCopy *loader.Configuration `json:"working_copy,omitempty"`
}

// decisionRequest is the body of approve, reject and force-activate.
type decisionRequest struct {
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func (s *Server) handleListLoaders(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.engine.Summaries(r.Context())
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetLoader(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	view := loaderView{LoaderCode: code}

	active, err := s.engine.Active(r.Context(), code)
	if err != nil && !errs.IsNotFound(err) {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	view.Active = masked(active)

	wc, err := s.engine.WorkingCopy(r.Context(), code)
	if err != nil && !errs.IsNotFound(err) {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	view.WorkingCopy = masked(wc)

	if view.Active == nil && view.WorkingCopy == nil {
		exists, err := s.engine.Exists(r.Context(), code)
		if err != nil {
			respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		if !exists {
			respondError(w, r, errs.ErrNotFound, http.StatusNotFound)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLoaderHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.History(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if len(history) == 0 {
		respondError(w, r, errs.ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, maskedAll(history))
}

// handleCreateDraft opens a working copy. With ?submit=true the draft is
// submitted in the same transaction.
func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var p loader.Payload
	if err := decodeJSON(w, r, &p); err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	code := chi.URLParam(r, "code")

	if parseBoolParam(r.URL.Query().Get("submit")) {
		res, err := s.engine.ProposeChange(r.Context(), code, p, actor(r))
		if err != nil {
			respondError(w, r, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, maskedResult(res))
		return
	}

	c, err := s.engine.CreateDraft(r.Context(), code, p, actor(r))
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, masked(c))
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	c, err := s.engine.Get(r.Context(), id)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, masked(c))
}

func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	var p loader.Payload
	if err := decodeJSON(w, r, &p); err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	c, err := s.engine.UpdateDraft(r.Context(), id, p, actor(r))
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, masked(c))
}

func (s *Server) handleVersionApprovals(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	reqs, err := s.engine.Approvals(r.Context(), id)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// transition runs a lifecycle operation on the version in the URL and
// writes its result.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(r *http.Request, id uuid.UUID, body decisionRequest) (*loader.Result, error)) {
	id, err := versionID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	var body decisionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	res, err := op(r, id, body)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, maskedResult(res))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(r *http.Request, id uuid.UUID, _ decisionRequest) (*loader.Result, error) {
		return s.engine.SubmitForApproval(r.Context(), id, actor(r))
	})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(r *http.Request, id uuid.UUID, _ decisionRequest) (*loader.Result, error) {
		return s.engine.Resubmit(r.Context(), id, actor(r))
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(r *http.Request, id uuid.UUID, body decisionRequest) (*loader.Result, error) {
		return s.engine.Approve(r.Context(), id, actor(r), body.Comment)
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(r *http.Request, id uuid.UUID, body decisionRequest) (*loader.Result, error) {
		return s.engine.Reject(r.Context(), id, actor(r), body.Comment)
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(r *http.Request, id uuid.UUID, _ decisionRequest) (*loader.Result, error) {
		return s.engine.Revoke(r.Context(), id, actor(r))
	})
}

func (s *Server) handleForceActivate(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(r *http.Request, id uuid.UUID, body decisionRequest) (*loader.Result, error) {
		return s.engine.ForceActivateFromArchive(r.Context(), id, actor(r), body.Reason)
	})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, err := versionID(r)
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	c, err := s.engine.RestoreFromArchive(r.Context(), id, actor(r))
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, masked(c))
}
