package initiator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"checksumd/pkg/checksum"
)

const submitTimeout = 60 * time.Second

// Router exposes the submission API.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/v1/checksum-jobs", s.handleSubmit)
	r.Get("/v1/checksum-jobs/{jobID}", s.handleGetJob)

	return r
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()

	result, err := s.Submit(ctx, req)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	respondJSON(w, status, result)
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, errors.New("job id is required"))
		return
	}

	job, err := s.Job(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, errors.New("job not found"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"job": job})
}

func statusForError(err error) int {
	var vErr *checksum.ValidationError
	var tlErr *checksum.TooLargeError
	var subErr *SubmissionError

	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.As(err, &tlErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &subErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
