package httpapi

import (
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/types"
	"github.com/forPelevin/vidsum/internal/usecase"
)

type transcribeRequest struct {
	URL      string `json:"url"`
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
}

type submitResponse struct {
	JobID  string      `json:"job_id"`
	Cached bool        `json:"cached,omitempty"`
	Output any         `json:"output,omitempty"`
	Error  *jobs.Error `json:"error,omitempty"`
}

func (s *Server) transcribe(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req transcribeRequest
		if err := decodeJSON(r, &req); err != nil {
			s.respondError(w, err)
			return
		}
		s.submit(w, r, jobs.KindTranscribe, usecase.TranscribeInput{
			Source:  types.Source{URL: strings.TrimSpace(req.URL)},
			Options: types.TranscribeOptions{Language: req.Language, ModelSize: req.Model},
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.respondError(w, faults.Wrap(faults.InvalidInput, "upload", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, faults.New(faults.InvalidInput, "upload", "multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	s.submit(w, r, jobs.KindTranscribe, usecase.TranscribeInput{
		Source:  types.Source{Upload: file, FileName: header.Filename},
		Options: types.TranscribeOptions{Language: r.FormValue("language"), ModelSize: r.FormValue("model")},
	})
}

func (s *Server) summarize(w http.ResponseWriter, r *http.Request) {
	var in usecase.SummarizeInput
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, err)
		return
	}
	s.submit(w, r, jobs.KindSummarize, in)
}

func (s *Server) clips(w http.ResponseWriter, r *http.Request) {
	var in usecase.ClipsInput
	if err := decodeJSON(r, &in); err != nil {
		s.respondError(w, err)
		return
	}
	s.submit(w, r, jobs.KindExtractClips, in)
}

// submit answers 200 with the output for a library hit, 400 when the
// request was rejected before queueing and 202 otherwise.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind jobs.Kind, input any) {
	h, err := s.jobs.Submit(r.Context(), kind, input)
	if err != nil {
		s.respondError(w, err)
		return
	}
	j, err := s.jobs.Poll(h.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	switch {
	case j.State == jobs.StateCompleted && j.Cached:
		s.respondJSON(w, http.StatusOK, submitResponse{JobID: j.ID, Cached: true, Output: j.Output})
	case j.State == jobs.StateFailed && j.Error != nil && j.Error.Kind == faults.InvalidInput:
		s.respondJSON(w, http.StatusBadRequest, submitResponse{JobID: j.ID, Error: j.Error})
	default:
		s.respondJSON(w, http.StatusAccepted, submitResponse{JobID: h.ID})
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Poll(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.jobs.Cancel(id); err != nil {
		s.respondError(w, err)
		return
	}
	j, err := s.jobs.Poll(id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, j)
}
