package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"

	"github.com/agentviz/agentviz/app/agent"
	"github.com/agentviz/agentviz/app/dataset"
	"github.com/agentviz/agentviz/app/enums"
	"github.com/agentviz/agentviz/app/llm"
	"github.com/agentviz/agentviz/app/registry"
)

const msgNoDataset = "No dataset uploaded yet."

// DatasetResponse is the JSON response for upload and dataset requests
type DatasetResponse struct {
	Message  string          `json:"message,omitempty"`
	Filename string          `json:"filename"`
	Encoding string          `json:"encoding"`
	Summary  dataset.Summary `json:"summary"`
}

// CheckKeyResponse is the JSON response for /api/check_api_key
type CheckKeyResponse struct {
	Status          string            `json:"status"`
	Message         string            `json:"message"`
	AvailableModels map[string]string `json:"available_models,omitempty"`
}

// LogsResponse is the JSON response for /api/admin/logs
type LogsResponse struct {
	Logs            []registry.LogEntry `json:"logs"`
	AvailableModels map[string]string   `json:"available_models"`
}

// PromptRequest is the body of /api/visualizations/prompt
type PromptRequest struct {
	Prompt         string `json:"prompt"`
	AnalystModelID string `json:"analyst_model_id"`
	CoderModelID   string `json:"coder_model_id"`
	ManagerModelID string `json:"manager_model_id"`
}

// CancelRequest is the optional body of /api/jobs/cancel
type CancelRequest struct {
	JobID string `json:"job_id"`
}

// handleUpload stores a CSV file as the current dataset
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			s.writeJSONError(w, http.StatusBadRequest, "No file part")
			return
		}
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("can't read upload: %v", err))
		return
	}
	defer file.Close()

	if header.Filename == "" {
		s.writeJSONError(w, http.StatusBadRequest, "No selected file")
		return
	}

	frame, err := s.datasets.Save(header.Filename, file)
	switch {
	case errors.Is(err, dataset.ErrNotCSV):
		s.writeJSONError(w, http.StatusBadRequest, "Invalid file type. Please upload a CSV file.")
		return
	case errors.Is(err, dataset.ErrTooLarge):
		s.writeJSONError(w, http.StatusRequestEntityTooLarge, "File too large.")
		return
	case errors.Is(err, dataset.ErrEmpty):
		s.writeJSONError(w, http.StatusBadRequest, "The uploaded file contains no data.")
		return
	case err != nil:
		log.Printf("[WARN] failed to save upload %q: %v", header.Filename, err)
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Error processing file: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, DatasetResponse{
		Message:  "File uploaded successfully",
		Filename: frame.Name,
		Encoding: frame.Encoding,
		Summary:  frame.Summarize(),
	})
}

// handleDataset returns the summary of the current dataset
func (s *Server) handleDataset(w http.ResponseWriter, _ *http.Request) {
	frame, err := s.datasets.Current()
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, msgNoDataset)
		return
	}
	s.writeJSON(w, http.StatusOK, DatasetResponse{Filename: frame.Name, Encoding: frame.Encoding, Summary: frame.Summarize()})
}

// handleCheckAPIKey validates credentials by listing the provider's models
func (s *Server) handleCheckAPIKey(w http.ResponseWriter, r *http.Request) {
	models, err := s.models.Models(r.Context(), credentials(r))
	if err != nil {
		msg := fmt.Sprintf("API key validation failed: %v", err)
		if errors.Is(err, llm.ErrNoModels) {
			msg = "No models available. Please check your API key or ensure Ollama is running."
		}
		s.writeJSON(w, http.StatusUnauthorized, CheckKeyResponse{Status: "error", Message: msg})
		return
	}
	if len(models) == 0 {
		s.writeJSON(w, http.StatusUnauthorized, CheckKeyResponse{Status: "error",
			Message: "No models available. Please check your API key or ensure Ollama is running."})
		return
	}
	s.writeJSON(w, http.StatusOK, CheckKeyResponse{
		Status:          "success",
		Message:         "API key is valid or Ollama models are available",
		AvailableModels: modelLabels(models),
	})
}

// handleVisualizations runs a job with the default request, models come from query params
func (s *Server) handleVisualizations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	models := registry.Models{
		Analyst: valueOr(q.Get("analyst_model"), llm.DefaultModel),
		Coder:   valueOr(q.Get("coder_model"), llm.DefaultModel),
		Manager: q.Get("manager_model"),
	}
	s.generate(w, r, "", models)
}

// handlePromptVisualization runs a job for the user's prompt
func (s *Server) handlePromptVisualization(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'prompt' in request body")
		return
	}
	models := registry.Models{
		Analyst: valueOr(req.AnalystModelID, llm.DefaultModel),
		Coder:   valueOr(req.CoderModelID, llm.DefaultModel),
		Manager: req.ManagerModelID,
	}
	s.generate(w, r, req.Prompt, models)
}

// generate validates the request and runs the job synchronously, the response carries the job result
func (s *Server) generate(w http.ResponseWriter, r *http.Request, prompt string, models registry.Models) {
	if _, err := s.datasets.Current(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, msgNoDataset)
		return
	}

	creds := credentials(r)
	available, err := s.models.Models(r.Context(), creds)
	if err != nil {
		s.writeJSONError(w, errorStatus(err), fmt.Sprintf("can't list models: %v", err))
		return
	}
	ids := llm.ModelIDs(available)
	for _, m := range []struct{ role, id string }{{"analyst", models.Analyst}, {"coder", models.Coder}, {"manager", models.Manager}} {
		if m.id == "" || llm.ContainsModel(available, m.id) {
			continue
		}
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("Invalid %s model ID: %s. Available models: [%s]", m.role, m.id, strings.Join(ids, ", ")))
		return
	}

	res, err := s.runner.Generate(r.Context(), agent.Request{Prompt: prompt, Models: models, Credentials: creds})
	if err != nil && res.JobID == "" { // rejected before the job started
		s.writeJSONError(w, errorStatus(err), err.Error())
		return
	}
	if res.Status == enums.JobStatusError {
		log.Printf("[WARN] job %s failed: %s", res.JobID, res.Error)
		s.writeJSON(w, errorStatus(err), res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleCancelJob requests cancellation of the given or the current job
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	if req.JobID == "" {
		current, ok := s.registry.Current()
		if !ok {
			s.writeJSONError(w, http.StatusNotFound, "no running job")
			return
		}
		req.JobID = current.ID
	}
	job, err := s.registry.RequestCancel(req.JobID)
	if err != nil {
		s.writeJSONError(w, errorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleCurrentJob returns the running job or the latest finished one
func (s *Server) handleCurrentJob(w http.ResponseWriter, _ *http.Request) {
	job, ok := s.registry.Latest()
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "no jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleJobStatus returns a job by id
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.Status(r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, errorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleReset clears jobs, logs and the persisted history. A running job is orphaned.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.registry.Reset()
	if s.store != nil {
		if err := s.store.Purge(r.Context()); err != nil {
			log.Printf("[WARN] failed to purge log history: %v", err)
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("can't purge log history: %v", err))
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "All visualization data has been reset"})
}

// handleLogs returns the admin log in chronological order with the models available for the caller
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	resp := LogsResponse{Logs: s.registry.Logs(), AvailableModels: map[string]string{}}
	if models, err := s.models.Models(r.Context(), credentials(r)); err == nil {
		resp.AvailableModels = modelLabels(models)
	} else {
		log.Printf("[DEBUG] can't list models for logs: %v", err)
	}
	if resp.Logs == nil {
		resp.Logs = []registry.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// errorStatus maps domain errors to http status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, llm.ErrNoAPIKey), errors.Is(err, llm.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, dataset.ErrNoDataset), errors.Is(err, agent.ErrEmptyModels):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrUpstream), errors.Is(err, llm.ErrNoModels):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func modelLabels(models []llm.Model) map[string]string {
	res := make(map[string]string, len(models))
	for _, m := range models {
		res[m.ID] = m.Name
	}
	return res
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// writeJSON writes a JSON response with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
