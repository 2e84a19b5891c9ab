// Package client keeps the state of an agentviz frontend: selected models, visualizations of the current job
// and the admin log, kept fresh by polling or by the log stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/agentviz/agentviz/app/agent"
	"github.com/agentviz/agentviz/app/dataset"
	"github.com/agentviz/agentviz/app/llm"
	"github.com/agentviz/agentviz/app/registry"
	"github.com/agentviz/agentviz/app/web"
)

// APIError is a non-2xx response of the server
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded with %d: %s", e.Status, e.Message)
}

// Repeater retries a function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Params of the Controller
type Params struct {
	BaseURL        string
	APIKey         string
	UseOllama      bool
	AdminPassword  string // basic auth for the admin log, if enabled on the server
	HTTPClient     *http.Client
	Repeater       Repeater      // stream reconnect strategy, exponential backoff by default
	ReconnectDelay time.Duration // pause before reconnecting after a stream ended, 1s by default
	MaxLogs        int           // streamed log entries kept, registry.DefaultMaxLogs by default
}

// State is a snapshot of the controller state
type State struct {
	AnalystModel    string
	CoderModel      string
	ManagerModel    string
	AvailableModels map[string]string
	Dataset         *dataset.Summary
	JobID           string
	Visualizations  []agent.Visualization
	Logs            []registry.LogEntry // newest first
	Loading         bool
	Cancelling      bool
	Error           string
}

// Controller drives the server API and keeps the frontend state
type Controller struct {
	Params
	mu    sync.RWMutex
	state State
	epoch int // incremented by Reset, results of jobs started before are discarded
}

// New makes a Controller
func New(p Params) *Controller {
	p.BaseURL = strings.TrimSuffix(p.BaseURL, "/")
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{}
	}
	if p.Repeater == nil {
		p.Repeater = repeater.New(&strategy.Backoff{Repeats: 5, Duration: 500 * time.Millisecond, Factor: 2, Jitter: true})
	}
	if p.ReconnectDelay <= 0 {
		p.ReconnectDelay = time.Second
	}
	if p.MaxLogs <= 0 {
		p.MaxLogs = registry.DefaultMaxLogs
	}
	return &Controller{Params: p, state: State{AnalystModel: llm.DefaultModel, CoderModel: llm.DefaultModel}}
}

// State returns a copy of the current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := c.state
	res.AvailableModels = maps.Clone(c.state.AvailableModels)
	res.Visualizations = slices.Clone(c.state.Visualizations)
	res.Logs = slices.Clone(c.state.Logs)
	return res
}

// SelectModels sets the models used by Generate, empty manager disables it
func (c *Controller) SelectModels(analyst, coder, manager string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AnalystModel, c.state.CoderModel, c.state.ManagerModel = analyst, coder, manager
}

// CheckAPIKey validates credentials and loads available models. Selected models missing from the list
// are replaced by the default model, or the first available one.
func (c *Controller) CheckAPIKey(ctx context.Context) (map[string]string, error) {
	var resp web.CheckKeyResponse
	err := c.call(ctx, http.MethodGet, "/api/check_api_key", nil, "", &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && resp.Message != "" {
			apiErr.Message = resp.Message
		}
		c.setError(err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.AvailableModels = resp.AvailableModels
	c.state.Error = ""
	c.state.AnalystModel = pickModel(c.state.AnalystModel, resp.AvailableModels)
	c.state.CoderModel = pickModel(c.state.CoderModel, resp.AvailableModels)
	if _, ok := resp.AvailableModels[c.state.ManagerModel]; !ok {
		c.state.ManagerModel = ""
	}
	return maps.Clone(resp.AvailableModels), nil
}

// Upload sends a CSV file and makes it the current dataset
func (c *Controller) Upload(ctx context.Context, name string, r io.Reader) (dataset.Summary, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return dataset.Summary{}, fmt.Errorf("can't make form file: %w", err)
	}
	if _, err = io.Copy(fw, r); err != nil {
		return dataset.Summary{}, fmt.Errorf("can't read %s: %w", name, err)
	}
	if err = mw.Close(); err != nil {
		return dataset.Summary{}, fmt.Errorf("can't close form: %w", err)
	}

	var resp web.DatasetResponse
	if err := c.call(ctx, http.MethodPost, "/api/upload", body, mw.FormDataContentType(), &resp); err != nil {
		c.setError(err)
		return dataset.Summary{}, err
	}
	c.mu.Lock()
	c.state.Dataset = &resp.Summary
	c.state.Error = ""
	c.mu.Unlock()
	return resp.Summary, nil
}

// Generate runs a job with the selected models, empty prompt requests the default set of visualizations.
// Blocks until the job finishes. Visualizations of the job replace the current ones unless Reset was
// called in the meantime.
func (c *Controller) Generate(ctx context.Context, prompt string) (agent.Result, error) {
	c.mu.Lock()
	epoch := c.epoch
	models := registry.Models{Analyst: c.state.AnalystModel, Coder: c.state.CoderModel, Manager: c.state.ManagerModel}
	c.state.Loading, c.state.Cancelling, c.state.Error = true, false, ""
	c.mu.Unlock()

	var res agent.Result
	var err error
	if strings.TrimSpace(prompt) == "" {
		q := url.Values{}
		q.Set("analyst_model", models.Analyst)
		q.Set("coder_model", models.Coder)
		if models.Manager != "" {
			q.Set("manager_model", models.Manager)
		}
		err = c.call(ctx, http.MethodGet, "/api/visualizations?"+q.Encode(), nil, "", &res)
	} else {
		body, mErr := json.Marshal(web.PromptRequest{Prompt: prompt, AnalystModelID: models.Analyst,
			CoderModelID: models.Coder, ManagerModelID: models.Manager})
		if mErr != nil {
			return agent.Result{}, fmt.Errorf("can't encode prompt: %w", mErr)
		}
		err = c.call(ctx, http.MethodPost, "/api/visualizations/prompt", bytes.NewReader(body), "application/json", &res)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		log.Printf("[DEBUG] discarding result of job %s started before reset", res.JobID)
		return res, err
	}
	c.state.Loading, c.state.Cancelling = false, false
	if res.JobID != "" {
		c.state.JobID = res.JobID
		c.state.Visualizations = res.Visualizations
	}
	switch {
	case err != nil && res.Error != "":
		c.state.Error = res.Error
	case err != nil:
		c.state.Error = err.Error()
	}
	return res, err
}

// Cancel requests cancellation of the running job
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	c.state.Cancelling = true
	c.mu.Unlock()

	var job registry.Job
	if err := c.call(ctx, http.MethodPost, "/api/jobs/cancel", nil, "", &job); err != nil {
		c.mu.Lock()
		c.state.Cancelling = false
		c.state.Error = err.Error()
		c.mu.Unlock()
		return err
	}
	log.Printf("[DEBUG] cancel requested for job %s", job.ID)
	return nil
}

// Reset clears local visualization state and the server's jobs and logs. Local state is cleared
// even if the request fails.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	c.state.JobID = ""
	c.state.Visualizations = nil
	c.state.Logs = nil
	c.state.Loading, c.state.Cancelling = false, false
	c.state.Error = ""
	c.mu.Unlock()

	if err := c.call(ctx, http.MethodPost, "/api/reset", nil, "", nil); err != nil {
		c.setError(err)
		return err
	}
	return nil
}

// RefreshLogs polls the admin log once, the list is replaced newest first
func (c *Controller) RefreshLogs(ctx context.Context) error {
	var resp web.LogsResponse
	if err := c.call(ctx, http.MethodGet, "/api/admin/logs", nil, "", &resp); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Logs = newestFirst(resp.Logs)
	if len(resp.AvailableModels) > 0 {
		c.state.AvailableModels = resp.AvailableModels
	}
	return nil
}

// Poll refreshes the admin log every interval until ctx is done. Failed polls are logged and skipped.
func (c *Controller) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.RefreshLogs(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[WARN] failed to refresh logs: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// call sends a request with provider headers and decodes a JSON response into res.
// On non-2xx status the body is decoded into res too, if possible, and an *APIError is returned.
func (c *Controller) call(ctx context.Context, method, path string, body io.Reader, contentType string, res any) error {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close response body: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		if res != nil {
			_ = json.Unmarshal(data, res)
		}
		return apiErr
	}
	if res == nil {
		return nil
	}
	if err := json.Unmarshal(data, res); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Controller) authorize(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("X-API-KEY", c.APIKey)
	}
	if c.UseOllama {
		req.Header.Set("USE-OLLAMA", "true")
	}
	if c.AdminPassword != "" {
		req.SetBasicAuth("admin", c.AdminPassword)
	}
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	c.state.Error = err.Error()
	c.mu.Unlock()
}

// pickModel keeps current if available, otherwise selects the default or the first available model
func pickModel(current string, available map[string]string) string {
	if _, ok := available[current]; ok || len(available) == 0 {
		return current
	}
	if _, ok := available[llm.DefaultModel]; ok {
		return llm.DefaultModel
	}
	return slices.Sorted(maps.Keys(available))[0]
}

// newestFirst returns a reversed copy of chronological logs
func newestFirst(logs []registry.LogEntry) []registry.LogEntry {
	res := slices.Clone(logs)
	slices.Reverse(res)
	return res
}
