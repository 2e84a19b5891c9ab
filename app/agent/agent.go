// Package agent drives the analyst/coder/manager conversation of a generation job and turns the coder's code
// blocks into visualizations. Every turn is recorded in the job registry and the job's cancel flag is checked
// between turns.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/agentviz/agentviz/app/dataset"
	"github.com/agentviz/agentviz/app/enums"
	"github.com/agentviz/agentviz/app/llm"
	"github.com/agentviz/agentviz/app/prompts"
	"github.com/agentviz/agentviz/app/registry"
	"github.com/agentviz/agentviz/app/sandbox"
)

// ErrEmptyModels returned when analyst or coder model is not set
var ErrEmptyModels = errors.New("analyst and coder models are required")

// ClientProvider makes LLM clients for the request credentials
type ClientProvider interface {
	Client(c llm.Credentials) (llm.Client, error)
}

// Executor runs generated python code
type Executor interface {
	RunAll(ctx context.Context, codes []string, data sandbox.Data) []sandbox.Result
}

// DatasetSource provides the current dataset
type DatasetSource interface {
	Current() (*dataset.Frame, error)
}

// Repeater retries LLM calls
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Visualization is a chart produced by a job. Kind selects the variant: plotly has Figure and Code,
// echarts has Config and optionally Code.
type Visualization struct {
	Kind     enums.VizKind   `json:"kind"`
	Title    string          `json:"title,omitempty"`
	Code     string          `json:"code,omitempty"`
	Figure   json.RawMessage `json:"figure,omitempty"`
	Config   map[string]any  `json:"config,omitempty"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Fallback bool            `json:"fallback,omitempty"`
}

// Request to generate visualizations
type Request struct {
	Prompt      string
	Models      registry.Models
	Credentials llm.Credentials
}

// Result of a generation job
type Result struct {
	JobID          string          `json:"job_id"`
	Status         enums.JobStatus `json:"status"`
	Visualizations []Visualization `json:"visualizations"`
	Error          string          `json:"error,omitempty"`
}

// Params of the Runner
type Params struct {
	Registry      *registry.Registry
	Clients       ClientProvider
	Executor      Executor
	Datasets      DatasetSource
	Prompts       *prompts.Templates
	Repeater      Repeater      // optional, single attempt by default
	CheckInterval time.Duration // how often a running call checks the cancel flag, 100ms by default
}

// Runner executes generation jobs
type Runner struct {
	Params
}

// New makes a Runner
func New(p Params) *Runner {
	if p.Repeater == nil {
		p.Repeater = repeater.New(&strategy.Once{})
	}
	if p.CheckInterval <= 0 {
		p.CheckInterval = 100 * time.Millisecond
	}
	return &Runner{Params: p}
}

// NewRepeater makes a backoff repeater for LLM calls, attempts <= 1 means no retries
func NewRepeater(attempts int, duration time.Duration, factor float64) Repeater {
	if attempts <= 1 {
		return repeater.New(&strategy.Once{})
	}
	return repeater.New(&strategy.Backoff{Repeats: attempts, Duration: duration, Factor: factor, Jitter: true})
}

// Generate starts a job and runs it to the end. Problems detected before the job starts (no dataset, bad
// credentials, a job already running) are returned as errors without a Result. Once the job exists the
// Result is always filled; an upstream LLM failure is reported both in the Result and as a returned error.
func (r *Runner) Generate(ctx context.Context, req Request) (Result, error) {
	if req.Models.Analyst == "" || req.Models.Coder == "" {
		return Result{}, ErrEmptyModels
	}
	frame, err := r.Datasets.Current()
	if err != nil {
		return Result{}, err
	}
	client, err := r.Clients.Client(req.Credentials)
	if err != nil {
		return Result{}, err
	}

	job, token, err := r.Registry.Start(req.Models)
	if err != nil {
		return Result{}, err
	}
	st := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.watchCancel(ctx, token, cancel)

	c := &conversation{runner: r, client: client, jobID: job.ID, token: token, models: req.Models,
		vars: prompts.Vars{Prompt: strings.TrimSpace(req.Prompt), Dataset: frame.Name,
			Summary: frame.Summarize().PromptText(), Columns: strings.Join(frame.Columns, ", ")}}

	vizs, runErr := c.run(ctx, frame)

	status, errMsg := enums.JobStatusCompleted, ""
	switch {
	case errors.Is(runErr, errCancelled) || token.Cancelled():
		status = enums.JobStatusCancelled
	case runErr != nil:
		status, errMsg = enums.JobStatusError, runErr.Error()
	}

	res := Result{JobID: job.ID, Visualizations: vizs, Error: errMsg}
	finished, err := r.Registry.Finish(job.ID, status, errMsg)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		// registry was reset while the job was running, the job is orphaned
		res.Status, res.Visualizations = enums.JobStatusCancelled, nil
	case err != nil:
		log.Printf("[WARN] can't finish job %s: %v", job.ID, err)
		res.Status = status
	default:
		res.Status = finished.Status
	}
	if res.Status == enums.JobStatusCancelled {
		res.Visualizations, res.Error = nil, ""
	}
	if res.Visualizations == nil {
		res.Visualizations = []Visualization{}
	}
	log.Printf("[INFO] job %s finished as %s in %v, %d visualizations", job.ID, res.Status,
		time.Since(st).Truncate(time.Millisecond), len(res.Visualizations))

	if res.Status == enums.JobStatusError {
		return res, runErr
	}
	return res, nil
}

// watchCancel cancels ctx once the job's cancel flag is set, so in-flight calls are interrupted
func (r *Runner) watchCancel(ctx context.Context, token *registry.Token, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if token.Cancelled() {
				cancel()
				return
			}
		}
	}
}

// visualizations turns code blocks into visualizations. Python blocks are executed in the sandbox,
// ECharts blocks are parsed. Failures are kept as per-visualization errors.
func (r *Runner) visualizations(ctx context.Context, blocks []Block, frame *dataset.Frame) []Visualization {
	res := make([]Visualization, len(blocks))
	var codes []string
	var pyIdx []int
	for i, b := range blocks {
		res[i] = Visualization{Kind: b.Kind, Code: b.Code}
		if b.Kind == enums.VizKindPlotly {
			codes = append(codes, b.Code)
			pyIdx = append(pyIdx, i)
			continue
		}
		cfg, err := ParseECharts(b.Code)
		if err != nil {
			res[i].Error = err.Error()
			continue
		}
		res[i].Config, res[i].Title = cfg, echartsTitle(cfg)
	}

	if len(codes) > 0 {
		data := sandbox.Data{Path: frame.Path, Delimiter: frame.Delimiter, Encoding: frame.Encoding,
			Columns: frame.Columns, Numeric: frame.NumericColumns()}
		for j, out := range r.Executor.RunAll(ctx, codes, data) {
			v := &res[pyIdx[j]]
			v.Code, v.Output, v.Error, v.Figure = out.Code, out.Output, out.Error, out.Figure
			if out.Error == "" {
				v.Title = plotlyTitle(out.Figure)
			}
		}
	}
	return res
}

// fallback returns the default charts of the dataset
func fallback(frame *dataset.Frame) []Visualization {
	charts := dataset.DefaultCharts(frame)
	res := make([]Visualization, 0, len(charts))
	for _, c := range charts {
		res = append(res, Visualization{Kind: enums.VizKindECharts, Title: c.Title, Config: c.Config, Fallback: true})
	}
	return res
}
