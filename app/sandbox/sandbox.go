// Package sandbox executes generated Python chart code in a separate interpreter process with
// restricted builtins and imports, a timeout and a memory guard. Failures are returned as data.
package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
)

//go:embed driver.py
var driverScript []byte

// NoFigureError reported when the snippet didn't assign a figure to fig
const NoFigureError = "No Plotly figure was created. Make sure to assign your figure to a variable named 'fig'."

// Config of the executor
type Config struct {
	Interpreter       string        // python interpreter, python3 by default
	Timeout           time.Duration // per run, 10s by default
	MaxMemoryMB       int           // resident memory limit of the interpreter, 0 disables
	MaxHostMemPercent int           // refuse to run above this host memory use, 0 disables
	MaxOutputLines    int           // captured output lines, 200 by default
	Workers           int           // concurrent runs in RunAll, 4 by default
	TempDir           string        // parent of per-run working dirs, os.TempDir() by default
}

// Data points the snippet to the current dataset, loaded as df before the snippet runs.
// Columns rename the loaded columns to the names the agents were told about, Numeric columns
// are coerced to numbers with decimal commas accepted.
type Data struct {
	Path      string
	Delimiter rune
	Encoding  string
	Columns   []string
	Numeric   []string
}

// dataSpec is the data description passed to the driver
type dataSpec struct {
	Path     string   `json:"path"`
	Sep      string   `json:"sep"`
	Encoding string   `json:"encoding"`
	Columns  []string `json:"columns,omitempty"`
	Numeric  []string `json:"numeric,omitempty"`
}

// Result of a run. Error is empty on success.
type Result struct {
	Figure json.RawMessage `json:"figure,omitempty"`
	Output string          `json:"output"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code"`
}

// Executor runs code snippets
type Executor struct {
	cfg Config
}

// New makes an executor with defaults applied
func New(cfg Config) *Executor {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxOutputLines <= 0 {
		cfg.MaxOutputLines = 200
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Executor{cfg: cfg}
}

// Run sanitizes and executes code. It never fails, all problems are reported in Result.Error.
func (e *Executor) Run(ctx context.Context, code string, data Data) Result {
	res := Result{Code: Sanitize(code)}
	if ok, reason := checkHostMemory(e.cfg.MaxHostMemPercent); !ok {
		res.Error = "execution refused: " + reason
		return res
	}

	dir, err := os.MkdirTemp(e.cfg.TempDir, "sandbox-")
	if err != nil {
		res.Error = fmt.Sprintf("can't prepare sandbox: %v", err)
		return res
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[WARN] can't remove sandbox dir %s: %v", dir, err)
		}
	}()

	driverPath, codePath, resultPath := filepath.Join(dir, "driver.py"), filepath.Join(dir, "snippet.py"),
		filepath.Join(dir, "result.json")
	if err := os.WriteFile(driverPath, driverScript, 0o600); err != nil {
		res.Error = fmt.Sprintf("can't prepare sandbox: %v", err)
		return res
	}
	if err := os.WriteFile(codePath, []byte(res.Code), 0o600); err != nil {
		res.Error = fmt.Sprintf("can't prepare sandbox: %v", err)
		return res
	}

	output := NewOutputCapture(e.cfg.MaxOutputLines)
	runErr := e.exec(ctx, dir, output, driverPath, codePath, resultPath, data)
	res.Output = output.Output()

	fig, figErr, readErr := readResult(resultPath)
	switch {
	case runErr != nil:
		res.Error = runErr.Error()
	case readErr != nil:
		res.Error = fmt.Sprintf("execution produced no result: %v", readErr)
	case figErr != "":
		res.Error = figErr
	default:
		res.Figure = fig
	}
	return res
}

// RunAll executes snippets concurrently, results are in the order of codes
func (e *Executor) RunAll(ctx context.Context, codes []string, data Data) []Result {
	res := make([]Result, len(codes))
	gr := syncs.NewSizedGroup(e.cfg.Workers, syncs.Context(ctx))
	for i, code := range codes {
		gr.Go(func(ctx context.Context) {
			res[i] = e.Run(ctx, code, data)
		})
	}
	gr.Wait()
	for i := range res {
		if res[i].Code == "" && res[i].Error == "" {
			// skipped because ctx was cancelled before the run started
			res[i] = Result{Code: Sanitize(codes[i]), Error: "execution cancelled"}
		}
	}
	return res
}

func (e *Executor) exec(ctx context.Context, dir string, out io.Writer, driverPath, codePath, resultPath string,
	data Data) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := []string{"-B", driverPath, codePath, resultPath, strings.Join(AllowedModules, ",")}
	if data.Path != "" {
		specPath, err := writeDataSpec(dir, data)
		if err != nil {
			return err
		}
		args = append(args, specPath)
	}

	cmd := exec.CommandContext(ctx, e.cfg.Interpreter, args...) //nolint:gosec // interpreter is operator configured
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + dir, "MPLCONFIGDIR=" + dir, "LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1", "PYTHONNOUSERSITE=1"}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("can't start %s: %w", e.cfg.Interpreter, err)
	}

	var memKilled atomic.Uint64
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchMemory(watchCtx, cmd.Process.Pid, e.cfg.MaxMemoryMB, 100*time.Millisecond, func(rss uint64) {
		memKilled.Store(rss)
		if err := cmd.Process.Kill(); err != nil {
			log.Printf("[WARN] can't kill sandbox process %d: %v", cmd.Process.Pid, err)
		}
	})

	err := cmd.Wait()
	stopWatch()
	if rss := memKilled.Load(); rss > 0 {
		return fmt.Errorf("memory limit exceeded: %dMB used, limit %dMB", rss, e.cfg.MaxMemoryMB)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("execution timed out after %v", e.cfg.Timeout)
	}
	if ctx.Err() != nil {
		return errors.New("execution cancelled")
	}
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	return nil
}

// writeDataSpec stores the data description in the sandbox dir
func writeDataSpec(dir string, data Data) (string, error) {
	spec := dataSpec{Path: data.Path, Sep: string(data.Delimiter), Encoding: data.Encoding,
		Columns: data.Columns, Numeric: data.Numeric}
	if data.Delimiter == 0 {
		spec.Sep = ","
	}
	if spec.Encoding == "" {
		spec.Encoding = "utf-8"
	}
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("can't encode data spec: %w", err)
	}
	path := filepath.Join(dir, "data.json")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", fmt.Errorf("can't prepare sandbox: %w", err)
	}
	return path, nil
}

// readResult loads the driver result file
func readResult(path string) (figure json.RawMessage, figErr string, err error) {
	data, err := os.ReadFile(path) //nolint:gosec // path inside sandbox dir
	if err != nil {
		return nil, "", fmt.Errorf("read result: %w", err)
	}
	var res struct {
		Figure json.RawMessage `json:"figure"`
		Error  *string         `json:"error"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, "", fmt.Errorf("decode result: %w", err)
	}
	if res.Error != nil {
		return nil, *res.Error, nil
	}
	if len(res.Figure) == 0 || string(res.Figure) == "null" {
		return nil, NoFigureError, nil
	}
	return res.Figure, "", nil
}
