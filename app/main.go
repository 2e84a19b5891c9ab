package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/joho/godotenv"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentviz/agentviz/app/agent"
	"github.com/agentviz/agentviz/app/dataset"
	"github.com/agentviz/agentviz/app/llm"
	"github.com/agentviz/agentviz/app/notify"
	"github.com/agentviz/agentviz/app/prompts"
	"github.com/agentviz/agentviz/app/registry"
	"github.com/agentviz/agentviz/app/sandbox"
	"github.com/agentviz/agentviz/app/web"
)

var opts struct {
	Listen        string        `short:"l" long:"listen" env:"AGENTVIZ_LISTEN" default:":5000" description:"web server listen address"`
	DBPath        string        `long:"db" env:"AGENTVIZ_DB" default:"agentviz.db" description:"sqlite file for log history, empty to keep logs in memory only"`
	UploadDir     string        `long:"upload-dir" env:"AGENTVIZ_UPLOAD_DIR" default:"uploads" description:"directory for uploaded datasets"`
	MaxUpload     int64         `long:"max-upload" env:"AGENTVIZ_MAX_UPLOAD" default:"16777216" description:"max upload size in bytes"`
	Prompts       string        `long:"prompts" env:"AGENTVIZ_PROMPTS" description:"prompts config file, embedded prompts if empty"`
	PasswordHash  string        `long:"admin-password-hash" env:"AGENTVIZ_ADMIN_PASSWORD_HASH" description:"bcrypt hash of admin log password, no auth if empty"`
	GenerateRate  float64       `long:"generate-rate" env:"AGENTVIZ_GENERATE_RATE" default:"1" description:"generation requests per second per client"`
	MaxLogs       int           `long:"max-logs" env:"AGENTVIZ_MAX_LOGS" default:"100" description:"max number of kept job logs"`
	Heartbeat     time.Duration `long:"heartbeat" env:"AGENTVIZ_HEARTBEAT" default:"15s" description:"log stream heartbeat interval"`
	EnvFile       string        `long:"env-file" env:"AGENTVIZ_ENV_FILE" default:".env" description:"env file loaded before parsing flags"`
	PromptsSchema bool          `long:"prompts-schema" description:"print prompts config JSON schema and exit"`
	Dbg           bool          `long:"dbg" env:"AGENTVIZ_DEBUG" description:"debug mode"`

	Groq struct {
		URL     string        `long:"url" env:"URL" default:"https://api.groq.com/openai/v1" description:"groq API url"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"2m" description:"LLM request timeout"`
	} `group:"groq" namespace:"groq" env-namespace:"AGENTVIZ_GROQ"`

	Ollama struct {
		URL string `long:"url" env:"URL" default:"http://localhost:11434" description:"ollama server url"`
	} `group:"ollama" namespace:"ollama" env-namespace:"AGENTVIZ_OLLAMA"`

	Agent struct {
		MaxRounds     int           `long:"max-rounds" env:"MAX_ROUNDS" description:"max conversation rounds, overrides prompts config"`
		CheckInterval time.Duration `long:"check-interval" env:"CHECK_INTERVAL" default:"100ms" description:"cancel flag check interval"`
		ModelsTTL     time.Duration `long:"models-ttl" env:"MODELS_TTL" default:"5m" description:"model list cache TTL"`
	} `group:"agent" namespace:"agent" env-namespace:"AGENTVIZ_AGENT"`

	Sandbox struct {
		Interpreter string        `long:"python" env:"PYTHON" default:"python3" description:"python interpreter"`
		Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"code execution timeout"`
		MaxMemory   int           `long:"max-memory" env:"MAX_MEMORY" default:"512" description:"interpreter memory limit in MB, 0 to disable"`
		MaxHostMem  int           `long:"max-host-mem" env:"MAX_HOST_MEM" default:"90" description:"refuse to run above this host memory use percent, 0 to disable"`
		MaxOutput   int           `long:"max-output" env:"MAX_OUTPUT" default:"200" description:"max captured output lines"`
		Workers     int           `long:"workers" env:"WORKERS" default:"4" description:"concurrent code executions"`
	} `group:"sandbox" namespace:"sandbox" env-namespace:"AGENTVIZ_SANDBOX"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to try a failed LLM call"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
	} `group:"repeater" namespace:"repeater" env-namespace:"AGENTVIZ_REPEATER"`

	Notify struct {
		EnabledError       bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on failed and cancelled jobs"`
		EnabledCompletion  bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable completion notifications"`
		SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		Timeout            time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification send timeout"`
		FromEmail          string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails           []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		Webhooks           []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		WebhookHeaders     []string      `long:"webhook-header" env:"WEBHOOK_HEADER" description:"webhook header(s), Name:Value" env-delim:","`
		ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"error notification template file"`
		CompletionTemplate string        `long:"completion-template" env:"COMPLETION_TEMPLATE" description:"completion notification template file"`
		MaxMessageLen      int           `long:"max-message" env:"MAX_MESSAGE" default:"2000" description:"max length of the last message excerpt"`
		HostName           string        `long:"host" env:"HOSTNAME" description:"host name running agentviz"`
	} `group:"notify" namespace:"notify" env-namespace:"AGENTVIZ_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"agentviz.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"AGENTVIZ_LOG"`

	Janitor struct {
		Schedule string        `long:"schedule" env:"SCHEDULE" default:"@every 1h" description:"upload cleanup schedule, cron spec"`
		MaxAge   time.Duration `long:"max-age" env:"MAX_AGE" default:"24h" description:"remove uploads older than this"`
	} `group:"janitor" namespace:"janitor" env-namespace:"AGENTVIZ_JANITOR"`
}

var revision = "unknown"

func main() {
	fmt.Printf("agentviz %s\n", revision)

	loadEnvFile(envFileArg(os.Args[1:]))
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	if opts.PromptsSchema {
		data, err := json.MarshalIndent(prompts.Schema(), "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "can't make schema: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	setupLogOutput(setupLogs(), opts.Dbg)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	tmpl, err := prompts.Load(opts.Prompts)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}
	if opts.Agent.MaxRounds > 0 {
		tmpl.MaxRounds = opts.Agent.MaxRounds
	}

	datasets, err := dataset.NewStore(opts.UploadDir, opts.MaxUpload)
	if err != nil {
		return fmt.Errorf("failed to make dataset store: %w", err)
	}

	reg := registry.New(opts.MaxLogs)
	clients := llm.NewFactory(llm.FactoryParams{
		GroqURL:   opts.Groq.URL,
		OllamaURL: opts.Ollama.URL,
		Timeout:   opts.Groq.Timeout,
		ModelsTTL: opts.Agent.ModelsTTL,
	})
	runner := agent.New(agent.Params{
		Registry: reg,
		Clients:  clients,
		Executor: sandbox.New(sandbox.Config{
			Interpreter:       opts.Sandbox.Interpreter,
			Timeout:           opts.Sandbox.Timeout,
			MaxMemoryMB:       opts.Sandbox.MaxMemory,
			MaxHostMemPercent: opts.Sandbox.MaxHostMem,
			MaxOutputLines:    opts.Sandbox.MaxOutput,
			Workers:           opts.Sandbox.Workers,
		}),
		Datasets:      datasets,
		Prompts:       tmpl,
		Repeater:      agent.NewRepeater(opts.Repeater.Attempts, opts.Repeater.Duration, opts.Repeater.Factor),
		CheckInterval: opts.Agent.CheckInterval,
	})

	cfg := web.Config{
		DBPath:        opts.DBPath,
		Version:       revision,
		Registry:      reg,
		Runner:        runner,
		Models:        clients,
		Datasets:      datasets,
		PasswordHash:  opts.PasswordHash,
		Heartbeat:     opts.Heartbeat,
		MaxUploadSize: opts.MaxUpload,
		MaxLogs:       opts.MaxLogs,
		GenerateRate:  opts.GenerateRate,
	}
	if n := makeNotifier(); n != nil { // keep the interface nil when notifications are off
		cfg.Notifier = n
	}
	srv, err := web.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to make web server: %w", err)
	}

	go func() {
		if err := datasets.RunJanitor(ctx, opts.Janitor.Schedule, opts.Janitor.MaxAge); err != nil {
			log.Printf("[WARN] upload janitor stopped: %v", err)
		}
	}()

	return srv.Run(ctx, opts.Listen)
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "agentviz@" + makeHostName()
	}

	return notify.NewService(notify.Params{
		EnabledError:       opts.Notify.EnabledError,
		EnabledCompletion:  opts.Notify.EnabledCompletion,
		ErrorTemplate:      opts.Notify.ErrorTemplate,
		CompletionTemplate: opts.Notify.CompletionTemplate,
		HostName:           makeHostName(),
		MaxMessageLen:      opts.Notify.MaxMessageLen,
	}, notify.SendersParams{
		SMTPHost:       opts.Notify.SMTPHost,
		SMTPPort:       opts.Notify.SMTPPort,
		SMTPTLS:        opts.Notify.SMTPTLS,
		SMTPUsername:   opts.Notify.SMTPUsername,
		SMTPPassword:   opts.Notify.SMTPPassword,
		FromEmail:      opts.Notify.FromEmail,
		ToEmails:       opts.Notify.ToEmails,
		WebhookURLs:    opts.Notify.Webhooks,
		WebhookHeaders: opts.Notify.WebhookHeaders,
		Timeout:        opts.Notify.Timeout,
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// envFileArg returns the --env-file value from args, or the env var, or the default
func envFileArg(args []string) string {
	for i, a := range args {
		if a == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--env-file="); ok {
			return v
		}
	}
	if v := os.Getenv("AGENTVIZ_ENV_FILE"); v != "" {
		return v
	}
	return ".env"
}

// loadEnvFile sets env variables from file without overriding existing ones, missing file is ignored
func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load env file %s: %v\n", path, err)
	}
}

// setupLogs returns the log destination, rotated file if enabled or stdout
func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
}

func setupLogOutput(out io.Writer, dbg bool) {
	if dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.LevelBraces, log.CallerFile, log.CallerFunc)
		return
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec, log.LevelBraces)
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
