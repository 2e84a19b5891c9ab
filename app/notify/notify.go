// Package notify delivers job completion and failure notifications by email and webhooks
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/agentviz/agentviz/app/enums"
	"github.com/agentviz/agentviz/app/registry"
)

// Params of notification content
type Params struct {
	EnabledError       bool
	EnabledCompletion  bool
	ErrorTemplate      string // path to custom error template, embedded default if empty or broken
	CompletionTemplate string // path to custom completion template
	HostName           string
	MaxMessageLen      int // last message excerpt length, 2000 by default
}

// SendersParams configures destinations
type SendersParams struct {
	SMTPHost     string
	SMTPPort     int
	SMTPTLS      bool
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	ToEmails     []string

	WebhookURLs    []string
	WebhookHeaders []string // "Name:Value" pairs

	Timeout time.Duration
}

// Service sends notifications about finished jobs
type Service struct {
	Params
	destinations []notify.Notifier
	fromEmail    string
	toEmail      []string
	webhooks     []string
	errTmpl      *template.Template
	doneTmpl     *template.Template
}

// NewService makes a notification service, returns nil if no destinations configured
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 && len(sp.WebhookURLs) == 0 {
		return nil
	}
	if sp.Timeout <= 0 {
		sp.Timeout = 10 * time.Second
	}
	if p.MaxMessageLen <= 0 {
		p.MaxMessageLen = 2000
	}

	res := &Service{Params: p, fromEmail: sp.FromEmail, toEmail: sp.ToEmails, webhooks: sp.WebhookURLs}
	if len(sp.ToEmails) > 0 {
		res.destinations = append(res.destinations, notify.NewEmail(notify.SMTPParams{
			Host:        sp.SMTPHost,
			Port:        sp.SMTPPort,
			TLS:         sp.SMTPTLS,
			ContentType: "text/html",
			Username:    sp.SMTPUsername,
			Password:    sp.SMTPPassword,
			TimeOut:     sp.Timeout,
		}))
	}
	if len(sp.WebhookURLs) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{
			Timeout: sp.Timeout,
			Headers: sp.WebhookHeaders,
		}))
	}
	res.errTmpl = loadTemplate(p.ErrorTemplate, defaultErrorTemplate)
	res.doneTmpl = loadTemplate(p.CompletionTemplate, defaultCompletionTemplate)
	return res
}

// IsOnError returns true if failed jobs are reported
func (s *Service) IsOnError() bool { return s.EnabledError }

// IsOnCompletion returns true if completed jobs are reported
func (s *Service) IsOnCompletion() bool { return s.EnabledCompletion }

// Notify reports a finished job if its status is enabled. Cancelled jobs are reported as errors.
func (s *Service) Notify(ctx context.Context, e registry.LogEntry) error {
	var subj, html string
	var err error
	switch e.Status {
	case enums.JobStatusCompleted:
		if !s.IsOnCompletion() {
			return nil
		}
		subj = fmt.Sprintf("agentviz job %s completed", e.JobID)
		html, err = s.MakeCompletionHTML(e)
	case enums.JobStatusError, enums.JobStatusCancelled:
		if !s.IsOnError() {
			return nil
		}
		subj = fmt.Sprintf("agentviz job %s %s", e.JobID, e.Status)
		html, err = s.MakeErrorHTML(e)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("make notification for %s: %w", e.JobID, err)
	}

	plain := subj
	if e.Error != "" {
		plain += ": " + e.Error
	}
	return s.send(ctx, subj, html, plain)
}

// Send text to all destinations
func (s *Service) Send(ctx context.Context, subj, text string) error {
	return s.send(ctx, subj, text, text)
}

// send delivers html to email destinations and plain text to webhooks
func (s *Service) send(ctx context.Context, subj, html, plain string) error {
	var errs []error
	for _, dest := range s.destinations {
		if dest.Schema() == "mailto" {
			if err := dest.Send(ctx, s.mailto(subj), html); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, u := range s.webhooks {
			if err := dest.Send(ctx, u, plain); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("[WARN] notification %q failed: %v", subj, err)
		return err
	}
	log.Printf("[DEBUG] notification %q sent", subj)
	return nil
}

func (s *Service) mailto(subj string) string {
	q := url.Values{}
	q.Set("from", s.fromEmail)
	q.Set("subject", subj)
	return "mailto:" + strings.Join(s.toEmail, ",") + "?" + q.Encode()
}

// MakeErrorHTML renders the failed or cancelled job notification
func (s *Service) MakeErrorHTML(e registry.LogEntry) (string, error) {
	return s.render(s.errTmpl, e)
}

// MakeCompletionHTML renders the completed job notification
func (s *Service) MakeCompletionHTML(e registry.LogEntry) (string, error) {
	return s.render(s.doneTmpl, e)
}

type templateData struct {
	registry.LogEntry
	TS          time.Time
	Host        string
	NumMessages int
	LastName    string
	LastMessage string
}

func (s *Service) render(t *template.Template, e registry.LogEntry) (string, error) {
	data := templateData{LogEntry: e, TS: time.Now(), Host: s.host(), NumMessages: len(e.Messages)}
	if n := len(e.Messages); n > 0 {
		data.LastName = e.Messages[n-1].Name
		data.LastMessage = e.Messages[n-1].Content
		if len(data.LastMessage) > s.MaxMessageLen {
			data.LastMessage = data.LastMessage[:s.MaxMessageLen] + "..."
		}
	}
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

func (s *Service) host() string {
	if s.HostName != "" {
		return s.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// loadTemplate parses a custom template file, falling back to the default one
func loadTemplate(path, fallback string) *template.Template {
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is operator configured
		if err == nil {
			t, err := template.New("msg").Parse(string(data))
			if err == nil {
				return t
			}
		}
		log.Printf("[WARN] can't load template %s, using default: %v", path, err)
	}
	return template.Must(template.New("msg").Parse(fallback))
}

const htmlHead = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			pre {
				padding: 0.6em;
				font-size: 0.7em;
				background-color: #E8E2A0;
				font-family: "Menlo";
				overflow-x: auto;
				white-space: pre-wrap;
				word-wrap: break-word;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>
`

const defaultErrorTemplate = htmlHead + `
	<body>
		<p>Agentviz job {{.Status}} on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{.JobID}}</span></li>
			<li>Models: <span class="bold">{{.AnalystModel}} / {{.CoderModel}}{{if .ManagerModel}} / {{.ManagerModel}}{{end}}</span></li>
			<li>Messages: {{.NumMessages}}</li>
		</ul>
		{{if .Error}}<pre>
{{.Error}}
		</pre>{{end}}
	</body>
</html>
`

const defaultCompletionTemplate = htmlHead + `
	<body>
		<p>Agentviz job completed on <span class="bold">{{.Host}}</span> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Job: <span class="bold">{{.JobID}}</span></li>
			<li>Models: <span class="bold">{{.AnalystModel}} / {{.CoderModel}}{{if .ManagerModel}} / {{.ManagerModel}}{{end}}</span></li>
			<li>Messages: {{.NumMessages}}</li>
		</ul>
		{{if .LastMessage}}<p>{{.LastName}}:</p>
		<pre>
{{.LastMessage}}
		</pre>{{end}}
	</body>
</html>
`
