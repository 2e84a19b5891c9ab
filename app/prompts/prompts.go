// Package prompts loads the agent prompt templates. The templates come from an embedded default or from a YAML
// file validated against the JSON schema reflected from Config.
package prompts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:generate go run ./internal/schema prompts.schema.json

//go:embed prompts.yml
var defaultPrompts []byte

// DefaultMaxRounds limits the agent conversation if the config doesn't set it
const DefaultMaxRounds = 10

// Config is the YAML prompts file
type Config struct {
	MaxRounds      int    `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty" jsonschema:"minimum=1,maximum=50,description=maximum conversation rounds"`
	Analyst        string `yaml:"analyst" json:"analyst" jsonschema:"required,minLength=1,description=system prompt of the data analyst"`
	Coder          string `yaml:"coder" json:"coder" jsonschema:"required,minLength=1,description=system prompt of the visualization coder"`
	Manager        string `yaml:"manager" json:"manager" jsonschema:"required,minLength=1,description=system prompt of the chat manager reviewing coder answers"`
	InitialRequest string `yaml:"initial_request" json:"initial_request" jsonschema:"required,minLength=1,description=request used when the user gave no prompt"`
	FollowUp       string `yaml:"follow_up" json:"follow_up" jsonschema:"required,minLength=1,description=request used for a user prompt"`
	Retry          string `yaml:"retry" json:"retry" jsonschema:"required,minLength=1,description=message sent to the coder after a rejected answer"`
}

// Vars are available to every template
type Vars struct {
	Prompt  string // user prompt, empty for the default request
	Dataset string // dataset name
	Summary string // dataset summary text
	Columns string // comma separated column names
	Review  string // why the last coder answer was rejected, retry template only
}

// Templates are parsed prompts ready to render
type Templates struct {
	MaxRounds int
	tmpl      *template.Template
}

// template names
const (
	analystTmpl  = "analyst"
	coderTmpl    = "coder"
	managerTmpl  = "manager"
	initialTmpl  = "initial_request"
	followUpTmpl = "follow_up"
	retryTmpl    = "retry"
)

// Default returns templates from the embedded prompts file
func Default() (*Templates, error) {
	return parse(defaultPrompts, "embedded")
}

// Load reads and validates a prompts file, empty path means embedded default
func Load(path string) (*Templates, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is operator configured
	if err != nil {
		return nil, fmt.Errorf("read prompts %s: %w", path, err)
	}
	return parse(data, path)
}

// Schema returns the JSON schema of the prompts file
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{FieldNameTag: "yaml", ExpandedStruct: true}
	schema := r.Reflect(&Config{})
	schema.Title = "Agentviz Prompts Configuration Schema"
	schema.Description = "Schema for agentviz prompts YAML file"
	return schema
}

// Validate checks raw YAML against Schema
func Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert yaml to json: %w", err)
	}
	schema := Schema()
	schema.Version = "" // draft 2020-12 meta schema is unknown to the validator
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(docJSON))
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid prompts: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func parse(data []byte, source string) (*Templates, error) {
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: parse yaml: %w", source, err)
	}
	if cfg.MaxRounds == 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}

	root := template.New("prompts").Option("missingkey=error")
	for name, text := range map[string]string{analystTmpl: cfg.Analyst, coderTmpl: cfg.Coder, managerTmpl: cfg.Manager,
		initialTmpl: cfg.InitialRequest, followUpTmpl: cfg.FollowUp, retryTmpl: cfg.Retry} {
		if _, err := root.New(name).Parse(text); err != nil {
			return nil, fmt.Errorf("%s: template %s: %w", source, name, err)
		}
	}
	return &Templates{MaxRounds: cfg.MaxRounds, tmpl: root}, nil
}

// Analyst renders the analyst system prompt
func (t *Templates) Analyst(v Vars) (string, error) { return t.render(analystTmpl, v) }

// Coder renders the coder system prompt
func (t *Templates) Coder(v Vars) (string, error) { return t.render(coderTmpl, v) }

// Manager renders the manager system prompt
func (t *Templates) Manager(v Vars) (string, error) { return t.render(managerTmpl, v) }

// Request renders the opening user message, follow-up form if v.Prompt is set
func (t *Templates) Request(v Vars) (string, error) {
	if strings.TrimSpace(v.Prompt) != "" {
		return t.render(followUpTmpl, v)
	}
	return t.render(initialTmpl, v)
}

// Retry renders the message asking the coder to fix its answer
func (t *Templates) Retry(v Vars) (string, error) { return t.render(retryTmpl, v) }

func (t *Templates) render(name string, v Vars) (string, error) {
	var buf bytes.Buffer
	if err := t.tmpl.ExecuteTemplate(&buf, name, v); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
