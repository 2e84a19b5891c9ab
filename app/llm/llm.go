// Package llm talks to OpenAI-compatible chat providers. Groq is used in the cloud and Ollama locally,
// both through the same openai-go client with different base URLs.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	log "github.com/go-pkgz/lgr"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/agentviz/agentviz/app/enums"
)

// OllamaPrefix marks model ids served by the local provider
const OllamaPrefix = "ollama:"

// DefaultModel used when the caller doesn't select one
const DefaultModel = "llama3-70b-8192"

var (
	// ErrNoAPIKey returned when the cloud provider is selected without a key
	ErrNoAPIKey = errors.New("API key is required when not using Ollama")
	// ErrUpstream wraps any failure reported by the provider
	ErrUpstream = errors.New("upstream provider error")
	// ErrAuth returned when the provider rejects the credentials
	ErrAuth = errors.New("provider rejected credentials")
	// ErrNoModels returned when the provider has no usable models
	ErrNoModels = errors.New("no models available")
)

// Message is a chat message sent to the provider
type Message struct {
	Role    string // system, user or assistant
	Content string
}

// Model describes a model offered by a provider
type Model struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Provider enums.Provider `json:"provider"`
}

// Credentials select the provider, taken from request headers
type Credentials struct {
	APIKey    string
	UseOllama bool
}

// Provider returns the provider the credentials select
func (c Credentials) Provider() enums.Provider {
	if c.UseOllama {
		return enums.ProviderOllama
	}
	return enums.ProviderGroq
}

// Client is a chat completion client bound to one provider
type Client interface {
	Complete(ctx context.Context, model string, msgs []Message) (string, error)
	Models(ctx context.Context) ([]Model, error)
	Provider() enums.Provider
}

// OpenAICompat implements Client with the OpenAI chat completions API
type OpenAICompat struct {
	client   openai.Client
	provider enums.Provider
}

// NewOpenAICompat makes a client for an OpenAI-compatible endpoint. Retries are disabled,
// failed calls are reported to the user as is.
func NewOpenAICompat(provider enums.Provider, apiKey, baseURL string, timeout time.Duration, httpClient *http.Client) *OpenAICompat {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAICompat{client: openai.NewClient(opts...), provider: provider}
}

// Provider returns the provider this client talks to
func (c *OpenAICompat) Provider() enums.Provider { return c.provider }

// Complete sends the conversation and returns the text of the first choice
func (c *OpenAICompat) Complete(ctx context.Context, model string, msgs []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    strings.TrimPrefix(model, OllamaPrefix),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)),
	}
	for _, m := range msgs {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	st := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", wrapErr(fmt.Sprintf("completion with %s", model), err)
	}
	log.Printf("[DEBUG] %s completion with %s took %v, tokens in=%d out=%d", c.provider, model,
		time.Since(st).Truncate(time.Millisecond), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response from %s", ErrUpstream, model)
	}
	return resp.Choices[0].Message.Content, nil
}

// Models lists chat models of the provider. Embedding models are skipped, local models get the ollama prefix.
func (c *OpenAICompat) Models(ctx context.Context) ([]Model, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, wrapErr("list models", err)
	}

	res := make([]Model, 0, len(page.Data))
	for _, m := range page.Data {
		switch c.provider {
		case enums.ProviderOllama:
			res = append(res, Model{ID: OllamaPrefix + m.ID, Name: "Ollama: " + m.ID, Provider: c.provider})
		default:
			if strings.Contains(strings.ToLower(m.ID), "embedding") {
				continue
			}
			res = append(res, Model{ID: m.ID, Name: "Groq: " + m.ID, Provider: c.provider})
		}
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%s: %w", c.provider, ErrNoModels)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func wrapErr(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%s: %w: %w", op, ErrAuth, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstream, err)
}

// FactoryParams configures a Factory
type FactoryParams struct {
	GroqURL    string
	OllamaURL  string // ollama server root, the /v1 suffix is added
	Timeout    time.Duration
	ModelsTTL  time.Duration
	HTTPClient *http.Client
}

// Factory makes provider clients from request credentials and caches model lists per credentials
type Factory struct {
	params FactoryParams
	models cache.Cache[string, []Model]
}

// NewFactory makes a Factory, model lists are cached for ModelsTTL (5m by default)
func NewFactory(p FactoryParams) *Factory {
	if p.ModelsTTL <= 0 {
		p.ModelsTTL = 5 * time.Minute
	}
	return &Factory{params: p, models: cache.NewCache[string, []Model]().WithMaxKeys(100).WithTTL(p.ModelsTTL)}
}

// Client returns the client selected by credentials
func (f *Factory) Client(c Credentials) (Client, error) {
	if c.UseOllama {
		return NewOpenAICompat(enums.ProviderOllama, "ollama", strings.TrimSuffix(f.params.OllamaURL, "/")+"/v1",
			f.params.Timeout, f.params.HTTPClient), nil
	}
	if c.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	return NewOpenAICompat(enums.ProviderGroq, c.APIKey, f.params.GroqURL, f.params.Timeout, f.params.HTTPClient), nil
}

// Models returns the models available for credentials, served from cache when possible
func (f *Factory) Models(ctx context.Context, c Credentials) ([]Model, error) {
	key := cacheKey(c)
	if res, ok := f.models.Get(key); ok {
		return res, nil
	}
	client, err := f.Client(c)
	if err != nil {
		return nil, err
	}
	res, err := client.Models(ctx)
	if err != nil {
		return nil, err
	}
	f.models.Set(key, res, 0)
	return res, nil
}

// Invalidate drops all cached model lists
func (f *Factory) Invalidate() { f.models.Purge() }

// ContainsModel checks if id is in the list
func ContainsModel(models []Model, id string) bool {
	for _, m := range models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// ModelIDs returns ids of the models
func ModelIDs(models []Model) []string {
	res := make([]string, 0, len(models))
	for _, m := range models {
		res = append(res, m.ID)
	}
	return res
}

func cacheKey(c Credentials) string {
	if c.UseOllama {
		return enums.ProviderOllama.String()
	}
	h := sha256.Sum256([]byte(c.APIKey))
	return enums.ProviderGroq.String() + ":" + hex.EncodeToString(h[:8])
}
