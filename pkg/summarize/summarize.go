// Package summarize calls the external enrichment service.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maciekb2/enrichment-pipeline/pkg/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Placeholder is what some providers answer for an unusable input. It is
// never stored as a result.
const Placeholder = "No content available for summarization"

const DefaultPrompt = "Summarize the following article in 2-3 sentences.\nTitle: {title}\nContent: {content}"

var ErrNoAPIKey = errors.New("summarize: api key not configured")

type Summarizer interface {
	Summarize(ctx context.Context, title, content string) (string, error)
}

// New builds the provider named in cfg. The HTTP transport is traced.
func New(cfg config.EnrichmentConfig) (Summarizer, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	req := request{
		apiKey:      cfg.APIKey,
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		prompt:      cfg.Prompt,
	}
	if req.maxTokens <= 0 {
		req.maxTokens = 200
	}
	if req.prompt == "" {
		req.prompt = DefaultPrompt
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		if req.endpoint == "" {
			req.endpoint = "https://api.openai.com/v1/chat/completions"
		}
		if req.model == "" {
			req.model = "gpt-4o-mini"
		}
		return &openaiProvider{request: req, client: client}, nil
	case config.ProviderAnthropic:
		if req.endpoint == "" {
			req.endpoint = "https://api.anthropic.com/v1/messages"
		}
		if req.model == "" {
			req.model = "claude-3-haiku-20240307"
		}
		return &anthropicProvider{request: req, client: client}, nil
	default:
		return nil, fmt.Errorf("summarize: unknown provider %q (valid: %s, %s)", cfg.Provider, config.ProviderOpenAI, config.ProviderAnthropic)
	}
}

type request struct {
	apiKey      string
	endpoint    string
	model       string
	maxTokens   int
	temperature float64
	prompt      string
}

func (r request) render(title, content string) string {
	return strings.NewReplacer("{title}", title, "{content}", content).Replace(r.prompt)
}

// checkInput rejects work the service cannot do anything with.
func checkInput(provider, content string) error {
	if strings.TrimSpace(content) == "" {
		return &Error{Kind: KindPermanent, Provider: provider, Msg: "empty content"}
	}
	return nil
}

// checkOutput turns empty or placeholder answers into transient failures.
func checkOutput(provider, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &Error{Kind: KindTransient, Provider: provider, Msg: "empty response"}
	}
	if text == Placeholder {
		return "", &Error{Kind: KindTransient, Provider: provider, Msg: "placeholder response"}
	}
	return text, nil
}
