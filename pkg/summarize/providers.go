package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// --- OpenAI ---

type openaiProvider struct {
	request
	client *http.Client
}

type openaiRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *openaiProvider) Summarize(ctx context.Context, title, content string) (string, error) {
	const provider = "openai"
	if err := checkInput(provider, content); err != nil {
		return "", err
	}
	body, err := json.Marshal(openaiRequest{
		Model:       o.model,
		Messages:    []chatMessage{{Role: "user", Content: o.render(title, content)}},
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: encode request: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+o.apiKey)

	var resp openaiResponse
	if err := post(ctx, o.client, provider, o.endpoint, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindTransient, Provider: provider, Msg: "no choices in response"}
	}
	return checkOutput(provider, resp.Choices[0].Message.Content)
}

// --- Anthropic ---

type anthropicProvider struct {
	request
	client *http.Client
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *anthropicProvider) Summarize(ctx context.Context, title, content string) (string, error) {
	const provider = "anthropic"
	if err := checkInput(provider, content); err != nil {
		return "", err
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Messages:    []chatMessage{{Role: "user", Content: a.render(title, content)}},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: encode request: %w", err)
	}
	headers := http.Header{}
	headers.Set("x-api-key", a.apiKey)
	headers.Set("anthropic-version", "2023-06-01")

	var resp anthropicResponse
	if err := post(ctx, a.client, provider, a.endpoint, headers, body, &resp); err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			return checkOutput(provider, block.Text)
		}
	}
	return "", &Error{Kind: KindTransient, Provider: provider, Msg: "no text in response"}
}

func post(ctx context.Context, client *http.Client, provider, endpoint string, headers http.Header, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindPermanent, Provider: provider, Msg: "build request", Err: err}
	}
	req.Header = headers
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return transportError(ctx, provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{
			Kind:     classifyStatus(resp.StatusCode),
			Provider: provider,
			Status:   resp.StatusCode,
			Msg:      string(b),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransient, Provider: provider, Msg: "decode response", Err: err}
	}
	return nil
}
