// Package openai implements an execution provider for OpenAI-compatible
// chat completion APIs (OpenAI, Together, LiteLLM, Ollama /v1 and similar).
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/missionfleet/internal/providers"
)

const defaultModel = "gpt-4o-mini"

type Provider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	http    *providers.RetryableHTTPClient
}

// New builds the provider from its configuration.
func New(cfg providers.Config) (providers.Provider, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		http:    providers.NewRetryableHTTPClient(cfg.Timeout(), 0, providers.WithMaxRetries(cfg.Retries)),
	}, nil
}

func (p *Provider) Name() string { return p.name }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

// Complete calls /chat/completions with the persona as the system message.
func (p *Provider) Complete(ctx context.Context, req providers.Request) (string, error) {
	body := chatRequest{
		Model: p.model,
		Messages: []message{
			{Role: "system", Content: req.Persona},
			{Role: "user", Content: req.Task},
		},
	}
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	var resp chatResponse
	if err := p.http.DoJSON(ctx, "POST", p.baseURL+"/chat/completions", body, &resp, headers); err != nil {
		return "", fmt.Errorf("%s chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
