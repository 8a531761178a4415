// Package ollama implements an execution provider for a local or remote Ollama instance.
package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/3cpo-dev/missionfleet/internal/providers"
)

const defaultModel = "qwen2.5:latest"

type Provider struct {
	name    string
	baseURL string
	model   string
	http    *providers.RetryableHTTPClient
}

func New(cfg providers.Config) (providers.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	name := cfg.Name
	if name == "" {
		name = "ollama"
	}
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    providers.NewRetryableHTTPClient(cfg.Timeout(), 0, providers.WithMaxRetries(cfg.Retries)),
	}, nil
}

func (p *Provider) Name() string { return p.name }

type generateRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (p *Provider) Complete(ctx context.Context, req providers.Request) (string, error) {
	var resp generateResponse
	body := generateRequest{Model: p.model, System: req.Persona, Prompt: req.Task}
	if err := p.http.DoJSON(ctx, "POST", p.baseURL+"/api/generate", body, &resp, nil); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return resp.Response, nil
}
