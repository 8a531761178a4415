package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/missionfleet/internal/fallback"
	"github.com/3cpo-dev/missionfleet/internal/telemetry"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

// TemplateProvider names results synthesized when every provider failed.
const TemplateProvider = "template"

const templateTaskLimit = 100

// ErrEmptyResponse marks a provider that answered with nothing usable.
var ErrEmptyResponse = errors.New("empty response")

type timedProvider struct {
	Provider
	timeout time.Duration
}

// Backend tries its providers in order and always produces some text.
type Backend struct {
	providers []timedProvider
	personas  PersonaTable
	now       func() time.Time
}

// NewBackend returns a backend with no providers; Add appends them in priority order.
func NewBackend(personas PersonaTable) *Backend {
	return &Backend{personas: personas, now: time.Now}
}

// Add appends p with its own per-call timeout (0 means no extra deadline).
func (b *Backend) Add(p Provider, timeout time.Duration) {
	b.providers = append(b.providers, timedProvider{Provider: p, timeout: timeout})
}

// Providers lists provider names in priority order.
func (b *Backend) Providers() []string {
	names := make([]string, len(b.providers))
	for i, p := range b.providers {
		names[i] = p.Name()
	}
	return names
}

// Execute runs task under the persona for capability. It never returns empty
// text: when all providers fail it falls back to a deterministic template.
func (b *Backend) Execute(ctx context.Context, capability, task string) api.ExecutionResult {
	req := Request{Persona: b.personas.For(capability), Task: task}

	steps := make([]fallback.Step[string], 0, len(b.providers))
	for _, p := range b.providers {
		p := p
		steps = append(steps, fallback.Step[string]{
			Name: p.Name(),
			Run: func(ctx context.Context) (string, error) {
				if p.timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, p.timeout)
					defer cancel()
				}
				out, err := p.Complete(ctx, req)
				if err != nil {
					log.Debug().Err(err).Str("provider", p.Name()).Msg("Execution provider failed")
					return "", err
				}
				out = strings.TrimSpace(out)
				if out == "" {
					return "", ErrEmptyResponse
				}
				return out, nil
			},
		})
	}

	text, name, err := fallback.First(ctx, steps)
	if err != nil {
		if len(b.providers) > 0 {
			log.Warn().Err(err).Str("capability", capability).Msg("All execution providers failed, using template")
		}
		telemetry.CounterGlobal("mfleet_execution_fallbacks", 1, map[string]string{"capability": capability})
		return api.ExecutionResult{Text: TemplateResponse(capability, task), ProducedAt: b.now(), Provider: TemplateProvider}
	}
	return api.ExecutionResult{Text: text, ProducedAt: b.now(), Provider: name}
}

// TemplateResponse is the deterministic result used when no provider answers.
func TemplateResponse(capability, task string) string {
	if capability == "" {
		capability = "general"
	}
	return fmt.Sprintf("[Agent response] Task: \"%s\". Completed by %s agent.", truncate(task, templateTaskLimit), capability)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
