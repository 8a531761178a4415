package providers

import "context"

// Request is one execution call: a persona system prompt plus the task text.
type Request struct {
	Persona string
	Task    string
}

// Provider is a chat-completion-like execution backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}
