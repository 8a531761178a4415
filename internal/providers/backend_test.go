package providers

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	calls atomic.Int32
	fn    func(ctx context.Context, req Request) (string, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (string, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

func hang(ctx context.Context, _ Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestBackendUsesFirstSuccessfulProvider(t *testing.T) {
	var gotPersona string
	primary := &fakeProvider{name: "primary", fn: func(context.Context, Request) (string, error) {
		return "", errors.New("503")
	}}
	secondary := &fakeProvider{name: "secondary", fn: func(_ context.Context, req Request) (string, error) {
		gotPersona = req.Persona
		return "  done  ", nil
	}}
	b := NewBackend(NewPersonaTable(nil))
	b.Add(primary, time.Second)
	b.Add(secondary, time.Second)

	res := b.Execute(context.Background(), "code", "write a parser")
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, "secondary", res.Provider)
	assert.False(t, res.ProducedAt.IsZero())
	assert.Equal(t, builtinPersonas["code"], gotPersona)
	assert.Equal(t, []string{"primary", "secondary"}, b.Providers())
}

func TestBackendTemplateWhenAllProvidersFail(t *testing.T) {
	primary := &fakeProvider{name: "primary", fn: hang}
	secondary := &fakeProvider{name: "secondary", fn: func(context.Context, Request) (string, error) {
		return " \n", nil
	}}
	b := NewBackend(NewPersonaTable(nil))
	b.Add(primary, 20*time.Millisecond)
	b.Add(secondary, time.Second)

	task := strings.Repeat("x", 150)
	res := b.Execute(context.Background(), "research", task)
	require.NotEmpty(t, res.Text)
	assert.Equal(t, TemplateProvider, res.Provider)
	assert.Equal(t, `[Agent response] Task: "`+strings.Repeat("x", 100)+`". Completed by research agent.`, res.Text)
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(1), secondary.calls.Load())
}

func TestBackendWithoutProviders(t *testing.T) {
	b := NewBackend(NewPersonaTable(nil))
	res := b.Execute(context.Background(), "", "short task")
	assert.Equal(t, `[Agent response] Task: "short task". Completed by general agent.`, res.Text)
}

func TestPersonaTable(t *testing.T) {
	table := NewPersonaTable(map[string]string{"Code": "custom coder", "write": "  "})
	assert.Equal(t, "custom coder", table.For("code"))
	assert.Equal(t, builtinPersonas["write"], table.For("write"))
	assert.True(t, table.Known("research"))
	assert.False(t, table.Known("juggling"))
	assert.Contains(t, table.For("juggling"), "skilled juggling agent")
}

func TestRegistryBuildBackend(t *testing.T) {
	reg := NewRegistry()
	reg.Register("fake", func(cfg Config) (Provider, error) {
		return &fakeProvider{name: cfg.Name, fn: func(context.Context, Request) (string, error) { return "ok", nil }}, nil
	})
	assert.Equal(t, []string{"fake"}, reg.Kinds())

	b, err := reg.BuildBackend(NewPersonaTable(nil), []Config{{Name: "one", Kind: "fake", BaseURL: "http://x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, b.Providers())

	_, err = reg.BuildBackend(NewPersonaTable(nil), []Config{{Name: "two", Kind: "missing", BaseURL: "http://x"}})
	assert.Error(t, err)

	_, err = reg.Build(Config{Kind: "fake"})
	var verr ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, "base_url", verr.Field)
}
