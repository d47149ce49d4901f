package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tollmeter/llm-gateway/internal/provider"
)

// fakeAdapter scripts Complete/CompleteStream outcomes and records the
// upstream model names it was called with.
type fakeAdapter struct {
	name    string
	err     error
	content string
	chunks  []*provider.Chunk
	calls   int
	models  []string
}

func (f *fakeAdapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.calls++
	f.models = append(f.models, req.Model)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{
		Content:  f.content,
		Provider: f.name,
		Model:    req.Model,
		Usage:    provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (f *fakeAdapter) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	f.calls++
	f.models = append(f.models, req.Model)
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *provider.Chunk)
	go func() {
		defer close(ch)
		for _, c := range f.chunks {
			ch <- c
		}
	}()
	return ch, nil
}

func (f *fakeAdapter) Name() string { return f.name }

func newTestDispatcher(routes map[string][]Target) *Dispatcher {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(routes, time.Second, log)
}

func TestDispatch_UnknownModel(t *testing.T) {
	d := newTestDispatcher(map[string][]Target{})

	_, err := d.Dispatch(context.Background(), "no-such-model", &provider.Request{})
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("Expected ErrNoRoute, got %v", err)
	}
}

func TestDispatch_Success(t *testing.T) {
	a := &fakeAdapter{name: "openai", content: "hi"}
	d := newTestDispatcher(map[string][]Target{
		"gpt-4o": {{Adapter: a, UpstreamModel: "gpt-4o-2024"}},
	})

	resp, err := d.Dispatch(context.Background(), "gpt-4o", &provider.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("Expected content hi, got %s", resp.Content)
	}
	if len(a.models) != 1 || a.models[0] != "gpt-4o-2024" {
		t.Errorf("Expected adapter called with upstream model gpt-4o-2024, got %v", a.models)
	}
}

func TestDispatch_FallbackOnRetryableError(t *testing.T) {
	primary := &fakeAdapter{name: "openai", err: &provider.UpstreamError{Provider: "openai", StatusCode: 500}}
	secondary := &fakeAdapter{name: "anthropic", content: "fallback answer"}
	d := newTestDispatcher(map[string][]Target{
		"gpt-4o": {
			{Adapter: primary, UpstreamModel: "gpt-4o"},
			{Adapter: secondary, UpstreamModel: "claude-3-5-sonnet-20241022"},
		},
	})

	resp, err := d.Dispatch(context.Background(), "gpt-4o", &provider.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("Expected anthropic to serve the request, got %s", resp.Provider)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("Expected one call each, got %d and %d", primary.calls, secondary.calls)
	}
	if secondary.models[0] != "claude-3-5-sonnet-20241022" {
		t.Errorf("Expected fallback upstream model name, got %s", secondary.models[0])
	}
}

func TestDispatch_NoFallbackOnNonRetryableError(t *testing.T) {
	rejection := &provider.UpstreamError{Provider: "openai", StatusCode: 400, Body: "bad request"}
	primary := &fakeAdapter{name: "openai", err: rejection}
	secondary := &fakeAdapter{name: "anthropic", content: "never"}
	d := newTestDispatcher(map[string][]Target{
		"gpt-4o": {
			{Adapter: primary, UpstreamModel: "gpt-4o"},
			{Adapter: secondary, UpstreamModel: "claude-3-5-sonnet-20241022"},
		},
	})

	_, err := d.Dispatch(context.Background(), "gpt-4o", &provider.Request{Model: "gpt-4o"})
	var ue *provider.UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 400 {
		t.Fatalf("Expected upstream 400 to surface, got %v", err)
	}
	if secondary.calls != 0 {
		t.Errorf("Expected no fallback after a permanent rejection, got %d calls", secondary.calls)
	}
}

func TestDispatch_AllProvidersExhausted(t *testing.T) {
	primary := &fakeAdapter{name: "openai", err: &provider.UpstreamError{Provider: "openai", StatusCode: 503}}
	secondary := &fakeAdapter{name: "anthropic", err: &provider.UpstreamError{Provider: "anthropic", StatusCode: 429}}
	d := newTestDispatcher(map[string][]Target{
		"gpt-4o": {
			{Adapter: primary, UpstreamModel: "gpt-4o"},
			{Adapter: secondary, UpstreamModel: "claude-3-5-sonnet-20241022"},
		},
	})

	_, err := d.Dispatch(context.Background(), "gpt-4o", &provider.Request{Model: "gpt-4o"})
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Errorf("Expected ErrProvidersExhausted, got %v", err)
	}
}

func TestDispatch_BreakerSkipsFailingProvider(t *testing.T) {
	failing := &fakeAdapter{name: "openai", err: &provider.UpstreamError{Provider: "openai", StatusCode: 500}}
	d := newTestDispatcher(map[string][]Target{
		"gpt-4o": {{Adapter: failing, UpstreamModel: "gpt-4o"}},
	})

	// Three consecutive failures trip the breaker.
	for i := 0; i < 3; i++ {
		if _, err := d.Dispatch(context.Background(), "gpt-4o", &provider.Request{Model: "gpt-4o"}); err == nil {
			t.Fatal("Expected dispatch to fail")
		}
	}
	callsBefore := failing.calls

	_, err := d.Dispatch(context.Background(), "gpt-4o", &provider.Request{Model: "gpt-4o"})
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Errorf("Expected ErrProvidersExhausted with open breaker, got %v", err)
	}
	if failing.calls != callsBefore {
		t.Errorf("Expected adapter skipped while breaker is open, got %d extra calls", failing.calls-callsBefore)
	}
}

func TestDispatchStream_FallbackOnEstablishmentFailure(t *testing.T) {
	primary := &fakeAdapter{name: "openai", err: &provider.UpstreamError{Provider: "openai", StatusCode: 503}}
	secondary := &fakeAdapter{name: "anthropic", chunks: []*provider.Chunk{
		{Delta: "hello"},
		{Delta: " world"},
		{Done: true, FinishReason: "stop", Usage: &provider.Usage{TotalTokens: 12}},
	}}
	d := newTestDispatcher(map[string][]Target{
		"gpt-4o": {
			{Adapter: primary, UpstreamModel: "gpt-4o"},
			{Adapter: secondary, UpstreamModel: "claude-3-5-sonnet-20241022"},
		},
	})

	ch, err := d.DispatchStream(context.Background(), "gpt-4o", &provider.Request{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("DispatchStream failed: %v", err)
	}

	var content string
	var usage *provider.Usage
	for chunk := range ch {
		if chunk.Done {
			usage = chunk.Usage
			break
		}
		content += chunk.Delta
	}
	if content != "hello world" {
		t.Errorf("Expected hello world, got %q", content)
	}
	if usage == nil || usage.TotalTokens != 12 {
		t.Errorf("Expected terminal usage 12, got %+v", usage)
	}
}

func TestDispatchStream_NonRetryableSurfaces(t *testing.T) {
	primary := &fakeAdapter{name: "openai", err: &provider.UpstreamError{Provider: "openai", StatusCode: 422}}
	secondary := &fakeAdapter{name: "anthropic"}
	d := newTestDispatcher(map[string][]Target{
		"gpt-4o": {
			{Adapter: primary, UpstreamModel: "gpt-4o"},
			{Adapter: secondary, UpstreamModel: "claude-3-5-sonnet-20241022"},
		},
	})

	_, err := d.DispatchStream(context.Background(), "gpt-4o", &provider.Request{Model: "gpt-4o"})
	var ue *provider.UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != 422 {
		t.Fatalf("Expected upstream 422 to surface, got %v", err)
	}
	if secondary.calls != 0 {
		t.Errorf("Expected no fallback, got %d calls", secondary.calls)
	}
}

func TestDispatchStream_UnknownModel(t *testing.T) {
	d := newTestDispatcher(map[string][]Target{})

	_, err := d.DispatchStream(context.Background(), "no-such-model", &provider.Request{})
	if !errors.Is(err, ErrNoRoute) {
		t.Errorf("Expected ErrNoRoute, got %v", err)
	}
}

func TestModels_Sorted(t *testing.T) {
	a := &fakeAdapter{name: "openai"}
	d := newTestDispatcher(map[string][]Target{
		"gpt-4o":      {{Adapter: a, UpstreamModel: "gpt-4o"}},
		"claude-3-5":  {{Adapter: a, UpstreamModel: "x"}},
		"gemini-pro":  {{Adapter: a, UpstreamModel: "y"}},
	})

	models := d.Models()
	want := []string{"claude-3-5", "gemini-pro", "gpt-4o"}
	if len(models) != len(want) {
		t.Fatalf("Expected %d models, got %d", len(want), len(models))
	}
	for i := range want {
		if models[i] != want[i] {
			t.Errorf("Expected models[%d]=%s, got %s", i, want[i], models[i])
		}
	}
}
