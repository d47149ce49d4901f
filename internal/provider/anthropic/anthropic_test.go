package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tollmeter/llm-gateway/internal/provider"
)

func testAdapter(serverURL string) *AnthropicAdapter {
	return &AnthropicAdapter{
		apiKey:  "test-key",
		baseURL: serverURL,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header, got %s", r.Header.Get("x-api-key"))
		}

		var sent anthropicRequest
		json.NewDecoder(r.Body).Decode(&sent)
		if sent.System != "be brief" {
			t.Errorf("Expected system prompt lifted out of messages, got %q", sent.System)
		}
		if len(sent.Messages) != 1 {
			t.Errorf("Expected 1 non-system message, got %d", len(sent.Messages))
		}

		resp := anthropicResponse{
			ID: "msg-test",
			Content: []anthropicContent{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			Model:      "claude-3-5-sonnet-20241022",
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 12, OutputTokens: 8},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	resp, err := a.Complete(context.Background(), &provider.Request{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected end_turn mapped to stop, got %s", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("Expected 20 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": {"type": "api_error"}}`)
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	_, err := a.Complete(context.Background(), &provider.Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var ue *provider.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	if !ue.Retryable() {
		t.Error("Expected 500 to be retryable")
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"type":"message_start","message":{"id":"msg-test","usage":{"input_tokens":12}}}`+"\n\n")

		for _, text := range []string{"Hello", " from", " Claude!"} {
			fmt.Fprint(w, "event: content_block_delta\n")
			fmt.Fprintf(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":%q}}`+"\n\n", text)
		}

		fmt.Fprint(w, "event: message_delta\n")
		fmt.Fprint(w, `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":8}}`+"\n\n")

		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	ch, err := a.CompleteStream(context.Background(), &provider.Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content string
	var usage *provider.Usage
	var finishReason string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		if chunk.Done {
			usage = chunk.Usage
			finishReason = chunk.FinishReason
			continue
		}
		content += chunk.Delta
	}

	if content != "Hello from Claude!" {
		t.Errorf("Expected 'Hello from Claude!', got %s", content)
	}
	if usage == nil || usage.PromptTokens != 12 || usage.CompletionTokens != 8 || usage.TotalTokens != 20 {
		t.Errorf("Expected usage 12/8/20, got %+v", usage)
	}
	if finishReason != "stop" {
		t.Errorf("Expected stop, got %s", finishReason)
	}
}

func TestCompleteStream_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}`+"\n\n")
		fmt.Fprint(w, "event: error\n")
		fmt.Fprint(w, `data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`+"\n\n")
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	ch, err := a.CompleteStream(context.Background(), &provider.Request{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var sawErr bool
	for chunk := range ch {
		if chunk.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("Expected an error chunk for the upstream error event")
	}
}

func TestMapStopReason(t *testing.T) {
	if got := mapStopReason("end_turn"); got != "stop" {
		t.Errorf("Expected stop, got %s", got)
	}
	if got := mapStopReason("max_tokens"); got != "length" {
		t.Errorf("Expected length, got %s", got)
	}
	if got := mapStopReason("tool_use"); got != "tool_use" {
		t.Errorf("Expected passthrough, got %s", got)
	}
}

func TestName(t *testing.T) {
	a := New("test-key")
	if a.Name() != "anthropic" {
		t.Errorf("Expected anthropic, got %s", a.Name())
	}
}
