package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tollmeter/llm-gateway/internal/provider"
)

func testAdapter(serverURL string) *GeminiAdapter {
	return &GeminiAdapter{
		apiKey:  "test-key",
		baseURL: serverURL,
		client:  http.DefaultClient,
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-pro") {
			t.Errorf("Expected model in path, got %s", r.URL.Path)
		}

		var sent geminiRequest
		json.NewDecoder(r.Body).Decode(&sent)
		if len(sent.Contents) != 2 || sent.Contents[1].Role != "model" {
			t.Errorf("Expected assistant mapped to model role, got %+v", sent.Contents)
		}

		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Role:  "model",
						Parts: []geminiPart{{Text: "Hello from Gemini mock!"}},
					},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: &geminiUsageMetadata{
				PromptTokenCount:     11,
				CandidatesTokenCount: 7,
				TotalTokenCount:      18,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	resp, err := a.Complete(context.Background(), &provider.Request{
		Model: "gemini-1.5-pro",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Content != "Hello from Gemini mock!" {
		t.Errorf("Expected 'Hello from Gemini mock!', got %s", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected STOP mapped to stop, got %s", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 18 {
		t.Errorf("Expected 18 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestComplete_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error": {"status": "UNAVAILABLE"}}`)
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	_, err := a.Complete(context.Background(), &provider.Request{
		Model:    "gemini-1.5-pro",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var ue *provider.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	if !ue.Retryable() {
		t.Error("Expected 503 to be retryable")
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []geminiResponse{
			{
				Candidates: []geminiCandidate{
					{Content: geminiContent{Parts: []geminiPart{{Text: "Hello"}}}},
				},
				UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 11, CandidatesTokenCount: 1, TotalTokenCount: 12},
			},
			{
				Candidates: []geminiCandidate{
					{
						Content:      geminiContent{Parts: []geminiPart{{Text: " from Gemini!"}}},
						FinishReason: "STOP",
					},
				},
				UsageMetadata: &geminiUsageMetadata{PromptTokenCount: 11, CandidatesTokenCount: 4, TotalTokenCount: 15},
			},
		}
		for _, chunk := range chunks {
			data, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
	}))
	defer server.Close()

	a := testAdapter(server.URL)
	ch, err := a.CompleteStream(context.Background(), &provider.Request{
		Model:    "gemini-1.5-pro",
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

	if content != "Hello from Gemini!" {
		t.Errorf("Expected 'Hello from Gemini!', got %s", content)
	}
	// The last chunk's usageMetadata wins.
	if usage == nil || usage.TotalTokens != 15 {
		t.Errorf("Expected final usage with 15 total tokens, got %+v", usage)
	}
	if finishReason != "stop" {
		t.Errorf("Expected stop, got %s", finishReason)
	}
}

func TestMapFinishReason(t *testing.T) {
	if got := mapFinishReason("STOP"); got != "stop" {
		t.Errorf("Expected stop, got %s", got)
	}
	if got := mapFinishReason("MAX_TOKENS"); got != "length" {
		t.Errorf("Expected length, got %s", got)
	}
	if got := mapFinishReason("SAFETY"); got != "safety" {
		t.Errorf("Expected lowercase passthrough, got %s", got)
	}
}

func TestName(t *testing.T) {
	a := New("test-key")
	if a.Name() != "gemini" {
		t.Errorf("Expected gemini, got %s", a.Name())
	}
}
