package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tollmeter/llm-gateway/internal/provider"
)

type AnthropicAdapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string             `json:"type"`
	Message *anthropicResponse `json:"message,omitempty"`
	Delta   anthropicDelta     `json:"delta,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Adapter {
	return &AnthropicAdapter{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		client:  http.DefaultClient,
	}
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(a.mapRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.UpstreamError{Provider: a.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, err
	}

	if len(anthropicResp.Content) == 0 {
		return nil, fmt.Errorf("anthropic api returned no content")
	}

	return &provider.Response{
		ID:           anthropicResp.ID,
		Content:      anthropicResp.Content[0].Text,
		FinishReason: mapStopReason(anthropicResp.StopReason),
		Usage: provider.Usage{
			PromptTokens:     anthropicResp.Usage.InputTokens,
			CompletionTokens: anthropicResp.Usage.OutputTokens,
			TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		},
		Model:    anthropicResp.Model,
		Provider: a.Name(),
	}, nil
}

func (a *AnthropicAdapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

func (a *AnthropicAdapter) mapRequest(req *provider.Request) anthropicRequest {
	var system string
	var messages []anthropicMessage

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func (a *AnthropicAdapter) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	anthropicReq := a.mapRequest(req)
	anthropicReq.Stream = true
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &provider.UpstreamError{Provider: a.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// input_tokens arrive in message_start, output_tokens in the final
		// message_delta; both are needed for the terminal usage chunk.
		var usage anthropicUsage
		var finishReason string
		var currentEvent string

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					emit(ctx, ch, doneChunk(usage, finishReason))
					return
				}
				emit(ctx, ch, &provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "message_start":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Message != nil {
					usage.InputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					if !emit(ctx, ch, &provider.Chunk{Delta: ev.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
				if ev.Delta.StopReason != "" {
					finishReason = mapStopReason(ev.Delta.StopReason)
				}
			case "message_stop":
				emit(ctx, ch, doneChunk(usage, finishReason))
				return
			case "error":
				var ev anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err == nil && ev.Error != nil {
					emit(ctx, ch, &provider.Chunk{Err: fmt.Errorf("anthropic stream error: %s", ev.Error.Message)})
					return
				}
			}
		}
	}()

	return ch, nil
}

func doneChunk(usage anthropicUsage, finishReason string) *provider.Chunk {
	chunk := &provider.Chunk{Done: true, FinishReason: finishReason}
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		chunk.Usage = &provider.Usage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		}
	}
	return chunk
}

func emit(ctx context.Context, ch chan<- *provider.Chunk, c *provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}
