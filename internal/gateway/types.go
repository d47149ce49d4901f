package gateway

import (
	"fmt"

	"github.com/tollmeter/llm-gateway/internal/provider"
)

// ChatCompletionRequest is the inbound request body, OpenAI-compatible.
// Optional generation parameters use pointers so unset and zero are
// distinguishable during validation.
type ChatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Stream           bool          `json:"stream"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

func (r *ChatCompletionRequest) validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role == "" {
			return fmt.Errorf("messages[%d].role is required", i)
		}
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("top_p must be between 0.0 and 1.0")
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return fmt.Errorf("frequency_penalty must be between -2.0 and 2.0")
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return fmt.Errorf("presence_penalty must be between -2.0 and 2.0")
	}
	return nil
}

func (r *ChatCompletionRequest) toProviderRequest() *provider.Request {
	messages := make([]provider.Message, len(r.Messages))
	for i, m := range r.Messages {
		messages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	out := &provider.Request{
		Messages:  messages,
		MaxTokens: r.MaxTokens,
		Stream:    r.Stream,
	}
	if r.Temperature != nil {
		out.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		out.TopP = *r.TopP
	}
	if r.FrequencyPenalty != nil {
		out.FrequencyPenalty = *r.FrequencyPenalty
	}
	if r.PresencePenalty != nil {
		out.PresencePenalty = *r.PresencePenalty
	}
	return out
}

// Outbound OpenAI-compatible response shapes.
type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usagePayload `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
