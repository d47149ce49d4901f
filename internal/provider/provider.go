package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Request is the normalized completion request handed to an adapter. Model
// holds the upstream model name, already resolved from the logical name by
// the dispatcher.
type Request struct {
	Model            string
	Messages         []Message
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	Stream           bool
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Usage carries the token counters reported by the upstream provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
	Provider     string
	LatencyMs    int64
}

// Chunk is one element of a streamed completion. Intermediate chunks carry
// Delta only; the terminal chunk has Done set and, when the upstream
// protocol reports it, the authoritative Usage.
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
	Done         bool
	Err          error
}

// Adapter is one upstream LLM API normalized to a common call shape.
type Adapter interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}

// UpstreamError is a non-2xx reply from a provider API.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the failure class justifies falling through to
// the next adapter: rate limiting, upstream server errors and timeouts do;
// request rejections (4xx) are permanent for this request.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode == 408 || e.StatusCode >= 500
}

// IsRetryable classifies dispatch failures for fallback purposes. Transport
// errors and attempt timeouts count as retryable; everything else fails the
// request immediately.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
