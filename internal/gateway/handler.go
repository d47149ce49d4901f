package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tollmeter/llm-gateway/internal/dispatch"
	"github.com/tollmeter/llm-gateway/internal/ledger"
	"github.com/tollmeter/llm-gateway/internal/pricing"
	"github.com/tollmeter/llm-gateway/internal/provider"
	"github.com/tollmeter/llm-gateway/internal/telemetry"
	"github.com/tollmeter/llm-gateway/pkg/ratelimit"
)

// settleTimeout bounds ledger writes that run after the caller's context is
// already done (client disconnects, stream teardown).
const settleTimeout = 10 * time.Second

// Handler owns the request lifecycle: authenticate, reserve funds, dispatch,
// settle. It is the only component that translates internal errors into the
// wire envelope.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	ledger     ledger.Store
	pricing    *pricing.Table
	limiter    *ratelimit.Limiter
	tracer     trace.Tracer
	metrics    *telemetry.Metrics
	log        *logrus.Entry
}

func NewHandler(
	dispatcher *dispatch.Dispatcher,
	ledgerStore ledger.Store,
	priceTable *pricing.Table,
	limiter *ratelimit.Limiter,
	tracer trace.Tracer,
	metrics *telemetry.Metrics,
	log *logrus.Logger,
) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		ledger:     ledgerStore,
		pricing:    priceTable,
		limiter:    limiter,
		tracer:     tracer,
		metrics:    metrics,
		log:        log.WithField("component", "gateway"),
	}
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID := CallerID(ctx)
	if callerID == "" {
		writeError(w, http.StatusUnauthorized, ErrorTypeAuthentication, "unauthorized")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrorTypeValidation, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, ErrorTypeValidation, err.Error())
		return
	}

	ctx, span := h.tracer.Start(ctx, "gateway.chat_completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("caller_id", callerID),
		attribute.String("request_id", RequestID(ctx)),
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
	)

	preq := req.toProviderRequest()
	inputTokens := pricing.EstimateTokens(preq.Messages)

	// The unknown-model check precedes every ledger and dispatcher
	// interaction.
	estCost, err := h.pricing.Estimate(req.Model, inputTokens)
	if err != nil {
		h.metrics.RequestsTotal.WithLabelValues(req.Model, string(ErrorTypeUnknownModel)).Inc()
		writePricingError(w, err)
		return
	}

	limitTokens := inputTokens + req.MaxTokens
	if req.MaxTokens == 0 {
		limitTokens = inputTokens + 1000
	}
	allowed, err := h.limiter.Allow(ctx, callerID, limitTokens)
	if err != nil || !allowed {
		h.metrics.RequestsTotal.WithLabelValues(req.Model, string(ErrorTypeRateLimited)).Inc()
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, ErrorTypeRateLimited, "rate limit exceeded, retry after 60s")
		return
	}

	// Funds are reserved before the slow provider call; the provider is
	// never invoked for a caller who cannot cover the estimate.
	res, err := h.ledger.Reserve(ctx, callerID, estCost)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			h.metrics.RequestsTotal.WithLabelValues(req.Model, string(ErrorTypeInsufficientFunds)).Inc()
		} else {
			h.metrics.RequestsTotal.WithLabelValues(req.Model, string(ErrorTypeLedgerUnavailable)).Inc()
		}
		writeLedgerError(w, err)
		return
	}

	if req.Stream {
		h.completeStream(ctx, w, &req, preq, res, inputTokens)
		return
	}
	h.completeUnary(ctx, w, &req, preq, res)
}

func (h *Handler) completeUnary(ctx context.Context, w http.ResponseWriter, req *ChatCompletionRequest, preq *provider.Request, res *ledger.Reservation) {
	resp, err := h.dispatcher.Dispatch(ctx, req.Model, preq)
	if err != nil {
		h.release(res)
		h.metrics.RequestsTotal.WithLabelValues(req.Model, string(ErrorTypeProvidersUnavailable)).Inc()
		writeDispatchError(w, err)
		return
	}

	totalTokens := resp.Usage.TotalTokens
	description := fmt.Sprintf("chat completion: model=%s tokens=%d", req.Model, totalTokens)
	if totalTokens == 0 {
		// The provider reported no usage; bill on content-derived counts
		// and flag the transaction for audit.
		totalTokens = pricing.EstimateTokens(preq.Messages) + len(resp.Content)/4
		description = fmt.Sprintf("chat completion: model=%s tokens=%d (usage estimated)", req.Model, totalTokens)
	}
	h.settle(ctx, res, req.Model, totalTokens, description)

	h.metrics.RequestsTotal.WithLabelValues(req.Model, "ok").Inc()
	h.metrics.TokensTotal.WithLabelValues(req.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
	h.metrics.TokensTotal.WithLabelValues(req.Model, "completion").Add(float64(resp.Usage.CompletionTokens))

	respID := resp.ID
	if respID == "" {
		respID = "chatcmpl-" + uuid.New().String()
	}
	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(chatCompletionResponse{
		ID:      respID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      &ChatMessage{Role: "assistant", Content: resp.Content},
				FinishReason: &finishReason,
			},
		},
		Usage: &usagePayload{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	})
}

func (h *Handler) completeStream(ctx context.Context, w http.ResponseWriter, req *ChatCompletionRequest, preq *provider.Request, res *ledger.Reservation, inputTokens int) {
	ch, err := h.dispatcher.DispatchStream(ctx, req.Model, preq)
	if err != nil {
		h.release(res)
		h.metrics.RequestsTotal.WithLabelValues(req.Model, string(ErrorTypeProvidersUnavailable)).Inc()
		writeDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.release(res)
		writeError(w, http.StatusInternalServerError, ErrorTypeInternal, "streaming unsupported")
		return
	}

	streamID := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()
	deliveredChars := 0
	var usage *provider.Usage
	var finishReason string
	truncated := false

	for chunk := range ch {
		if chunk.Err != nil {
			truncated = true
			fmt.Fprintf(w, "event: error\ndata: {\"detail\": \"stream interrupted\", \"code\": 502, \"error_type\": \"internal_error\"}\n\n")
			flusher.Flush()
			break
		}
		if chunk.Done {
			usage = chunk.Usage
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			break
		}

		deliveredChars += len(chunk.Delta)
		h.writeStreamChunk(w, streamID, created, req.Model, &chatChoice{
			Index: 0,
			Delta: &ChatMessage{Content: chunk.Delta},
		}, nil)
		flusher.Flush()
	}
	if ctx.Err() != nil {
		// Caller went away mid-stream; the upstream is already cancelled
		// through the shared context.
		truncated = true
	}

	if deliveredChars == 0 && usage == nil {
		// Nothing was ever delivered: cancel the hold without charge.
		h.release(res)
		h.metrics.RequestsTotal.WithLabelValues(req.Model, "aborted").Inc()
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	totalTokens := 0
	if usage != nil && usage.TotalTokens > 0 {
		totalTokens = usage.TotalTokens
	}
	description := fmt.Sprintf("chat completion: model=%s tokens=%d", req.Model, totalTokens)
	if totalTokens == 0 {
		totalTokens = inputTokens + deliveredChars/4
		description = fmt.Sprintf("chat completion: model=%s tokens=%d (usage estimated from delivered content)", req.Model, totalTokens)
	}
	if truncated {
		description += " (truncated)"
	}
	h.settle(ctx, res, req.Model, totalTokens, description)

	h.metrics.RequestsTotal.WithLabelValues(req.Model, "ok").Inc()
	if usage != nil {
		h.metrics.TokensTotal.WithLabelValues(req.Model, "prompt").Add(float64(usage.PromptTokens))
		h.metrics.TokensTotal.WithLabelValues(req.Model, "completion").Add(float64(usage.CompletionTokens))
	}

	if ctx.Err() == nil && !truncated {
		if finishReason == "" {
			finishReason = "stop"
		}
		var usagePart *usagePayload
		if usage != nil {
			usagePart = &usagePayload{
				PromptTokens:     usage.PromptTokens,
				CompletionTokens: usage.CompletionTokens,
				TotalTokens:      usage.TotalTokens,
			}
		}
		h.writeStreamChunk(w, streamID, created, req.Model, &chatChoice{
			Index:        0,
			Delta:        &ChatMessage{},
			FinishReason: &finishReason,
		}, usagePart)
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func (h *Handler) writeStreamChunk(w http.ResponseWriter, id string, created int64, model string, choice *chatChoice, usage *usagePayload) {
	payload, err := json.Marshal(chatCompletionResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []chatChoice{*choice},
		Usage:   usage,
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// settle converts the reservation into the final transaction. A settlement
// failure never changes the caller-visible outcome; it is logged as a
// reconciliation event instead.
func (h *Handler) settle(ctx context.Context, res *ledger.Reservation, model string, totalTokens int, description string) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	actual, err := h.pricing.SettleCost(model, totalTokens)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"reservation": res.ID,
			"caller_id":   res.CallerID,
		}).Error("settlement cost computation failed, reconciliation required")
		return
	}

	tx, err := h.ledger.Settle(settleCtx, res, actual, description)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"reservation": res.ID,
			"caller_id":   res.CallerID,
			"amount":      actual.String(),
		}).Error("settlement failed, reconciliation required")
		return
	}

	h.metrics.BilledUSD.WithLabelValues(model).Add(actual.InexactFloat64())
	h.log.WithFields(logrus.Fields{
		"caller_id":     res.CallerID,
		"transaction":   tx.ID,
		"amount":        tx.Amount.String(),
		"balance_after": tx.BalanceAfter.String(),
	}).Info("request settled")
}

// release cancels a reservation after a failed dispatch. Like settlement, a
// failed release is a reconciliation event, not a caller-visible error.
func (h *Handler) release(res *ledger.Reservation) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := h.ledger.Release(releaseCtx, res); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"reservation": res.ID,
			"caller_id":   res.CallerID,
		}).Error("reservation release failed, reconciliation required")
	}
}

// HandleModels lists the configured logical model names.
func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := h.dispatcher.Models()
	data := make([]modelEntry, 0, len(models))
	for _, m := range models {
		data = append(data, modelEntry{ID: m, Object: "model", OwnedBy: "gateway"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=300")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

// HandleBalance returns the authenticated caller's balance. Callers only
// ever see their own rows.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID := CallerID(ctx)
	if callerID == "" {
		writeError(w, http.StatusUnauthorized, ErrorTypeAuthentication, "unauthorized")
		return
	}

	b, err := h.ledger.Balance(ctx, callerID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"caller_id": b.CallerID,
		"balance":   b.Balance,
		"reserved":  b.Reserved,
		"available": b.Available(),
		"currency":  "usd",
	})
}

// HandleTransactions returns the authenticated caller's transaction history,
// newest first.
func (h *Handler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID := CallerID(ctx)
	if callerID == "" {
		writeError(w, http.StatusUnauthorized, ErrorTypeAuthentication, "unauthorized")
		return
	}

	limit := 10
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			writeError(w, http.StatusUnprocessableEntity, ErrorTypeValidation, "limit must be an integer between 1 and 100")
			return
		}
		limit = v
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusUnprocessableEntity, ErrorTypeValidation, "offset must be a non-negative integer")
			return
		}
		offset = v
	}

	txs, err := h.ledger.Transactions(ctx, callerID, limit, offset)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"caller_id":    callerID,
		"limit":        limit,
		"offset":       offset,
		"transactions": txs,
	})
}
