package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tollmeter/llm-gateway/internal/dispatch"
	"github.com/tollmeter/llm-gateway/internal/ledger"
	"github.com/tollmeter/llm-gateway/internal/pricing"
	"github.com/tollmeter/llm-gateway/internal/provider"
)

// ErrorType is the machine-readable error classification surfaced to
// callers.
type ErrorType string

const (
	ErrorTypeAuthentication       ErrorType = "authentication_error"
	ErrorTypeValidation           ErrorType = "validation_error"
	ErrorTypeInsufficientFunds    ErrorType = "insufficient_funds"
	ErrorTypeUnknownModel         ErrorType = "unknown_model"
	ErrorTypeRateLimited          ErrorType = "rate_limit_exceeded"
	ErrorTypeProvidersUnavailable ErrorType = "all_providers_unavailable"
	ErrorTypeLedgerUnavailable    ErrorType = "ledger_unavailable"
	ErrorTypeInternal             ErrorType = "internal_error"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Detail    string    `json:"detail"`
	Code      int       `json:"code"`
	ErrorType ErrorType `json:"error_type"`
}

func writeError(w http.ResponseWriter, code int, errType ErrorType, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Detail:    detail,
		Code:      code,
		ErrorType: errType,
	})
}

// writeDispatchError maps dispatcher failures to the outward envelope. The
// inner components never see HTTP; this is the only translation point.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNoRoute):
		writeError(w, http.StatusBadRequest, ErrorTypeUnknownModel, err.Error())
	case errors.Is(err, dispatch.ErrProvidersExhausted):
		writeError(w, http.StatusServiceUnavailable, ErrorTypeProvidersUnavailable, "all providers for this model are currently unavailable")
	default:
		var ue *provider.UpstreamError
		if errors.As(err, &ue) && !ue.Retryable() {
			writeError(w, http.StatusUnprocessableEntity, ErrorTypeValidation, "upstream provider rejected the request")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrorTypeInternal, "provider dispatch failed")
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, ErrorTypeInsufficientFunds, "insufficient balance for this request")
	default:
		// Billing correctness outranks availability: an unreachable ledger
		// denies the request.
		writeError(w, http.StatusServiceUnavailable, ErrorTypeLedgerUnavailable, "billing ledger unavailable")
	}
}

func writePricingError(w http.ResponseWriter, err error) {
	if errors.Is(err, pricing.ErrUnknownModel) {
		writeError(w, http.StatusBadRequest, ErrorTypeUnknownModel, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, ErrorTypeInternal, "cost estimation failed")
}
