package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/stock"
	"github.com/go-chi/chi/v5/middleware"
	"log/slog"
	"net/http"
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "invalid_request"})
}

// writeError maps domain errors onto status codes. Internal failures are
// logged and answered without detail.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var (
		ve  *orders.ValidationError
		ise *stock.InsufficientStockError
		te  *orders.TransitionError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Code: "invalid_request", Field: ve.Field})
	case errors.Is(err, orders.ErrInvalidOrderRequest):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
	case errors.As(err, &ise):
		writeJSON(w, http.StatusConflict, errorBody{Error: ise.Error(), Code: "insufficient_stock", Details: map[string]any{
			"product_id": ise.ProductID, "requested": ise.Requested, "available": ise.Available,
		}})
	case errors.Is(err, stock.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "insufficient_stock"})
	case errors.Is(err, payments.ErrPaymentAlreadyInProgress):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "payment_in_progress"})
	case errors.As(err, &te):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: te.Error(), Code: "invalid_transition",
			Details: map[string]string{"from": te.From, "to": te.To}})
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, payments.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, gateway.ErrVerification):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid signature", Code: "verification_failed"})
	case errors.Is(err, gateway.ErrMalformedEvent):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed event", Code: "malformed_event"})
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "payment gateway unavailable", Code: "gateway_unavailable"})
	case errors.Is(err, gateway.ErrRejected):
		logx.Or(log).Warn("gateway rejected request", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "payment gateway rejected the request", Code: "gateway_rejected"})
	default:
		logx.Or(log).Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}
