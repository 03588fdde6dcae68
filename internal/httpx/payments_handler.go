package httpx

import (
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	"github.com/ariefcatur/go-order-reconciler/internal/logx"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/go-chi/chi/v5"
	"io"
	"log/slog"
	"net/http"
)

// maxWebhookBody bounds webhook payloads read into memory.
const maxWebhookBody = 64 << 10

type PaymentsHandler struct {
	Engine         *payments.Engine
	PublishableKey string
	Log            *slog.Logger
}

type initiateReq struct {
	OrderID string `json:"order_id"`
}

type paymentResp struct {
	*payments.Payment
	Amount string `json:"amount"`
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Get("/payments/config", h.config)
	r.Post("/payments/intent", h.initiate(payments.ChannelIntent))
	r.Post("/payments/checkout-session", h.initiate(payments.ChannelCheckoutSession))
	r.Post("/payments/confirm", h.confirm)
	r.Post("/payments/session/{id}/confirm", h.confirmSession)
	r.Get("/payments/status/{correlationId}", h.status)
	r.Get("/orders/{id}/payment", h.forOrder)
	r.Post("/payments/webhook", h.webhook)
}

func (h *PaymentsHandler) config(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publishable_key": h.PublishableKey})
}

func (h *PaymentsHandler) initiate(ch payments.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req initiateReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "invalid json")
			return
		}
		if req.OrderID == "" {
			writeError(w, r, h.Log, &orders.ValidationError{Field: "order_id", Reason: "required"})
			return
		}
		init, err := h.Engine.InitiatePayment(r.Context(), req.OrderID, ch)
		if err != nil {
			writeError(w, r, h.Log, err)
			return
		}
		code := http.StatusCreated
		if init.Reused {
			code = http.StatusOK
		}
		writeJSON(w, code, init)
	}
}

func (h *PaymentsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntentID string `json:"payment_intent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	if req.IntentID == "" {
		writeError(w, r, h.Log, &orders.ValidationError{Field: "payment_intent_id", Reason: "required"})
		return
	}
	p, err := h.Engine.ConfirmPayment(r.Context(), req.IntentID)
	h.writePayment(w, r, p, err)
}

func (h *PaymentsHandler) confirmSession(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.ConfirmSession(r.Context(), chi.URLParam(r, "id"))
	h.writePayment(w, r, p, err)
}

func (h *PaymentsHandler) status(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPaymentStatus(r.Context(), chi.URLParam(r, "correlationId"))
	h.writePayment(w, r, p, err)
}

func (h *PaymentsHandler) forOrder(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPaymentForOrder(r.Context(), chi.URLParam(r, "id"))
	h.writePayment(w, r, p, err)
}

func (h *PaymentsHandler) writePayment(w http.ResponseWriter, r *http.Request, p *payments.Payment, err error) {
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResp{Payment: p, Amount: orders.FormatCents(p.AmountCents)})
}

// webhook answers 2xx once the event is accepted or deliberately dropped, and
// 5xx when the processor should deliver it again.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		badRequest(w, "unreadable body")
		return
	}
	err = h.Engine.HandleWebhookEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, gateway.ErrVerification), errors.Is(err, gateway.ErrMalformedEvent):
		writeError(w, r, h.Log, err)
	default:
		logx.Or(h.Log).Error("webhook not applied, asking for redelivery", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "try again later", Code: "retry"})
	}
}
