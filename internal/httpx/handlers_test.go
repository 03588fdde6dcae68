package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway/memgateway"
	"github.com/ariefcatur/go-order-reconciler/internal/httpx"
	"github.com/ariefcatur/go-order-reconciler/internal/memstore"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

type env struct {
	srv   *httptest.Server
	store *memstore.Store
	gw    *memgateway.Gateway
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	store.Seed(orders.DemoProducts()...)
	gw := memgateway.New()
	svc := &orders.Service{Store: store, Catalog: store, Ledger: store}
	engine := payments.NewEngine(payments.Config{WebhookSecret: secret, FrontendURL: "https://shop.test/checkout"}, store, store, gw, nil)

	svc.Payments = engine

	r := httpx.NewRouter(nil)
	(&httpx.OrdersHandler{Orders: svc, Products: store}).Register(r)
	(&httpx.PaymentsHandler{Engine: engine, PublishableKey: "pk_test"}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, store: store, gw: gw}
}

func (e *env) do(t *testing.T, method, path string, body any, header ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func orderBody(productID string, qty int) map[string]any {
	return map[string]any{
		"cart": []map[string]any{{"product_id": productID, "qty": qty}},
		"customer": map[string]any{
			"email": "ana@example.com", "first_name": "Ana", "last_name": "Lima", "same_as_billing": true,
			"shipping": map[string]any{"address": "1 Main St", "city": "Springfield", "state": "IL", "zip_code": "62701", "country": "US"},
		},
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	res, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCreateOrder(t *testing.T) {
	e := newEnv(t)

	res, body := e.do(t, http.MethodPost, "/orders", orderBody("prod-sunset", 2), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.EqualValues(t, 12000, body["total_cents"])
	assert.Equal(t, "120.00", body["total"])
	assert.Equal(t, "PENDING", body["status"])
	id := body["order_id"].(string)

	res, again := e.do(t, http.MethodPost, "/orders", orderBody("prod-sunset", 2), "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, id, again["order_id"])
	assert.Equal(t, true, again["idempotent"])

	res, got := e.do(t, http.MethodGet, "/orders/"+id, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "PENDING", got["payment_status"])

	avail, err := e.store.Available(context.Background(), "prod-sunset")
	require.NoError(t, err)
	assert.Equal(t, 3, avail)
}

func TestCreateOrderErrors(t *testing.T) {
	e := newEnv(t)

	res, body := e.do(t, http.MethodPost, "/orders", orderBody("prod-harbor", 4))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "insufficient_stock", body["code"])
	details := body["details"].(map[string]any)
	assert.Equal(t, "prod-harbor", details["product_id"])
	assert.EqualValues(t, 3, details["available"])

	bad := orderBody("prod-harbor", 1)
	bad["customer"].(map[string]any)["email"] = "nope"
	res, body = e.do(t, http.MethodPost, "/orders", bad)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "customer.email", body["field"])

	res, _ = e.do(t, http.MethodPost, "/orders", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, _ = e.do(t, http.MethodGet, "/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res, _ = e.do(t, http.MethodGet, "/orders/missing/payment", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCancelAndAdvance(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodPost, "/orders", orderBody("prod-forest", 4))
	id := body["order_id"].(string)

	res, body := e.do(t, http.MethodPut, "/orders/"+id+"/status", map[string]string{"status": "SHIPPED"})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "invalid_transition", body["code"])

	res, body = e.do(t, http.MethodPost, "/orders/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "CANCELLED", body["status"])
	avail, _ := e.store.Available(context.Background(), "prod-forest")
	assert.Equal(t, 10, avail)

	res, body = e.do(t, http.MethodPost, "/orders/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, "repeated cancel is a no-op")
	assert.Equal(t, "CANCELLED", body["status"])
	avail, _ = e.store.Available(context.Background(), "prod-forest")
	assert.Equal(t, 10, avail)

	res, _ = e.do(t, http.MethodPut, "/orders/"+id+"/status", map[string]string{"status": "BOGUS"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPaymentFlow(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodPost, "/orders", orderBody("prod-city", 1))
	orderID := body["order_id"].(string)

	res, init := e.do(t, http.MethodPost, "/payments/intent", map[string]string{"order_id": orderID})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	intentID := init["correlation_id"].(string)
	assert.NotEmpty(t, init["client_secret"])

	res, again := e.do(t, http.MethodPost, "/payments/intent", map[string]string{"order_id": orderID})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, intentID, again["correlation_id"])

	payload, _ := memgateway.Delivery(gateway.Event{ID: "evt_1", Kind: gateway.EventIntentSucceeded, IntentID: intentID, OrderID: orderID}, secret)
	res, body = e.do(t, http.MethodPost, "/payments/webhook", payload, "Stripe-Signature", "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "verification_failed", body["code"])

	payload, sig := memgateway.Delivery(gateway.Event{ID: "evt_1", Kind: gateway.EventIntentSucceeded, IntentID: intentID, OrderID: orderID}, secret)
	res, _ = e.do(t, http.MethodPost, "/payments/webhook", payload, "Stripe-Signature", sig)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = e.do(t, http.MethodPost, "/payments/webhook", payload, "Stripe-Signature", sig)
	assert.Equal(t, http.StatusOK, res.StatusCode, "redelivery is acknowledged")

	res, pay := e.do(t, http.MethodGet, "/payments/status/"+intentID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "SUCCEEDED", pay["status"])
	assert.Equal(t, "40.00", pay["amount"])

	res, st := e.do(t, http.MethodGet, "/orders/"+orderID+"/status", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "CONFIRMED", st["status"])
	assert.Equal(t, "PAID", st["payment_status"])

	res, body = e.do(t, http.MethodPost, "/payments/intent", map[string]string{"order_id": orderID})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "payment_in_progress", body["code"])
}

func TestPaymentRequestValidation(t *testing.T) {
	e := newEnv(t)

	res, body := e.do(t, http.MethodPost, "/payments/checkout-session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "order_id", body["field"])

	res, _ = e.do(t, http.MethodPost, "/payments/intent", map[string]string{"order_id": "missing"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = e.do(t, http.MethodPost, "/payments/confirm", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "payment_intent_id", body["field"])

	res, body = e.do(t, http.MethodGet, "/payments/config", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "pk_test", body["publishable_key"])
}

func TestCheckoutSessionOverHTTP(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodPost, "/orders", orderBody("prod-city", 2))
	orderID := body["order_id"].(string)

	res, init := e.do(t, http.MethodPost, "/payments/checkout-session", map[string]string{"order_id": orderID})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	sessionID := init["correlation_id"].(string)
	assert.NotEmpty(t, init["redirect_url"])

	e.gw.CompleteSession(sessionID)
	res, pay := e.do(t, http.MethodPost, "/payments/session/"+sessionID+"/confirm", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "SUCCEEDED", pay["status"])

	res, pay = e.do(t, http.MethodGet, "/orders/"+orderID+"/payment", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, sessionID, pay["session_id"])
	assert.NotEmpty(t, pay["intent_id"])
}
