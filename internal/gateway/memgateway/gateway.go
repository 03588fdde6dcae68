// Package memgateway provides an in-memory gateway.Client for tests and
// local runs without processor credentials.
package memgateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
)

// Gateway signs webhook payloads as hex(HMAC-SHA256(secret, payload)) and
// expects the payload to be a JSON-encoded gateway.Event.
type Gateway struct {
	mu       sync.Mutex
	seq      int
	intents  map[string]*gateway.Intent
	sessions map[string]*gateway.Session
	idem     map[string]string
	metadata map[string]map[string]string

	// Err, when set, is returned by every remote call.
	Err error

	CreateIntentCalls  int
	CreateSessionCalls int
	CancelIntentCalls  int
	ExpireSessionCalls int
	LastIntentRequest  gateway.IntentRequest
	LastSessionRequest gateway.SessionRequest
}

var _ gateway.Client = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		intents:  map[string]*gateway.Intent{},
		sessions: map[string]*gateway.Session{},
		idem:     map[string]string{},
		metadata: map[string]map[string]string{},
	}
}

func (g *Gateway) CreateIntent(_ context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	g.CreateIntentCalls++
	g.LastIntentRequest = req
	if id, ok := g.idem[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		c := *g.intents[id]
		return &c, nil
	}
	g.seq++
	in := &gateway.Intent{
		ID:           fmt.Sprintf("pi_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.seq),
		Status:       gateway.IntentRequiresPaymentMethod,
		AmountCents:  req.AmountCents,
		Currency:     req.Currency,
	}
	g.intents[in.ID] = in
	g.metadata[in.ID] = req.Metadata
	if req.IdempotencyKey != "" {
		g.idem[req.IdempotencyKey] = in.ID
	}
	c := *in
	return &c, nil
}

func (g *Gateway) CreateCheckoutSession(_ context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	g.CreateSessionCalls++
	g.LastSessionRequest = req
	if id, ok := g.idem[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		c := *g.sessions[id]
		return &c, nil
	}
	g.seq++
	s := &gateway.Session{
		ID:            fmt.Sprintf("cs_%d", g.seq),
		URL:           fmt.Sprintf("https://checkout.test/c/cs_%d", g.seq),
		Status:        gateway.SessionOpen,
		PaymentStatus: gateway.SessionUnpaid,
	}
	g.sessions[s.ID] = s
	g.metadata[s.ID] = req.Metadata
	if req.IdempotencyKey != "" {
		g.idem[req.IdempotencyKey] = s.ID
	}
	c := *s
	return &c, nil
}

func (g *Gateway) RetrieveIntent(_ context.Context, id string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	in, ok := g.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such intent %s", gateway.ErrRejected, id)
	}
	c := *in
	return &c, nil
}

func (g *Gateway) RetrieveSession(_ context.Context, id string) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	s, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such session %s", gateway.ErrRejected, id)
	}
	c := *s
	return &c, nil
}

func (g *Gateway) CancelIntent(_ context.Context, id string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	in, ok := g.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such intent %s", gateway.ErrRejected, id)
	}
	g.CancelIntentCalls++
	in.Status = gateway.IntentCanceled
	c := *in
	return &c, nil
}

func (g *Gateway) VerifyAndParseEvent(payload []byte, sigHeader, secret string) (gateway.Event, error) {
	if !hmac.Equal([]byte(sigHeader), []byte(Sign(payload, secret))) {
		return gateway.Event{}, gateway.ErrVerification
	}
	var ev gateway.Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Kind == "" {
		return gateway.Event{}, fmt.Errorf("%w: %v", gateway.ErrMalformedEvent, err)
	}
	return ev, nil
}

// SetIntentStatus simulates the processor moving an intent.
func (g *Gateway) SetIntentStatus(id string, st gateway.IntentStatus, failure string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if in, ok := g.intents[id]; ok {
		in.Status = st
		in.FailureReason = failure
	}
}

// CompleteSession marks a session paid and attaches a fresh intent id.
func (g *Gateway) CompleteSession(id string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id]
	if !ok {
		return ""
	}
	g.seq++
	s.Status = gateway.SessionComplete
	s.PaymentStatus = gateway.SessionPaid
	s.IntentID = fmt.Sprintf("pi_%d", g.seq)
	g.intents[s.IntentID] = &gateway.Intent{ID: s.IntentID, Status: gateway.IntentSucceeded}
	return s.IntentID
}

// ExpireSession closes an open session. Completed sessions are rejected the
// way the processor rejects them.
func (g *Gateway) ExpireSession(_ context.Context, id string) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	s, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such session %s", gateway.ErrRejected, id)
	}
	if s.Status == gateway.SessionComplete {
		return nil, fmt.Errorf("%w: session %s is complete", gateway.ErrRejected, id)
	}
	g.ExpireSessionCalls++
	s.Status = gateway.SessionExpired
	c := *s
	return &c, nil
}

// Metadata returns the metadata sent with the gateway object id.
func (g *Gateway) Metadata(id string) map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metadata[id]
}

func Sign(payload []byte, secret string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Delivery encodes ev and signs it like the processor would.
func Delivery(ev gateway.Event, secret string) (payload []byte, sig string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	return payload, Sign(payload, secret)
}
