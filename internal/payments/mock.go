package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// MockClient implements Client for testing and development. Orders start
// PENDING and can be settled with MarkPaid.
type MockClient struct {
	mu     sync.Mutex
	orders map[string]*Order
}

// NewMockClient creates a new mock provider client.
func NewMockClient() *MockClient {
	return &MockClient{orders: make(map[string]*Order)}
}

func (m *MockClient) CreateOrder(ctx context.Context, amountCents int64, currency, customer string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, err := generateRef()
	if err != nil {
		return nil, err
	}
	o := &Order{
		Ref:         ref,
		AmountCents: amountCents,
		Currency:    currency,
		Status:      StatusPending,
	}
	m.orders[ref] = o
	return o, nil
}

func (m *MockClient) FetchOrder(ctx context.Context, ref string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[ref]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// VerifyWebhook decodes the payload without signature checks.
func (m *MockClient) VerifyWebhook(body []byte, headers http.Header) (*Notification, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload.OrderID == "" {
		return nil, fmt.Errorf("missing order_id")
	}
	return &Notification{OrderRef: payload.OrderID, Status: normalizeStatus(payload.Status)}, nil
}

// MarkPaid settles an order (for tests and development).
func (m *MockClient) MarkPaid(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[ref]; ok {
		o.Status = StatusPaid
	}
}

// MarkFailed fails an order (for tests and development).
func (m *MockClient) MarkFailed(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[ref]; ok {
		o.Status = StatusFailed
	}
}

func (m *MockClient) Close() error { return nil }

func generateRef() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "ord_" + hex.EncodeToString(bytes), nil
}
