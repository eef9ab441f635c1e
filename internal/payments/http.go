package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pinvault/internal/logging"
)

// HTTPClient implements Client against the provider's REST API. Webhooks are
// signed with HMAC-SHA256 over "id.timestamp.body" (standard-webhooks style).
type HTTPClient struct {
	baseURL       string
	token         string
	webhookSecret string
	httpClient    *http.Client
}

// HTTPConfig holds configuration for the provider client.
type HTTPConfig struct {
	BaseURL       string
	Token         string
	WebhookSecret string // the endpoint secret, "whsec_" prefixed
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("provider token is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &HTTPClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.Token,
		webhookSecret: cfg.WebhookSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type providerOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Customer string `json:"customer"`
}

type providerOrderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

func (c *HTTPClient) CreateOrder(ctx context.Context, amountCents int64, currency, customer string) (*Order, error) {
	logging.Pay.Printf("creating order for %d %s...", amountCents, currency)

	jsonBody, err := json.Marshal(providerOrderRequest{
		Amount:   amountCents,
		Currency: currency,
		Customer: customer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/orders", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var po providerOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&po); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	logging.Pay.Printf("created order %s", po.ID)
	return &Order{
		Ref:         po.ID,
		AmountCents: po.Amount,
		Currency:    po.Currency,
		Status:      normalizeStatus(po.Status),
	}, nil
}

func (c *HTTPClient) FetchOrder(ctx context.Context, ref string) (*Order, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/orders/"+ref, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var po providerOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&po); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &Order{
		Ref:         po.ID,
		AmountCents: po.Amount,
		Currency:    po.Currency,
		Status:      normalizeStatus(po.Status),
	}, nil
}

// webhookPayload is the body the provider posts when an order changes state.
type webhookPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// VerifyWebhook verifies the HMAC signature and decodes the payload.
func (c *HTTPClient) VerifyWebhook(body []byte, headers http.Header) (*Notification, error) {
	if err := c.verifySignature(body, headers); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if payload.OrderID == "" {
		return nil, fmt.Errorf("missing order_id")
	}
	return &Notification{
		OrderRef: payload.OrderID,
		Status:   normalizeStatus(payload.Status),
	}, nil
}

// verifySignature checks the webhook-id/-timestamp/-signature headers.
// The signed content is "id.timestamp.body"; signatures are "v1,<base64>".
func (c *HTTPClient) verifySignature(body []byte, headers http.Header) error {
	id := headers.Get("webhook-id")
	timestamp := headers.Get("webhook-timestamp")
	signature := headers.Get("webhook-signature")

	if id == "" || timestamp == "" || signature == "" {
		return fmt.Errorf("missing webhook headers")
	}

	// Reject stale or future timestamps to prevent replays (5 minute window).
	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	now := time.Now()
	if now.Sub(ts) > 5*time.Minute || ts.Sub(now) > 5*time.Minute {
		return fmt.Errorf("timestamp too old or in future")
	}

	secret := strings.TrimPrefix(c.webhookSecret, "whsec_")
	secretBytes, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("failed to decode secret: %w", err)
	}

	signedContent := fmt.Sprintf("%s.%s.%s", id, timestamp, string(body))
	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(signedContent))
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, sig := range strings.Split(signature, " ") {
		parts := strings.SplitN(sig, ",", 2)
		if len(parts) == 2 && parts[0] == "v1" {
			if hmac.Equal([]byte(parts[1]), []byte(expectedSig)) {
				return nil
			}
		}
	}
	return fmt.Errorf("signature mismatch")
}

func (c *HTTPClient) Close() error { return nil }

func parseTimestamp(ts string) (time.Time, error) {
	var unix int64
	if _, err := fmt.Sscanf(ts, "%d", &unix); err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

// normalizeStatus maps provider status strings onto the local vocabulary.
func normalizeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "PAID", "SETTLED", "COMPLETED":
		return StatusPaid
	case "FAILED", "EXPIRED":
		return StatusFailed
	case "CANCELLED", "CANCELED", "VOIDED":
		return StatusCancelled
	default:
		return StatusPending
	}
}
