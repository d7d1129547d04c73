package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/env"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com"

// StripeClient creates hosted checkout sessions on the platform account or on
// a connected account.
type StripeClient struct {
	SecretKey  string
	APIBaseURL string
	HTTPClient *http.Client
}

// CheckoutParams describes a one-off payment for a plan period.
type CheckoutParams struct {
	// ConnectedAccount, when set, is sent as the Stripe-Account header.
	ConnectedAccount  string
	ProductName       string
	Currency          string
	UnitAmount        int64
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
	IdempotencyKey    string
}

// CheckoutSession is the part of the created session the engine keeps.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func NewStripeClient(secretKey, baseURL string, timeout time.Duration) *StripeClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultStripeAPIBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeClient{
		SecretKey:  strings.TrimSpace(secretKey),
		APIBaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func NewStripeClientFromEnv() *StripeClient {
	return NewStripeClient(
		env.GetEnv("STRIPE_SECRET_KEY", ""),
		env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL),
		10*time.Second,
	)
}

// CreateCheckoutSession creates a payment-mode checkout session.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	if c.SecretKey == "" {
		return nil, errors.New("stripe secret key is not configured")
	}
	if p.UnitAmount <= 0 || strings.TrimSpace(p.Currency) == "" {
		return nil, errors.New("checkout amount and currency are required")
	}
	if p.SuccessURL == "" || p.CancelURL == "" {
		return nil, errors.New("checkout success and cancel urls are required")
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(p.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.UnitAmount, 10))
	form.Set("line_items[0][price_data][product_data][name]", p.ProductName)
	if p.ClientReferenceID != "" {
		form.Set("client_reference_id", p.ClientReferenceID)
	}
	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", p.Metadata[k])
		// invoice events carry the payment intent metadata, not the session's
		form.Set("payment_intent_data[metadata]["+k+"]", p.Metadata[k])
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBaseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.ConnectedAccount != "" {
		req.Header.Set("Stripe-Account", p.ConnectedAccount)
	}
	if p.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", p.IdempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe checkout request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, stripeError(resp, body)
	}

	var session CheckoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("stripe checkout decode failed: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, errors.New("stripe checkout returned no session id or url")
	}
	return &session, nil
}

func stripeError(resp *http.Response, body []byte) error {
	apiErr := &APIError{Service: "stripe", Method: "checkout.sessions.create", StatusCode: resp.StatusCode}
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Code = parsed.Error.Code
		if apiErr.Code == "" {
			apiErr.Code = parsed.Error.Type
		}
		apiErr.Description = parsed.Error.Message
	} else {
		apiErr.Description = strings.TrimSpace(string(body))
	}
	if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfterSeconds = ra
	}
	return apiErr
}
