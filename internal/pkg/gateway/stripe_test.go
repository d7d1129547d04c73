package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripeCreateCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "acct_1", r.Header.Get("Stripe-Account"))
		assert.Equal(t, "checkout-9", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "999", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "usd", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "9", r.PostForm.Get("metadata[subscriber_id]"))
		assert.Equal(t, "9", r.PostForm.Get("payment_intent_data[metadata][subscriber_id]"))
		_, _ = w.Write([]byte(`{"id":"cs_1","url":"https://checkout.stripe.com/c/cs_1"}`))
	}))
	defer srv.Close()

	client := NewStripeClient("sk_test", srv.URL, time.Second)
	session, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		ConnectedAccount: "acct_1",
		ProductName:      "Monthly",
		Currency:         "USD",
		UnitAmount:       999,
		SuccessURL:       "https://example.com/ok",
		CancelURL:        "https://example.com/cancel",
		Metadata:         map[string]string{"subscriber_id": "9", "project_id": "3"},
		IdempotencyKey:   "checkout-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", session.URL)
}

func TestStripeErrorIsTerminalOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"parameter_missing","message":"Missing required param"}}`))
	}))
	defer srv.Close()

	client := NewStripeClient("sk_test", srv.URL, time.Second)
	_, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		Currency: "usd", UnitAmount: 100, SuccessURL: "a", CancelURL: "b",
	})
	require.Error(t, err)
	assert.True(t, retry.IsTerminal(err))
	assert.Contains(t, err.Error(), "parameter_missing")
}

func TestStripeRequiresSecret(t *testing.T) {
	client := NewStripeClient("", "", time.Second)
	_, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{Currency: "usd", UnitAmount: 1, SuccessURL: "a", CancelURL: "b"})
	require.Error(t, err)
}
