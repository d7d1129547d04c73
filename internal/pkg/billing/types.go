package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
)

// Handled event types. Everything else is acknowledged and skipped.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
)

// Outcomes reported back to the caller and counted in metrics.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeSkipped   = "skipped"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Event is the signed envelope a payment processor delivers.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account,omitempty"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type paymentObject struct {
	ID                string            `json:"id"`
	Metadata          map[string]string `json:"metadata"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	SubscriptionInfo  *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines *struct {
		Data []struct {
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"lines"`
}

// PaymentRef is what the event says about who paid for what.
type PaymentRef struct {
	ObjectID     string
	SubscriberID uint
	ProjectID    uint
	PlanID       *uint
	// Paid is false for checkout sessions whose payment is still pending.
	Paid bool
}

// ParseEvent decodes an envelope. Malformed payloads are validation errors.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w: %w", apperr.ErrValidation, err)
	}
	ev.ID = strings.TrimSpace(ev.ID)
	ev.Type = strings.TrimSpace(ev.Type)
	ev.Account = strings.TrimSpace(ev.Account)
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("event id and type are required: %w", apperr.ErrValidation)
	}
	return &ev, nil
}

// Handled reports whether the event type extends or activates access.
func (e *Event) Handled() bool {
	switch e.Type {
	case EventCheckoutSessionCompleted, EventInvoicePaid, EventInvoicePaymentSucceeded:
		return true
	default:
		return false
	}
}

// Payment extracts the subscriber reference from the event object. Invoices
// carry metadata on the subscription details or the line items rather than
// on the object itself.
func (e *Event) Payment() (*PaymentRef, error) {
	if len(e.Data.Object) == 0 {
		return nil, fmt.Errorf("event %s has no data object: %w", e.ID, apperr.ErrValidation)
	}
	var obj paymentObject
	if err := json.Unmarshal(e.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("decode event %s object: %w: %w", e.ID, apperr.ErrValidation, err)
	}

	meta := mergeMetadata(obj)
	ref := &PaymentRef{ObjectID: obj.ID, Paid: true}
	if e.Type == EventCheckoutSessionCompleted {
		switch obj.PaymentStatus {
		case "", "paid", "no_payment_required":
		default:
			ref.Paid = false
		}
	}

	subID := meta["subscriber_id"]
	if subID == "" {
		subID = obj.ClientReferenceID
	}
	var err error
	if ref.SubscriberID, err = parseID(subID); err != nil {
		return nil, fmt.Errorf("event %s subscriber_id: %w", e.ID, err)
	}
	if ref.ProjectID, err = parseID(meta["project_id"]); err != nil {
		return nil, fmt.Errorf("event %s project_id: %w", e.ID, err)
	}
	if raw := meta["plan_id"]; raw != "" {
		id, err := parseID(raw)
		if err != nil {
			return nil, fmt.Errorf("event %s plan_id: %w", e.ID, err)
		}
		ref.PlanID = &id
	}
	return ref, nil
}

func mergeMetadata(obj paymentObject) map[string]string {
	out := map[string]string{}
	if obj.Lines != nil {
		for _, line := range obj.Lines.Data {
			for k, v := range line.Metadata {
				out[k] = v
			}
		}
	}
	if obj.SubscriptionInfo != nil {
		for k, v := range obj.SubscriptionInfo.Metadata {
			out[k] = v
		}
	}
	for k, v := range obj.Metadata {
		out[k] = v
	}
	return out
}

var errMissingID = errors.New("missing")

func parseID(raw string) (uint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: %w", errMissingID, apperr.ErrValidation)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid id %q: %w", raw, apperr.ErrValidation)
	}
	return uint(n), nil
}
