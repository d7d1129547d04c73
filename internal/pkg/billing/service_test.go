package billing

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle/lifecycletest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	directSecret  = "whsec_direct"
	connectSecret = "whsec_connect"
	userID        = int64(5150)
)

func newService(t *testing.T) (*Service, *lifecycletest.Harness) {
	t.Helper()
	h := lifecycletest.New(t)
	svc := NewService(h.Engine, ledger.New(h.DB), Secrets{Direct: directSecret, Connect: connectSecret})
	svc.Now = h.Now
	return svc, h
}

func paymentEvent(t *testing.T, id, typ, account string, meta map[string]string) []byte {
	t.Helper()
	obj := map[string]interface{}{"id": "obj_" + id, "metadata": meta}
	if typ == EventCheckoutSessionCompleted {
		obj["payment_status"] = "paid"
	}
	ev := map[string]interface{}{"id": id, "type": typ, "data": map[string]interface{}{"object": obj}}
	if account != "" {
		ev["account"] = account
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func meta(sub *models.Subscriber) map[string]string {
	return map[string]string{
		"subscriber_id": strconv.FormatUint(uint64(sub.ID), 10),
		"project_id":    strconv.FormatUint(uint64(sub.ProjectID), 10),
	}
}

func deliver(svc *Service, h *lifecycletest.Harness, source string, payload []byte, secret string) (*Result, error) {
	return svc.Handle(context.Background(), source, payload, SignStripePayload(payload, secret, h.Now()))
}

func TestReplayedEventExtendsOnce(t *testing.T) {
	svc, h := newService(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(0), h.WithInvite("https://t.me/+current"))
	payload := paymentEvent(t, "evt_1", EventInvoicePaid, "", meta(sub))

	res, err := deliver(svc, h, models.EventSourceStripe, payload, directSecret)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	res, err = deliver(svc, h, models.EventSourceStripe, payload, directSecret)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	stored := h.Reload(t, sub.ID)
	require.NotNil(t, stored.ExpiryDate)
	assert.True(t, stored.ExpiryDate.Equal(h.Now().Add(30*24*time.Hour)), "got %v", stored.ExpiryDate)
	assert.Equal(t, "https://t.me/+current", stored.InviteLink, "existing access is left untouched")
	assert.Zero(t, h.Telegram.InviteCount())
	assert.Len(t, h.Telegram.MessagesTo(userID), 1)

	entry, err := ledger.New(h.DB).Get(context.Background(), models.EventSourceStripe, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.EventOutcomeApplied, entry.Outcome)
	require.NotNil(t, entry.SubscriberID)
	assert.Equal(t, sub.ID, *entry.SubscriberID)
}

func TestConcurrentDeliveriesExtendOnce(t *testing.T) {
	svc, h := newService(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(0), h.WithInvite("https://t.me/+current"))
	payload := paymentEvent(t, "evt_race", EventInvoicePaid, "", meta(sub))

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		outcomes = make([]string, 2)
		errs     = make([]error, 2)
	)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := deliver(svc, h, models.EventSourceStripe, payload, directSecret)
			errs[i] = err
			if res != nil {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []string{OutcomeApplied, OutcomeDuplicate}, outcomes)

	stored := h.Reload(t, sub.ID)
	require.NotNil(t, stored.ExpiryDate)
	assert.True(t, stored.ExpiryDate.Equal(h.Now().Add(30*24*time.Hour)), "got %v", stored.ExpiryDate)

	var count int64
	require.NoError(t, h.DB.Model(&models.ProcessedEvent{}).Where("event_id = ?", "evt_race").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestPaymentActivatesPendingSubscriber(t *testing.T) {
	svc, h := newService(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingPayment)
	payload := paymentEvent(t, "evt_checkout", EventCheckoutSessionCompleted, "", meta(sub))

	res, err := deliver(svc, h, models.EventSourceStripe, payload, directSecret)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, sub.ID, res.SubscriberID)

	stored := h.Reload(t, sub.ID)
	assert.Equal(t, models.SubscriberStatusActive, stored.Status)
	assert.True(t, stored.ExpiryDate.Equal(h.Now().Add(30*24*time.Hour)))
	assert.Equal(t, "https://t.me/+invite1", stored.InviteLink)

	msgs := h.Telegram.MessagesTo(userID)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Keyboard)
	assert.Equal(t, stored.InviteLink, msgs[0].Keyboard.Rows[0][0].URL)
}

func TestRenewalCountsFromFutureExpiry(t *testing.T) {
	svc, h := newService(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(10*24*time.Hour), h.WithInvite("https://t.me/+x"), func(s *models.Subscriber) {
		s.ExpiryReminderSent = true
	})

	_, err := deliver(svc, h, models.EventSourceStripe, paymentEvent(t, "evt_a", EventInvoicePaymentSucceeded, "", meta(sub)), directSecret)
	require.NoError(t, err)
	_, err = deliver(svc, h, models.EventSourceStripe, paymentEvent(t, "evt_b", EventInvoicePaid, "", meta(sub)), directSecret)
	require.NoError(t, err)

	stored := h.Reload(t, sub.ID)
	assert.True(t, stored.ExpiryDate.Equal(h.Now().Add(70*24*time.Hour)), "distinct events both extend")
	assert.False(t, stored.ExpiryReminderSent)
}

func TestBadSignatureIsRejected(t *testing.T) {
	svc, h := newService(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingPayment)
	payload := paymentEvent(t, "evt_1", EventInvoicePaid, "", meta(sub))

	_, err := deliver(svc, h, models.EventSourceStripe, payload, "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, 401, apperr.HTTPStatus(err))

	_, err = svc.Handle(context.Background(), models.EventSourceStripe, payload, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	// the connect secret does not open the direct endpoint
	_, err = deliver(svc, h, models.EventSourceStripe, payload, connectSecret)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	seen, err := ledger.New(h.DB).Seen(context.Background(), models.EventSourceStripe, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, models.SubscriberStatusPendingPayment, h.Reload(t, sub.ID).Status)
}

func TestCrossTenantPayloadIsRejected(t *testing.T) {
	svc, h := newService(t)
	other, _ := h.AddProject(t, "Other", -2002, "acct_other")
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingPayment)

	m := meta(sub)
	m["project_id"] = strconv.FormatUint(uint64(other.ID), 10)
	_, err := deliver(svc, h, models.EventSourceStripe, paymentEvent(t, "evt_x1", EventInvoicePaid, "", m), directSecret)
	require.Error(t, err)
	assert.Equal(t, 400, apperr.HTTPStatus(err))

	// connect event from the other tenant's account naming our subscriber
	_, err = deliver(svc, h, models.EventSourceStripeConnect, paymentEvent(t, "evt_x2", EventInvoicePaid, "acct_other", meta(sub)), connectSecret)
	require.Error(t, err)
	assert.Equal(t, 400, apperr.HTTPStatus(err))

	_, err = deliver(svc, h, models.EventSourceStripeConnect, paymentEvent(t, "evt_x3", EventInvoicePaid, "acct_other", m), connectSecret)
	require.Error(t, err)
	assert.Equal(t, 400, apperr.HTTPStatus(err))

	assert.Equal(t, models.SubscriberStatusPendingPayment, h.Reload(t, sub.ID).Status)
	assert.Empty(t, h.Telegram.Messages)
}

func TestConnectEventResolvesProjectByAccount(t *testing.T) {
	svc, h := newService(t)
	project, plan := h.AddProject(t, "Tenant", -3003, "acct_tenant")
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingPayment, func(s *models.Subscriber) {
		s.ProjectID = project.ID
		s.PlanID = &plan.ID
	})

	res, err := deliver(svc, h, models.EventSourceStripeConnect, paymentEvent(t, "evt_c1", EventCheckoutSessionCompleted, "acct_tenant", meta(sub)), connectSecret)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, models.SubscriberStatusActive, h.Reload(t, sub.ID).Status)

	_, err = deliver(svc, h, models.EventSourceStripeConnect, paymentEvent(t, "evt_c2", EventInvoicePaid, "acct_unknown", meta(sub)), connectSecret)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = deliver(svc, h, models.EventSourceStripeConnect, paymentEvent(t, "evt_c3", EventInvoicePaid, "", meta(sub)), connectSecret)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUnknownSubscriberIsNotFound(t *testing.T) {
	svc, h := newService(t)
	m := map[string]string{"subscriber_id": "404", "project_id": strconv.FormatUint(uint64(h.Project.ID), 10)}

	_, err := deliver(svc, h, models.EventSourceStripe, paymentEvent(t, "evt_nf", EventInvoicePaid, "", m), directSecret)
	assert.Equal(t, 404, apperr.HTTPStatus(err))
}

func TestSuspendedSubscriberPaymentIsSkipped(t *testing.T) {
	svc, h := newService(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusSuspended)
	payload := paymentEvent(t, "evt_s", EventInvoicePaid, "", meta(sub))

	res, err := deliver(svc, h, models.EventSourceStripe, payload, directSecret)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, models.SubscriberStatusSuspended, h.Reload(t, sub.ID).Status)

	entry, err := ledger.New(h.DB).Get(context.Background(), models.EventSourceStripe, "evt_s")
	require.NoError(t, err)
	assert.Equal(t, models.EventOutcomeSkipped, entry.Outcome)

	res, err = deliver(svc, h, models.EventSourceStripe, payload, directSecret)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
}

func TestUnhandledEventIsSkippedWithoutLedgerEntry(t *testing.T) {
	svc, h := newService(t)
	payload := []byte(`{"id":"evt_other","type":"customer.created","data":{"object":{}}}`)

	res, err := deliver(svc, h, models.EventSourceStripe, payload, directSecret)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	seen, err := ledger.New(h.DB).Seen(context.Background(), models.EventSourceStripe, "evt_other")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestLedgerIsKeyedBySource(t *testing.T) {
	svc, h := newService(t)
	project, plan := h.AddProject(t, "Tenant", -3003, "acct_tenant")
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(0), h.WithInvite("https://t.me/+x"), func(s *models.Subscriber) {
		s.ProjectID = project.ID
		s.PlanID = &plan.ID
	})
	_, err := ledger.New(h.DB).Record(context.Background(), &models.ProcessedEvent{Source: models.EventSourceStripe, EventID: "evt_same"})
	require.NoError(t, err)

	res, err := deliver(svc, h, models.EventSourceStripeConnect, paymentEvent(t, "evt_same", EventInvoicePaid, "acct_tenant", meta(sub)), connectSecret)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestPlanFromMetadataIsStored(t *testing.T) {
	svc, h := newService(t)
	yearly := &models.Plan{ProjectID: h.Project.ID, Name: "Yearly", Price: h.Plan.Price.Mul(h.Plan.Price), Currency: "usd", DurationDays: 365, IsActive: true}
	require.NoError(t, h.DB.Create(yearly).Error)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingPayment)

	m := meta(sub)
	m["plan_id"] = strconv.FormatUint(uint64(yearly.ID), 10)
	_, err := deliver(svc, h, models.EventSourceStripe, paymentEvent(t, "evt_y", EventInvoicePaid, "", m), directSecret)
	require.NoError(t, err)

	stored := h.Reload(t, sub.ID)
	require.NotNil(t, stored.PlanID)
	assert.Equal(t, yearly.ID, *stored.PlanID)
	assert.True(t, stored.ExpiryDate.Equal(h.Now().Add(365*24*time.Hour)))
}
