package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/audit"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

var errDuplicate = errors.New("event already recorded")

// Secrets holds one signing secret per integration.
type Secrets struct {
	Direct  string
	Connect string
}

// Result is returned to the provider for accepted deliveries.
type Result struct {
	Outcome      string `json:"outcome"`
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type,omitempty"`
	SubscriberID uint   `json:"subscriber_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Service reconciles payment webhooks with subscriber state. Each handled
// event extends or activates a subscription at most once.
type Service struct {
	engine    *lifecycle.Engine
	ledger    *ledger.Ledger
	secrets   Secrets
	Tolerance time.Duration
	Now       func() time.Time
}

// NewService creates a webhook service on top of the lifecycle engine.
func NewService(engine *lifecycle.Engine, l *ledger.Ledger, secrets Secrets) *Service {
	return &Service{
		engine:    engine,
		ledger:    l,
		secrets:   secrets,
		Tolerance: DefaultSignatureTolerance,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) secret(source string) (string, error) {
	switch source {
	case models.EventSourceStripe:
		if s.secrets.Direct != "" {
			return s.secrets.Direct, nil
		}
	case models.EventSourceStripeConnect:
		if s.secrets.Connect != "" {
			return s.secrets.Connect, nil
		}
	default:
		return "", fmt.Errorf("unknown webhook source %q: %w", source, apperr.ErrNotFound)
	}
	return "", fmt.Errorf("no webhook secret configured for %s", source)
}

// Handle verifies, deduplicates and applies one delivery. Errors wrap the
// apperr taxonomy; an error that maps to 500 is safe for the provider to
// redeliver.
func (s *Service) Handle(ctx context.Context, source string, payload []byte, signature string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		outcome := OutcomeFailed
		switch {
		case err == nil && res != nil:
			outcome = res.Outcome
		case apperr.IsTerminal(err):
			outcome = OutcomeRejected
		}
		metrics.WebhookEventsTotal.WithLabelValues(source, outcome).Inc()
		metrics.WebhookProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	secret, err := s.secret(source)
	if err != nil {
		return nil, err
	}
	if err := VerifyStripeSignature(payload, signature, secret, s.Tolerance, s.now()); err != nil {
		log.Warnf("[Webhook] Rejected %s delivery: %v", source, err)
		return nil, fmt.Errorf("%w: %w", apperr.ErrUnauthorized, err)
	}

	ev, err := ParseEvent(payload)
	if err != nil {
		return nil, err
	}
	res = &Result{EventID: ev.ID, EventType: ev.Type}

	seen, err := s.ledger.Seen(ctx, source, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup %s: %w", ev.ID, err)
	}
	if seen {
		log.Infof("[Webhook] %s event %s already processed", source, ev.ID)
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	if !ev.Handled() {
		res.Outcome = OutcomeSkipped
		res.Reason = "event type not handled"
		return res, nil
	}

	ref, err := ev.Payment()
	if err != nil {
		return nil, err
	}
	res.SubscriberID = ref.SubscriberID
	if !ref.Paid {
		res.Outcome = OutcomeSkipped
		res.Reason = "payment not completed"
		return res, nil
	}

	project, sub, plan, err := s.resolve(ctx, source, ev, ref)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, source, ev, project, sub, plan, res)
}

// resolve finds the owning project and subscriber and checks they belong
// together.
func (s *Service) resolve(ctx context.Context, source string, ev *Event, ref *PaymentRef) (*models.Project, *models.Subscriber, *models.Plan, error) {
	projects := s.engine.Projects

	var (
		project *models.Project
		err     error
	)
	if source == models.EventSourceStripeConnect {
		if ev.Account == "" {
			return nil, nil, nil, fmt.Errorf("connect event %s has no account: %w", ev.ID, apperr.ErrValidation)
		}
		project, err = projects.GetByStripeAccount(ctx, ev.Account)
		if err != nil {
			return nil, nil, nil, err
		}
		if ref.ProjectID != project.ID {
			return nil, nil, nil, tenantMismatch(ev, "project %d in metadata, account %s belongs to project %d", ref.ProjectID, ev.Account, project.ID)
		}
	} else {
		project, err = projects.GetByID(ctx, ref.ProjectID)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	sub, err := s.engine.Subscribers.GetByID(ctx, ref.SubscriberID)
	if err != nil {
		return nil, nil, nil, err
	}
	if sub.ProjectID != project.ID {
		return nil, nil, nil, tenantMismatch(ev, "subscriber %d belongs to project %d, not %d", sub.ID, sub.ProjectID, project.ID)
	}

	var plan *models.Plan
	if ref.PlanID != nil {
		plan, err = projects.GetPlan(ctx, *ref.PlanID)
		if err != nil {
			return nil, nil, nil, err
		}
		if plan.ProjectID != project.ID {
			return nil, nil, nil, tenantMismatch(ev, "plan %d belongs to project %d, not %d", plan.ID, plan.ProjectID, project.ID)
		}
	} else {
		plan, err = s.engine.PlanFor(ctx, sub)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return project, sub, plan, nil
}

// apply commits the ledger entry and the extension in one transaction and
// runs the follow-up effects after commit.
func (s *Service) apply(ctx context.Context, source string, ev *Event, project *models.Project, sub *models.Subscriber, plan *models.Plan, res *Result) (*Result, error) {
	entry := func(outcome string) *models.ProcessedEvent {
		return &models.ProcessedEvent{
			Source:       source,
			EventID:      ev.ID,
			EventType:    ev.Type,
			Outcome:      outcome,
			SubscriberID: &sub.ID,
			ProjectID:    &project.ID,
		}
	}

	var extra map[string]interface{}
	if plan != nil && (sub.PlanID == nil || *sub.PlanID != plan.ID) {
		extra = map[string]interface{}{"plan_id": plan.ID}
	}

	before, after, d, err := s.engine.TransitionWithin(ctx, sub.ID, lifecycle.EventPayment, plan, 0, extra, func(tx *gorm.DB, _ lifecycle.Decision) error {
		created, err := s.ledger.WithTx(tx).Record(ctx, entry(models.EventOutcomeApplied))
		if err != nil {
			return err
		}
		if !created {
			return errDuplicate
		}
		return nil
	})
	switch {
	case errors.Is(err, errDuplicate):
		log.Infof("[Webhook] %s event %s recorded by a concurrent delivery", source, ev.ID)
		res.Outcome = OutcomeDuplicate
		return res, nil
	case errors.Is(err, apperr.ErrConflict):
		// Payment for a subscriber that cannot take one, e.g. suspended.
		if _, lerr := s.ledger.Record(ctx, entry(models.EventOutcomeSkipped)); lerr != nil {
			return nil, fmt.Errorf("record skipped event %s: %w", ev.ID, lerr)
		}
		log.Warnf("[Webhook] %s event %s skipped: %v", source, ev.ID, err)
		res.Outcome = OutcomeSkipped
		res.Reason = "subscriber status does not accept payments"
		return res, nil
	case err != nil:
		log.Errorf("[Webhook] %s event %s failed: %v", source, ev.ID, err)
		return nil, fmt.Errorf("apply event %s: %w", ev.ID, err)
	}

	data := lifecycle.MessageData{ProjectName: project.Name, ExpiryDate: after.ExpiryDate}
	if plan != nil {
		data.PlanName = plan.Name
	}
	s.engine.Effects.Apply(ctx, d, after, project, data)

	s.engine.Audit.Record(ctx, audit.Entry{
		Actor:        audit.ActorWebhook,
		Action:       "payment:" + ev.Type,
		ResourceType: audit.ResourceSubscriber,
		ResourceID:   sub.ID,
		Before:       map[string]interface{}{"status": before.Status, "expiry_date": before.ExpiryDate},
		After:        map[string]interface{}{"status": after.Status, "expiry_date": after.ExpiryDate, "event_id": ev.ID},
	})
	log.Infof("[Webhook] %s event %s applied to subscriber %d (%s -> %s, expires %v)", source, ev.ID, sub.ID, before.Status, after.Status, after.ExpiryDate)
	res.Outcome = OutcomeApplied
	return res, nil
}

func tenantMismatch(ev *Event, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	log.Warnf("[Webhook] Cross-tenant event %s rejected: %s", ev.ID, msg)
	return fmt.Errorf("event %s: %s: %w", ev.ID, msg, apperr.ErrValidation)
}
