package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/app/repository"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/audit"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/failedops"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/gateway"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/metrics"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/retry"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/security"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CheckoutCreator creates hosted payment sessions.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, p gateway.CheckoutParams) (*gateway.CheckoutSession, error)
}

// ProofStore keeps uploaded payment proofs.
type ProofStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

type Config struct {
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	// PublicURL and ProofTokenSecret enable upload links in manual payment
	// instructions.
	PublicURL        string
	ProofTokenSecret string
	ProofTokenTTL    time.Duration
	ProofMaxBytes    int64
}

// Engine applies collaborator actions to subscribers. Each action is one
// transaction: lock the row, decide on the locked state, persist with a
// conditional update. Side effects run after commit.
type Engine struct {
	DB          *gorm.DB
	Subscribers repository.SubscriberRepository
	Projects    repository.ProjectRepository
	Effects     *Effector
	Audit       *audit.Recorder
	Payments    CheckoutCreator
	Proofs      ProofStore
	Config      Config
	Now         func() time.Time
}

var allowedProofTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Get returns the current subscriber record.
func (e *Engine) Get(ctx context.Context, id uint) (*models.Subscriber, error) {
	return e.Subscribers.GetByID(ctx, id)
}

type CreateRequest struct {
	ProjectID        uint   `json:"project_id" validate:"required"`
	PlanID           *uint  `json:"plan_id"`
	TelegramUserID   int64  `json:"telegram_user_id" validate:"required"`
	TelegramUsername string `json:"telegram_username" validate:"max=64"`
	Status           string `json:"status" validate:"omitempty,oneof=pending_payment pending_approval"`
}

// CreateManual adds a subscriber on behalf of an admin.
func (e *Engine) CreateManual(ctx context.Context, req CreateRequest, actor string) (*models.Subscriber, error) {
	project, plan, err := e.resolveOffer(ctx, req.ProjectID, req.PlanID)
	if err != nil {
		return nil, err
	}
	if existing, err := e.Subscribers.GetByProjectAndUser(ctx, project.ID, req.TelegramUserID); err == nil {
		if existing.Status != models.SubscriberStatusExpired && existing.Status != models.SubscriberStatusRejected {
			return nil, fmt.Errorf("user %d already has subscriber %d (%s): %w", req.TelegramUserID, existing.ID, existing.Status, apperr.ErrConflict)
		}
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	status := req.Status
	if status == "" {
		status = models.SubscriberStatusPendingApproval
	}
	sub := &models.Subscriber{
		ProjectID:               project.ID,
		TelegramUserID:          req.TelegramUserID,
		TelegramUsername:        strings.TrimPrefix(strings.TrimSpace(req.TelegramUsername), "@"),
		Status:                  status,
		ChannelMembershipStatus: models.MembershipUnknown,
	}
	if plan != nil {
		sub.PlanID = &plan.ID
	}
	if err := e.Subscribers.Create(ctx, sub); err != nil {
		return nil, err
	}
	e.Audit.Record(ctx, audit.Entry{Actor: actor, Action: "create", ResourceType: audit.ResourceSubscriber, ResourceID: sub.ID, After: snapshot(sub)})
	log.Infof("[Engine] Subscriber %d created for user %d in project %d (%s)", sub.ID, sub.TelegramUserID, project.ID, status)
	return sub, nil
}

// Approve activates a subscriber waiting for approval and grants access.
func (e *Engine) Approve(ctx context.Context, id uint, actor string) (*models.Subscriber, error) {
	return e.act(ctx, id, EventApprove, 0, nil, actor, MessageData{})
}

// Reject declines a pending subscriber.
func (e *Engine) Reject(ctx context.Context, id uint, reason, actor string) (*models.Subscriber, error) {
	reason = truncate(strings.TrimSpace(reason), 500)
	return e.act(ctx, id, EventReject, 0, map[string]interface{}{"rejection_reason": reason}, actor, MessageData{Reason: reason})
}

// Extend adds days to an active subscription, counted from
// max(current expiry, now).
func (e *Engine) Extend(ctx context.Context, id uint, days int, actor string) (*models.Subscriber, error) {
	if days <= 0 {
		return nil, fmt.Errorf("extend by %d days: %w", days, apperr.ErrValidation)
	}
	return e.act(ctx, id, EventExtend, days, nil, actor, MessageData{})
}

// Reactivate restores an expired, rejected or suspended subscriber with a
// new invite. days overrides the plan duration when positive.
func (e *Engine) Reactivate(ctx context.Context, id uint, days int, actor string) (*models.Subscriber, error) {
	return e.act(ctx, id, EventReactivate, days, nil, actor, MessageData{})
}

// Suspend removes access first and only then records the suspension.
func (e *Engine) Suspend(ctx context.Context, id uint, reason, actor string) (*models.Subscriber, error) {
	sub, err := e.Subscribers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	pre := Decide(Input{Subscriber: sub, Event: EventSuspend, Now: e.now()})
	if !pre.Allowed {
		return nil, denied(pre, id)
	}
	if pre.Has(EffectRevokeAccess) {
		project, err := e.Projects.GetByID(ctx, sub.ProjectID)
		if err != nil {
			return nil, err
		}
		if err := e.Effects.RevokeAccess(ctx, sub, project); err != nil {
			return nil, fmt.Errorf("suspend subscriber %d: revoke failed: %w: %w", id, apperr.ErrTransient, err)
		}
	}

	reason = truncate(strings.TrimSpace(reason), 500)
	extra := map[string]interface{}{
		"suspended_by":      truncate(actor, 100),
		"suspension_reason": reason,
	}
	if pre.Has(EffectRevokeAccess) {
		extra["channel_joined"] = false
		extra["channel_membership_status"] = models.MembershipLeft
	}
	return e.act(ctx, id, EventSuspend, 0, extra, actor, MessageData{Reason: reason})
}

// RequestManualPayment switches a pending subscriber to the proof-of-payment
// flow and sends upload instructions. It returns the upload URL, if any.
func (e *Engine) RequestManualPayment(ctx context.Context, id uint, actor string) (*models.Subscriber, string, error) {
	sub, err := e.Subscribers.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	uploadURL := e.proofUploadURL(sub)
	out, err := e.act(ctx, id, EventRequestManualPayment, 0, nil, actor, MessageData{UploadURL: uploadURL})
	return out, uploadURL, err
}

type ProofUpload struct {
	Body        io.Reader
	Size        int64
	ContentType string
	Filename    string
}

// SubmitProof stores a payment proof and queues the subscriber for approval.
func (e *Engine) SubmitProof(ctx context.Context, id uint, upload ProofUpload, actor string) (*models.Subscriber, error) {
	if e.Proofs == nil {
		return nil, fmt.Errorf("proof storage is not configured: %w", apperr.ErrTransient)
	}
	sub, err := e.Subscribers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := Next(sub.Status, EventSubmitProof); !ok {
		return nil, fmt.Errorf("subscriber %d cannot submit proof from %s: %w", id, sub.Status, apperr.ErrConflict)
	}

	ctype := strings.ToLower(strings.TrimSpace(strings.SplitN(upload.ContentType, ";", 2)[0]))
	ext, ok := allowedProofTypes[ctype]
	if !ok {
		return nil, fmt.Errorf("proof content type %q: %w", upload.ContentType, apperr.ErrValidation)
	}
	if upload.Size <= 0 || (e.Config.ProofMaxBytes > 0 && upload.Size > e.Config.ProofMaxBytes) {
		return nil, fmt.Errorf("proof size %d: %w", upload.Size, apperr.ErrValidation)
	}

	key := path.Join("proofs", strconv.FormatUint(uint64(sub.ProjectID), 10), strconv.FormatUint(uint64(sub.ID), 10), uuid.NewString()+ext)
	if err := e.Proofs.Put(ctx, key, upload.Body, upload.Size, ctype); err != nil {
		return nil, fmt.Errorf("store proof of subscriber %d: %w: %w", id, apperr.ErrTransient, err)
	}
	return e.act(ctx, id, EventSubmitProof, 0, map[string]interface{}{"payment_proof_key": key}, actor, MessageData{})
}

type CheckoutRequest struct {
	ProjectID        uint   `json:"project_id" validate:"required"`
	PlanID           *uint  `json:"plan_id"`
	TelegramUserID   int64  `json:"telegram_user_id" validate:"required"`
	TelegramUsername string `json:"telegram_username" validate:"max=64"`
}

type CheckoutResult struct {
	Subscriber *models.Subscriber `json:"subscriber"`
	SessionID  string             `json:"session_id"`
	URL        string             `json:"url"`
}

// StartCheckout finds or creates the subscriber and opens a payment session
// on the project's connected account. Activation happens on the webhook.
func (e *Engine) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if e.Payments == nil {
		return nil, fmt.Errorf("payments are not configured: %w", apperr.ErrTransient)
	}
	project, plan, err := e.resolveOffer(ctx, req.ProjectID, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("project %d has no active plan: %w", project.ID, apperr.ErrValidation)
	}

	sub, err := e.Subscribers.GetByProjectAndUser(ctx, project.ID, req.TelegramUserID)
	switch {
	case err == nil:
		if sub.Status == models.SubscriberStatusSuspended {
			return nil, fmt.Errorf("subscriber %d is suspended: %w", sub.ID, apperr.ErrForbidden)
		}
	case errors.Is(err, apperr.ErrNotFound):
		sub = &models.Subscriber{
			ProjectID:               project.ID,
			PlanID:                  &plan.ID,
			TelegramUserID:          req.TelegramUserID,
			TelegramUsername:        strings.TrimPrefix(strings.TrimSpace(req.TelegramUsername), "@"),
			Status:                  models.SubscriberStatusPendingPayment,
			ChannelMembershipStatus: models.MembershipUnknown,
		}
		if err := e.Subscribers.Create(ctx, sub); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	params := gateway.CheckoutParams{
		ConnectedAccount:  project.ConnectedAccount(),
		ProductName:       fmt.Sprintf("%s - %s", project.Name, plan.Name),
		Currency:          plan.Currency,
		UnitAmount:        plan.UnitAmount(),
		SuccessURL:        e.Config.CheckoutSuccessURL,
		CancelURL:         e.Config.CheckoutCancelURL,
		ClientReferenceID: strconv.FormatUint(uint64(sub.ID), 10),
		Metadata: map[string]string{
			"subscriber_id":    strconv.FormatUint(uint64(sub.ID), 10),
			"project_id":       strconv.FormatUint(uint64(project.ID), 10),
			"plan_id":          strconv.FormatUint(uint64(plan.ID), 10),
			"telegram_user_id": strconv.FormatInt(sub.TelegramUserID, 10),
		},
		IdempotencyKey: "checkout-" + uuid.NewString(),
	}
	session, err := retry.DoValue(ctx, e.Effects.executor(), "create_checkout_session", func(ctx context.Context) (*gateway.CheckoutSession, error) {
		return e.Payments.CreateCheckoutSession(ctx, params)
	})
	observe("create_checkout_session", err)
	if err != nil {
		return nil, fmt.Errorf("checkout for subscriber %d: %w: %w", sub.ID, apperr.ErrTransient, err)
	}
	if err := e.Subscribers.SetCheckoutSession(ctx, sub.ID, session.ID); err != nil {
		log.Warnf("[Engine] Could not store checkout session %s on subscriber %d: %v", session.ID, sub.ID, err)
	}
	sub.CheckoutSessionID = session.ID
	return &CheckoutResult{Subscriber: sub, SessionID: session.ID, URL: session.URL}, nil
}

// SyncMembership refreshes the observed membership and corrects it against
// the billing status: non-active members are removed, active users outside
// the channel get a usable invite.
func (e *Engine) SyncMembership(ctx context.Context, id uint) (*models.Subscriber, error) {
	sub, err := e.Subscribers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := e.Projects.GetByID(ctx, sub.ProjectID)
	if err != nil {
		return nil, err
	}
	status, err := e.Effects.ObserveMembership(ctx, sub, project)
	if err != nil {
		return nil, fmt.Errorf("membership of subscriber %d: %w: %w", id, apperr.ErrTransient, err)
	}

	switch {
	case !sub.IsActive() && (status == models.MembershipMember || status == models.MembershipRestricted):
		if err := e.Effects.RevokeAccess(ctx, sub, project); err != nil {
			return nil, fmt.Errorf("remove non-active subscriber %d: %w: %w", id, apperr.ErrTransient, err)
		}
		if err := e.Subscribers.UpdateMembership(ctx, id, models.MembershipLeft, false, e.now()); err != nil {
			return nil, err
		}
		log.Infof("[Engine] Removed subscriber %d (%s) found in channel %d", id, sub.Status, project.ChannelID)
	case sub.IsActive() && !gateway.IsInChannel(status):
		if link := e.Effects.EnsureAccess(ctx, sub, project, false, EffectNotifyInvite); link != "" {
			text, kb := Render(EffectNotifyInvite, MessageData{ProjectName: project.Name, InviteLink: link})
			e.Effects.Notify(ctx, sub, project, text, kb)
		}
	}
	return e.Subscribers.GetByID(ctx, id)
}

// act runs one event end to end.
func (e *Engine) act(ctx context.Context, id uint, ev Event, days int, extra map[string]interface{}, actor string, data MessageData) (*models.Subscriber, error) {
	current, err := e.Subscribers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := e.Projects.GetByID(ctx, current.ProjectID)
	if err != nil {
		return nil, err
	}
	plan, err := e.PlanFor(ctx, current)
	if err != nil {
		return nil, err
	}

	before, after, d, err := e.Transition(ctx, id, ev, plan, days, extra)
	if err != nil {
		return nil, err
	}

	data.ProjectName = project.Name
	if plan != nil {
		data.PlanName = plan.Name
	}
	data.ExpiryDate = after.ExpiryDate
	e.Effects.Apply(ctx, d, after, project, data)

	e.Audit.Record(ctx, audit.Entry{
		Actor:        actor,
		Action:       string(ev),
		ResourceType: audit.ResourceSubscriber,
		ResourceID:   id,
		Before:       snapshot(before),
		After:        snapshot(after),
	})
	log.Infof("[Engine] %s applied to subscriber %d by %s (%s -> %s)", ev, id, actor, before.Status, after.Status)
	return after, nil
}

// Transition locks the subscriber, decides on the locked row and persists the
// decision with a conditional update, all in one transaction.
func (e *Engine) Transition(ctx context.Context, id uint, ev Event, plan *models.Plan, days int, extra map[string]interface{}) (*models.Subscriber, *models.Subscriber, Decision, error) {
	return e.TransitionWithin(ctx, id, ev, plan, days, extra, nil)
}

// TransitionWithin is Transition with a hook that runs in the same
// transaction after the update. A hook error rolls the transition back.
func (e *Engine) TransitionWithin(ctx context.Context, id uint, ev Event, plan *models.Plan, days int, extra map[string]interface{}, within func(tx *gorm.DB, d Decision) error) (*models.Subscriber, *models.Subscriber, Decision, error) {
	var (
		before, after *models.Subscriber
		d             Decision
	)
	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subs := e.Subscribers.WithTx(tx)
		locked, err := subs.LockByID(ctx, id)
		if err != nil {
			return err
		}
		d = Decide(Input{Subscriber: locked, Plan: plan, Event: ev, Now: e.now(), Days: days})
		if !d.Allowed {
			return denied(d, id)
		}
		for k, v := range extra {
			d.Changes[k] = v
		}
		if err := subs.TransitionStatus(ctx, id, AllowedFrom(ev), d.Changes); err != nil {
			return err
		}
		if renews(d) {
			// a kick left over from the lapsed period may have banned the user
			n, err := failedops.Reopen(ctx, tx, id, models.FailedActionKickExpired, e.now())
			if err != nil {
				return fmt.Errorf("hand kick of subscriber %d back to the drain: %w", id, err)
			}
			if n > 0 {
				log.Infof("[Engine] Subscriber %d renewed with a pending kick, drain will lift it", id)
			}
		}
		if within != nil {
			if err := within(tx, d); err != nil {
				return err
			}
		}
		after, err = subs.GetByID(ctx, id)
		if err != nil {
			return err
		}
		before = locked
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			metrics.ConflictsTotal.WithLabelValues(string(ev)).Inc()
			log.Infof("[Engine] %s on subscriber %d skipped: %v", ev, id, err)
		}
		return nil, nil, d, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(ev)).Inc()
	return before, after, d, nil
}

// PlanFor returns the subscriber's plan, or the project's default plan when
// none is set. A project without plans yields nil.
func (e *Engine) PlanFor(ctx context.Context, sub *models.Subscriber) (*models.Plan, error) {
	if sub.PlanID != nil {
		return e.Projects.GetPlan(ctx, *sub.PlanID)
	}
	plan, err := e.Projects.DefaultPlan(ctx, sub.ProjectID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return plan, err
}

func (e *Engine) resolveOffer(ctx context.Context, projectID uint, planID *uint) (*models.Project, *models.Plan, error) {
	project, err := e.Projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	if !project.IsActive {
		return nil, nil, fmt.Errorf("project %d is not active: %w", projectID, apperr.ErrValidation)
	}
	if planID == nil {
		plan, err := e.Projects.DefaultPlan(ctx, project.ID)
		if errors.Is(err, apperr.ErrNotFound) {
			return project, nil, nil
		}
		return project, plan, err
	}
	plan, err := e.Projects.GetPlan(ctx, *planID)
	if err != nil {
		return nil, nil, err
	}
	if plan.ProjectID != project.ID || !plan.IsActive {
		return nil, nil, fmt.Errorf("plan %d is not offered by project %d: %w", plan.ID, project.ID, apperr.ErrValidation)
	}
	return project, plan, nil
}

func (e *Engine) proofUploadURL(sub *models.Subscriber) string {
	if e.Proofs == nil || e.Config.ProofTokenSecret == "" || e.Config.PublicURL == "" {
		return ""
	}
	ttl := e.Config.ProofTokenTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	token, err := security.GenerateProofToken(sub.ID, sub.ProjectID, e.Config.ProofMaxBytes, ttl, e.Config.ProofTokenSecret)
	if err != nil {
		log.Warnf("[Engine] Proof token for subscriber %d failed: %v", sub.ID, err)
		return ""
	}
	return strings.TrimRight(e.Config.PublicURL, "/") + "/proofs/" + token
}

// renews reports whether the decision leaves the subscriber active with a
// new expiry.
func renews(d Decision) bool {
	if d.Next != models.SubscriberStatusActive {
		return false
	}
	_, ok := d.Changes["expiry_date"]
	return ok
}

func denied(d Decision, id uint) error {
	if d.Next == "" {
		return fmt.Errorf("subscriber %d: %s: %w", id, d.Reason, apperr.ErrConflict)
	}
	return fmt.Errorf("subscriber %d: %s: %w", id, d.Reason, apperr.ErrValidation)
}

func snapshot(sub *models.Subscriber) map[string]interface{} {
	if sub == nil {
		return nil
	}
	return map[string]interface{}{
		"status":               sub.Status,
		"expiry_date":          sub.ExpiryDate,
		"expiry_reminder_sent": sub.ExpiryReminderSent,
		"final_reminder_sent":  sub.FinalReminderSent,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
