// Package lifecycletest wires an Engine against an in-memory database and
// gateway fakes.
package lifecycletest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/app/repository"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/audit"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/database/dbtest"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/failedops"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/gateway/gatewaytest"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/proofstore"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// BotToken is the plaintext credential seeded on every project.
const BotToken = "123456:test-token"

const ProofSecret = "proof-secret"

type Harness struct {
	DB       *gorm.DB
	Repos    *repository.Repositories
	Telegram *gatewaytest.Telegram
	Stripe   *gatewaytest.Stripe
	Proofs   *proofstore.MemoryStore
	Failures *failedops.Queue
	Audit    *audit.Recorder
	Retry    *retry.Executor
	Effects  *lifecycle.Effector
	Engine   *lifecycle.Engine
	Project  *models.Project
	Plan     *models.Plan

	mu  sync.Mutex
	now time.Time
}

// New returns a harness with one active project and a 30 day plan. The clock
// starts at 2026-05-10 12:00 UTC and only moves when told to.
func New(t testing.TB) *Harness {
	t.Helper()
	db := dbtest.New(t)
	h := &Harness{
		DB:       db,
		Repos:    repository.NewRepositories(db),
		Telegram: gatewaytest.NewTelegram(),
		Stripe:   &gatewaytest.Stripe{},
		Proofs:   proofstore.NewMemoryStore(),
		Audit:    audit.NewRecorder(db),
		Retry: retry.New(2, time.Millisecond, time.Second).WithSleep(func(context.Context, time.Duration) error {
			return nil
		}),
		now: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
	}
	h.Failures = failedops.New(db).WithClock(h.Now)
	h.Effects = &lifecycle.Effector{
		Messenger:   h.Telegram,
		Retry:       h.Retry,
		Subscribers: h.Repos.Subscriber,
		Failures:    h.Failures,
		InviteTTL:   72 * time.Hour,
		Now:         h.Now,
	}
	h.Engine = &lifecycle.Engine{
		DB:          db,
		Subscribers: h.Repos.Subscriber,
		Projects:    h.Repos.Project,
		Effects:     h.Effects,
		Audit:       h.Audit,
		Payments:    h.Stripe,
		Proofs:      h.Proofs,
		Config: lifecycle.Config{
			CheckoutSuccessURL: "https://example.test/paid",
			CheckoutCancelURL:  "https://example.test/cancel",
			PublicURL:          "https://example.test",
			ProofTokenSecret:   ProofSecret,
			ProofTokenTTL:      time.Hour,
			ProofMaxBytes:      1 << 20,
		},
		Now: h.Now,
	}
	h.Project, h.Plan = h.AddProject(t, "Alpha", -1001, "")
	return h
}

func (h *Harness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *Harness) SetNow(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = t.UTC()
}

func (h *Harness) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// AddProject seeds a project with a 30 day plan priced 9.99 usd. An empty
// stripeAccount leaves the project on the platform account.
func (h *Harness) AddProject(t testing.TB, name string, channelID int64, stripeAccount string) (*models.Project, *models.Plan) {
	t.Helper()
	project := &models.Project{OwnerID: 1, Name: name, ChannelID: channelID, BotTokenEnc: BotToken, IsActive: true}
	if stripeAccount != "" {
		project.StripeAccountID = &stripeAccount
	}
	require.NoError(t, h.DB.Create(project).Error)
	plan := &models.Plan{
		ProjectID:    project.ID,
		Name:         "Monthly",
		Price:        decimal.RequireFromString("9.99"),
		Currency:     "usd",
		DurationDays: 30,
		IsActive:     true,
	}
	require.NoError(t, h.DB.Create(plan).Error)
	return project, plan
}

// AddSubscriber inserts a subscriber of the default project. Mutators run
// before the insert.
func (h *Harness) AddSubscriber(t testing.TB, userID int64, status string, mutate ...func(*models.Subscriber)) *models.Subscriber {
	t.Helper()
	sub := &models.Subscriber{
		ProjectID:               h.Project.ID,
		PlanID:                  &h.Plan.ID,
		TelegramUserID:          userID,
		Status:                  status,
		ChannelMembershipStatus: models.MembershipUnknown,
	}
	for _, m := range mutate {
		m(sub)
	}
	require.NoError(t, h.Repos.Subscriber.Create(context.Background(), sub))
	return sub
}

// ExpiresIn sets an expiry relative to the harness clock.
func (h *Harness) ExpiresIn(d time.Duration) func(*models.Subscriber) {
	return func(s *models.Subscriber) {
		exp := h.Now().Add(d)
		start := h.Now().Add(-30 * 24 * time.Hour)
		s.ExpiryDate = &exp
		s.StartDate = &start
	}
}

// WithInvite stores an invite issued at the harness clock.
func (h *Harness) WithInvite(link string) func(*models.Subscriber) {
	return func(s *models.Subscriber) {
		issued := h.Now()
		s.InviteLink = link
		s.InviteLinkIssuedAt = &issued
	}
}

// Reload reads the subscriber back from the database.
func (h *Harness) Reload(t testing.TB, id uint) *models.Subscriber {
	t.Helper()
	sub, err := h.Repos.Subscriber.GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

// FailedOps returns every queued operation of a subscriber.
func (h *Harness) FailedOps(t testing.TB, subscriberID uint) []models.FailedOperation {
	t.Helper()
	var ops []models.FailedOperation
	require.NoError(t, h.DB.Where("subscriber_id = ?", subscriberID).Order("id").Find(&ops).Error)
	return ops
}
