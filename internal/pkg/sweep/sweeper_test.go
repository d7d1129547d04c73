package sweep

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/gateway/gatewaytest"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle/lifecycletest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userID int64 = 777

func newSweeper(h *lifecycletest.Harness) *Sweeper {
	return &Sweeper{
		Subscribers: h.Repos.Subscriber,
		Projects:    h.Repos.Project,
		Accounts:    h.Repos.AccountSubscription,
		Effects:     h.Effects,
		Audit:       h.Audit,
		Locker:      NewLocalLocker(),
		Workers:     2,
		BatchSize:   2,
		Now:         h.Now,
	}
}

// assertActiveInvariant checks that every active subscriber is either in
// date or owned by the drain.
func assertActiveInvariant(t *testing.T, h *lifecycletest.Harness) {
	t.Helper()
	var subs []models.Subscriber
	require.NoError(t, h.DB.Where("status = ?", models.SubscriberStatusActive).Find(&subs).Error)
	for _, s := range subs {
		require.NotNil(t, s.ExpiryDate, "subscriber %d", s.ID)
		if s.ExpiryDate.Before(h.Now()) {
			assert.NotEmpty(t, h.FailedOps(t, s.ID), "lapsed active subscriber %d has no queued operation", s.ID)
		}
	}
}

func TestExpirePassRevokesThenExpires(t *testing.T) {
	h := lifecycletest.New(t)
	h.Telegram.Members[userID] = models.MembershipMember
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(-time.Second), func(s *models.Subscriber) {
		s.ChannelJoined = true
		s.ChannelMembershipStatus = models.MembershipMember
	})

	report, err := newSweeper(h).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	stored := h.Reload(t, sub.ID)
	assert.Equal(t, models.SubscriberStatusExpired, stored.Status)
	assert.False(t, stored.ChannelJoined)
	assert.Equal(t, models.MembershipLeft, stored.ChannelMembershipStatus)
	assert.Equal(t, 1, h.Telegram.BanCount())

	msgs := h.Telegram.MessagesTo(userID)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "expired")
	assertActiveInvariant(t, h)
}

func TestThreeDayReminderIsSentOnce(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(2*24*time.Hour))
	s := newSweeper(h)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reminded3d)
	assert.Len(t, h.Telegram.MessagesTo(userID), 1)
	assert.True(t, h.Reload(t, sub.ID).ExpiryReminderSent)

	report, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Reminded3d)
	assert.Len(t, h.Telegram.MessagesTo(userID), 1)
}

func TestFinalReminderSetsBothFlags(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(12*time.Hour))

	report, err := newSweeper(h).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemindedFinal)
	assert.Zero(t, report.Reminded3d)

	stored := h.Reload(t, sub.ID)
	assert.True(t, stored.ExpiryReminderSent)
	assert.True(t, stored.FinalReminderSent)
	msgs := h.Telegram.MessagesTo(userID)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "24 hours")
}

func TestReminderFlagStaysUnsetWhenSendFails(t *testing.T) {
	h := lifecycletest.New(t)
	h.Telegram.SendErr = errors.New("network down")
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(2*24*time.Hour))

	report, err := newSweeper(h).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, h.Reload(t, sub.ID).ExpiryReminderSent)
}

func TestRevokeFaultKeepsSubscriberActive(t *testing.T) {
	h := lifecycletest.New(t)
	h.Telegram.SetBanErr(errors.New("telegram 502"))
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(-time.Minute))
	s := newSweeper(h)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queued)
	assert.Zero(t, report.Expired)

	assert.Equal(t, models.SubscriberStatusActive, h.Reload(t, sub.ID).Status)
	ops := h.FailedOps(t, sub.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, models.FailedActionKickExpired, ops[0].Action)
	assert.True(t, ops[0].NextRetryAt.Equal(h.Now().Add(5*time.Minute)))
	assert.Empty(t, h.Telegram.MessagesTo(userID), "no expiry message while access remains")

	// the drain owns the subscriber now
	report, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Queued)
	assert.Len(t, h.FailedOps(t, sub.ID), 1)
	assertActiveInvariant(t, h)
}

func TestExtendedSubscriberIsNotRemindedAgain(t *testing.T) {
	h := lifecycletest.New(t)
	h.Telegram.Members[userID] = models.MembershipMember
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(2*24*time.Hour))
	s := newSweeper(h)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, h.Telegram.MessagesTo(userID), 1)

	_, err = h.Engine.Extend(context.Background(), sub.ID, 30, "admin")
	require.NoError(t, err)
	require.Len(t, h.Telegram.MessagesTo(userID), 2)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Reminded3d)
	assert.Len(t, h.Telegram.MessagesTo(userID), 2)
}

func TestExpirePassPagesThroughAllRows(t *testing.T) {
	h := lifecycletest.New(t)
	for i := 0; i < 5; i++ {
		h.AddSubscriber(t, userID+int64(i), models.SubscriberStatusActive, h.ExpiresIn(-time.Hour))
	}
	h.AddSubscriber(t, 9999, models.SubscriberStatusActive, h.ExpiresIn(20*24*time.Hour))

	report, err := newSweeper(h).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Expired)
	assert.Equal(t, 5, h.Telegram.BanCount())

	var active int64
	require.NoError(t, h.DB.Model(&models.Subscriber{}).Where("status = ?", models.SubscriberStatusActive).Count(&active).Error)
	assert.Equal(t, int64(1), active)
}

func TestLockedSubscriberIsSkipped(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(-time.Hour))
	s := newSweeper(h)

	release, ok, err := s.Locker.TryLock(context.Background(), "subscriber:"+strconv.FormatUint(uint64(sub.ID), 10), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, models.SubscriberStatusActive, h.Reload(t, sub.ID).Status)

	release()
	report, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
}

func TestTrialPassExpiresLapsedAccounts(t *testing.T) {
	h := lifecycletest.New(t)
	past := h.Now().Add(-time.Hour)
	future := h.Now().Add(time.Hour)
	rows := []models.AccountSubscription{
		{OwnerID: 1, Tier: models.AccountTierPro, Status: models.AccountStatusTrialing, TrialEndsAt: &past},
		{OwnerID: 2, Tier: models.AccountTierPro, Status: models.AccountStatusTrialing, TrialEndsAt: &future},
		{OwnerID: 3, Tier: models.AccountTierPremium, Status: models.AccountStatusActive, CurrentPeriodEnd: &past},
	}
	require.NoError(t, h.DB.Create(&rows).Error)

	report, err := newSweeper(h).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.TrialsExpired)
	assert.Equal(t, int64(1), report.PeriodsExpired)

	first, err := h.Repos.AccountSubscription.GetByOwner(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusExpired, first.Status)
	assert.Equal(t, models.AccountTierFree, first.Tier)

	second, err := h.Repos.AccountSubscription.GetByOwner(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusTrialing, second.Status)
}

// renewingTelegram runs renew once while the first ban is in flight.
type renewingTelegram struct {
	*gatewaytest.Telegram
	renew func()
	once  sync.Once
}

func (m *renewingTelegram) BanThenUnban(ctx context.Context, botToken string, channelID, userID int64) error {
	m.once.Do(m.renew)
	return m.Telegram.BanThenUnban(ctx, botToken, channelID, userID)
}

func TestRenewalDuringRevokeRestoresAccess(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	h.Telegram.Members[userID] = models.MembershipMember
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(-time.Minute), h.WithInvite("https://t.me/+old"), func(s *models.Subscriber) {
		s.ChannelJoined = true
		s.ChannelMembershipStatus = models.MembershipMember
	})
	h.Effects.Messenger = &renewingTelegram{Telegram: h.Telegram, renew: func() {
		_, err := h.Engine.Extend(ctx, sub.ID, 30, "admin")
		assert.NoError(t, err)
	}}

	report, err := newSweeper(h).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
	assert.Equal(t, 1, report.Skipped)

	stored := h.Reload(t, sub.ID)
	assert.Equal(t, models.SubscriberStatusActive, stored.Status)
	require.NotNil(t, stored.ExpiryDate)
	assert.True(t, stored.ExpiryDate.After(h.Now()))
	assert.Equal(t, 1, h.Telegram.BanCount())
	assert.Contains(t, h.Telegram.Revoked, "https://t.me/+old")
	assert.Equal(t, "https://t.me/+invite1", stored.InviteLink, "the revoked link is replaced")
	assert.False(t, stored.ChannelJoined)
	assert.Equal(t, models.MembershipLeft, stored.ChannelMembershipStatus)

	msgs := h.Telegram.MessagesTo(userID)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.NotNil(t, last.Keyboard)
	assert.Equal(t, stored.InviteLink, last.Keyboard.Rows[0][0].URL)
	assert.Empty(t, h.FailedOps(t, sub.ID))
}

func TestParkedKickDoesNotBlockLaterExpiry(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	sub := queueKick(t, h)
	ops := h.FailedOps(t, sub.ID)
	require.NoError(t, h.Failures.FlagManual(ctx, ops[0].ID, "telegram keeps failing"))

	report, err := newSweeper(h).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, models.SubscriberStatusExpired, h.Reload(t, sub.ID).Status)
}

func TestRenewedSubscriberWithParkedKickLapsesAgain(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	sub := queueKick(t, h)
	ops := h.FailedOps(t, sub.ID)
	require.NoError(t, h.DB.Model(&ops[0]).Updates(map[string]interface{}{
		"status":   models.FailedOpStatusManualIntervention,
		"attempts": ops[0].MaxAttempts,
	}).Error)

	_, err := h.Engine.Extend(ctx, sub.ID, 30, "admin")
	require.NoError(t, err)

	drained, err := newDrainer(h).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Obsolete)
	assert.Empty(t, h.FailedOps(t, sub.ID))

	h.Advance(31 * 24 * time.Hour)
	report, err := newSweeper(h).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, models.SubscriberStatusExpired, h.Reload(t, sub.ID).Status)
	assertActiveInvariant(t, h)
}
