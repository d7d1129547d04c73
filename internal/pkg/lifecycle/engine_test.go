package lifecycle_test

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle/lifecycletest"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const userID int64 = 424242

func TestApproveGrantsInviteAndNotifies(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingApproval)

	out, err := h.Engine.Approve(ctx, sub.ID, "admin")
	require.NoError(t, err)

	assert.Equal(t, models.SubscriberStatusActive, out.Status)
	require.NotNil(t, out.ExpiryDate)
	assert.True(t, out.ExpiryDate.Equal(h.Now().Add(30*24*time.Hour)))

	stored := h.Reload(t, sub.ID)
	assert.Equal(t, "https://t.me/+invite1", stored.InviteLink)
	assert.Equal(t, models.SubscriberStatusActive, stored.Status)

	msgs := h.Telegram.MessagesTo(userID)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Alpha")
	require.NotNil(t, msgs[0].Keyboard)
	assert.Equal(t, "https://t.me/+invite1", msgs[0].Keyboard.Rows[0][0].URL)

	var records int64
	require.NoError(t, h.DB.Model(&models.AuditRecord{}).Where("resource_id = ? AND action = ?", strconv.FormatUint(uint64(sub.ID), 10), "approve").Count(&records).Error)
	assert.Equal(t, int64(1), records)
}

func TestApproveFromWrongStateIsConflictWithoutMessages(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(10*24*time.Hour))

	_, err := h.Engine.Approve(context.Background(), sub.ID, "admin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.Empty(t, h.Telegram.Messages)
	assert.Zero(t, h.Telegram.InviteCount())
}

func TestApproveUnknownSubscriber(t *testing.T) {
	h := lifecycletest.New(t)
	_, err := h.Engine.Approve(context.Background(), 999, "admin")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestRejectStoresReason(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusAwaitingProof)

	out, err := h.Engine.Reject(context.Background(), sub.ID, "  blurry receipt ", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatusRejected, out.Status)
	assert.Equal(t, "blurry receipt", out.RejectionReason)

	msgs := h.Telegram.MessagesTo(userID)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "blurry receipt")
}

func TestExtendCountsFromLaterOfExpiryAndNow(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	h.Telegram.Members[userID] = models.MembershipMember

	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(2*24*time.Hour), func(s *models.Subscriber) {
		s.ExpiryReminderSent = true
		s.FinalReminderSent = true
	})

	out, err := h.Engine.Extend(ctx, sub.ID, 10, "admin")
	require.NoError(t, err)
	assert.True(t, out.ExpiryDate.Equal(h.Now().Add(12*24*time.Hour)))
	assert.False(t, out.ExpiryReminderSent)
	assert.False(t, out.FinalReminderSent)
	assert.Zero(t, h.Telegram.InviteCount(), "member already in channel")

	_, err = h.Engine.Extend(ctx, sub.ID, 0, "admin")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestExtendIssuesInviteWhenUserLeftChannel(t *testing.T) {
	h := lifecycletest.New(t)
	h.Telegram.Members[userID] = models.MembershipLeft
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(time.Hour))

	_, err := h.Engine.Extend(context.Background(), sub.ID, 5, "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, h.Telegram.InviteCount())

	stored := h.Reload(t, sub.ID)
	assert.Equal(t, models.MembershipLeft, stored.ChannelMembershipStatus)
	assert.NotEmpty(t, stored.InviteLink)
}

func TestReactivateSuspendedIssuesFreshInvite(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	old := "https://t.me/+old"
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusSuspended, h.WithInvite(old), func(s *models.Subscriber) {
		now := h.Now()
		s.SuspendedAt = &now
		s.SuspendedBy = "admin"
		s.SuspensionReason = "chargeback"
	})

	out, err := h.Engine.Reactivate(ctx, sub.ID, 0, "admin")
	require.NoError(t, err)

	assert.Equal(t, models.SubscriberStatusActive, out.Status)
	assert.Nil(t, out.SuspendedAt)
	assert.Empty(t, out.SuspensionReason)

	stored := h.Reload(t, sub.ID)
	assert.NotEqual(t, old, stored.InviteLink)
	assert.Equal(t, "https://t.me/+invite1", stored.InviteLink)
	assert.Contains(t, h.Telegram.Revoked, old)
	assert.True(t, stored.ExpiryDate.Equal(h.Now().Add(30*24*time.Hour)))

	msgs := h.Telegram.MessagesTo(userID)
	require.Len(t, msgs, 1)
	assert.Equal(t, stored.InviteLink, msgs[0].Keyboard.Rows[0][0].URL)
}

func TestSuspendRevokesBeforeRecording(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(10*24*time.Hour))

	h.Telegram.SetBanErr(errors.New("connection reset"))
	_, err := h.Engine.Suspend(ctx, sub.ID, "abuse", "admin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransient))
	assert.Equal(t, models.SubscriberStatusActive, h.Reload(t, sub.ID).Status)

	h.Telegram.SetBanErr(nil)
	out, err := h.Engine.Suspend(ctx, sub.ID, "abuse", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatusSuspended, out.Status)
	assert.Equal(t, "abuse", out.SuspensionReason)
	assert.Equal(t, "admin", out.SuspendedBy)
	assert.False(t, out.ChannelJoined)
	assert.Equal(t, 1, h.Telegram.BanCount())
}

func TestSuspendClearsRevokedInvite(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(10*24*time.Hour), h.WithInvite("https://t.me/+old"))

	out, err := h.Engine.Suspend(context.Background(), sub.ID, "chargeback", "admin")
	require.NoError(t, err)
	assert.Contains(t, h.Telegram.Revoked, "https://t.me/+old")
	assert.Empty(t, out.InviteLink)
	assert.Nil(t, out.InviteLinkIssuedAt)
	assert.False(t, out.HasInvite())
}

func TestRenewalReopensParkedKick(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(-time.Hour))
	op, err := h.Failures.Enqueue(ctx, sub.ID, models.FailedActionKickExpired, lifecycle.KickPayload{TelegramUserID: userID}, errors.New("502"))
	require.NoError(t, err)
	require.NoError(t, h.DB.Model(op).Updates(map[string]interface{}{
		"status":   models.FailedOpStatusManualIntervention,
		"attempts": op.MaxAttempts,
	}).Error)

	_, err = h.Engine.Extend(ctx, sub.ID, 30, "admin")
	require.NoError(t, err)

	ops := h.FailedOps(t, sub.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, models.FailedOpStatusPending, ops[0].Status)
	assert.Zero(t, ops[0].Attempts)
	assert.False(t, ops[0].NextRetryAt.After(h.Now()))
}

func TestProofUploadsNeedAStore(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	h.Engine.Proofs = nil
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingPayment)

	_, uploadURL, err := h.Engine.RequestManualPayment(ctx, sub.ID, "admin")
	require.NoError(t, err)
	assert.Empty(t, uploadURL, "no upload link without durable storage")

	_, err = h.Engine.SubmitProof(ctx, sub.ID, lifecycle.ProofUpload{Body: bytes.NewReader([]byte("%PDF")), Size: 4, ContentType: "application/pdf"}, "user")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransient))
	assert.Equal(t, models.SubscriberStatusAwaitingProof, h.Reload(t, sub.ID).Status)
}

func TestSuspendPendingSkipsRevoke(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingApproval)

	out, err := h.Engine.Suspend(context.Background(), sub.ID, "", "admin")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatusSuspended, out.Status)
	assert.Zero(t, h.Telegram.BanCount())
}

func TestGrantFailureQueuesGrantAccess(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingApproval)
	h.Telegram.SetInviteErr(errors.New("telegram down"))

	out, err := h.Engine.Approve(context.Background(), sub.ID, "admin")
	require.NoError(t, err, "billing state commits even when access cannot be granted yet")
	assert.Equal(t, models.SubscriberStatusActive, out.Status)

	ops := h.FailedOps(t, sub.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, models.FailedActionGrantAccess, ops[0].Action)
	assert.Equal(t, models.FailedOpStatusPending, ops[0].Status)
	assert.Contains(t, string(ops[0].Payload), `"notify":"notify_approved"`)
	assert.Empty(t, h.Telegram.Messages, "approval message waits for the invite")
}

func TestCreateManualRejectsLiveDuplicate(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	req := lifecycle.CreateRequest{ProjectID: h.Project.ID, TelegramUserID: userID, TelegramUsername: "@alice"}

	sub, err := h.Engine.CreateManual(ctx, req, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatusPendingApproval, sub.Status)
	assert.Equal(t, "alice", sub.TelegramUsername)
	require.NotNil(t, sub.PlanID)
	assert.Equal(t, h.Plan.ID, *sub.PlanID)

	_, err = h.Engine.CreateManual(ctx, req, "admin")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestManualPaymentAndProofFlow(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusPendingPayment)

	out, uploadURL, err := h.Engine.RequestManualPayment(ctx, sub.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatusAwaitingProof, out.Status)
	require.True(t, strings.HasPrefix(uploadURL, "https://example.test/proofs/"))

	claims, err := security.VerifyProofToken(strings.TrimPrefix(uploadURL, "https://example.test/proofs/"), lifecycletest.ProofSecret)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, claims.SubscriberID)

	msgs := h.Telegram.MessagesTo(userID)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Keyboard)
	assert.Equal(t, uploadURL, msgs[0].Keyboard.Rows[0][0].URL)

	_, err = h.Engine.SubmitProof(ctx, sub.ID, lifecycle.ProofUpload{Body: bytes.NewReader([]byte("x")), Size: 1, ContentType: "text/plain"}, "user")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	body := []byte("%PDF-1.4 receipt")
	out, err = h.Engine.SubmitProof(ctx, sub.ID, lifecycle.ProofUpload{
		Body:        bytes.NewReader(body),
		Size:        int64(len(body)),
		ContentType: "application/pdf",
		Filename:    "receipt.pdf",
	}, "user")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriberStatusPendingApproval, out.Status)
	assert.True(t, strings.HasSuffix(out.PaymentProofKey, ".pdf"))
	require.NotNil(t, out.PaymentProofUploadedAt)

	obj, ok := h.Proofs.Get(out.PaymentProofKey)
	require.True(t, ok)
	assert.Equal(t, body, obj.Data)

	_, err = h.Engine.SubmitProof(ctx, sub.ID, lifecycle.ProofUpload{Body: bytes.NewReader(body), Size: int64(len(body)), ContentType: "application/pdf"}, "user")
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestStartCheckoutCreatesPendingSubscriber(t *testing.T) {
	h := lifecycletest.New(t)
	ctx := context.Background()
	project, plan := h.AddProject(t, "Beta", -1002, "acct_beta")

	res, err := h.Engine.StartCheckout(ctx, lifecycle.CheckoutRequest{ProjectID: project.ID, TelegramUserID: userID})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", res.SessionID)
	assert.Equal(t, models.SubscriberStatusPendingPayment, res.Subscriber.Status)

	require.Len(t, h.Stripe.Sessions, 1)
	params := h.Stripe.Sessions[0]
	assert.Equal(t, "acct_beta", params.ConnectedAccount)
	assert.Equal(t, int64(999), params.UnitAmount)
	assert.Equal(t, "Beta - Monthly", params.ProductName)
	assert.Equal(t, strconv.FormatUint(uint64(res.Subscriber.ID), 10), params.Metadata["subscriber_id"])
	assert.Equal(t, strconv.FormatUint(uint64(project.ID), 10), params.Metadata["project_id"])
	assert.Equal(t, plan.ID, *res.Subscriber.PlanID)

	stored := h.Reload(t, res.Subscriber.ID)
	assert.Equal(t, "cs_test_1", stored.CheckoutSessionID)

	again, err := h.Engine.StartCheckout(ctx, lifecycle.CheckoutRequest{ProjectID: project.ID, TelegramUserID: userID})
	require.NoError(t, err)
	assert.Equal(t, res.Subscriber.ID, again.Subscriber.ID, "existing subscriber is reused")
}

func TestStartCheckoutRefusesSuspended(t *testing.T) {
	h := lifecycletest.New(t)
	h.AddSubscriber(t, userID, models.SubscriberStatusSuspended)

	_, err := h.Engine.StartCheckout(context.Background(), lifecycle.CheckoutRequest{ProjectID: h.Project.ID, TelegramUserID: userID})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	assert.Empty(t, h.Stripe.Sessions)
}

func TestSyncMembershipRemovesNonActiveMember(t *testing.T) {
	h := lifecycletest.New(t)
	h.Telegram.Members[userID] = models.MembershipMember
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusExpired)

	out, err := h.Engine.SyncMembership(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Telegram.BanCount())
	assert.Equal(t, models.MembershipLeft, out.ChannelMembershipStatus)
	assert.False(t, out.ChannelJoined)
}

func TestSyncMembershipRecordsActiveMember(t *testing.T) {
	h := lifecycletest.New(t)
	h.Telegram.Members[userID] = models.MembershipMember
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(24*time.Hour*5))

	out, err := h.Engine.SyncMembership(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Zero(t, h.Telegram.BanCount())
	assert.True(t, out.ChannelJoined)
	assert.Equal(t, models.MembershipMember, out.ChannelMembershipStatus)
	require.NotNil(t, out.LastMembershipCheck)
}

func TestSyncMembershipSendsInviteToActiveNonMember(t *testing.T) {
	h := lifecycletest.New(t)
	sub := h.AddSubscriber(t, userID, models.SubscriberStatusActive, h.ExpiresIn(5*24*time.Hour))

	out, err := h.Engine.SyncMembership(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipNeverJoined, out.ChannelMembershipStatus)
	assert.Equal(t, "https://t.me/+invite1", out.InviteLink)

	msgs := h.Telegram.MessagesTo(userID)
	require.Len(t, msgs, 1)
	assert.Equal(t, out.InviteLink, msgs[0].Keyboard.Rows[0][0].URL)
}
