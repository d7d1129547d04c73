package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/app/repository"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/gateway"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/metrics"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/retry"
	"github.com/gofiber/fiber/v2/log"
)

// Messenger is the messaging platform surface the engine needs.
type Messenger interface {
	SendMessage(ctx context.Context, botToken string, chatID int64, text string, keyboard *gateway.InlineKeyboard) error
	CreateInviteLink(ctx context.Context, botToken string, channelID int64, opts gateway.InviteOptions) (string, error)
	RevokeInviteLink(ctx context.Context, botToken string, channelID int64, link string) error
	BanThenUnban(ctx context.Context, botToken string, channelID, userID int64) error
	UnbanMember(ctx context.Context, botToken string, channelID, userID int64) error
	GetMemberStatus(ctx context.Context, botToken string, channelID, userID int64) (string, error)
}

// CredentialOpener decrypts a project's sealed bot token.
type CredentialOpener interface {
	Open(sealed string) (string, error)
}

// FailureQueue persists critical effects that exhausted their retries.
type FailureQueue interface {
	Enqueue(ctx context.Context, subscriberID uint, action string, payload interface{}, cause error) (*models.FailedOperation, error)
}

// GrantPayload is stored with a queued grant_access operation.
type GrantPayload struct {
	Fresh  bool   `json:"fresh"`
	Notify Effect `json:"notify,omitempty"`
}

// KickPayload is stored with a queued kick_expired operation.
type KickPayload struct {
	TelegramUserID int64 `json:"telegram_user_id"`
	ChannelID      int64 `json:"channel_id"`
}

// Effector runs side effects against the messaging platform. Every remote
// call goes through the retry executor.
type Effector struct {
	Messenger   Messenger
	Retry       *retry.Executor
	Subscribers repository.SubscriberRepository
	// Credentials may be nil, in which case BotTokenEnc is used as is.
	Credentials CredentialOpener
	Failures    FailureQueue
	InviteTTL   time.Duration
	Now         func() time.Time
}

func (f *Effector) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

func (f *Effector) executor() *retry.Executor {
	if f.Retry == nil {
		return retry.Default()
	}
	return f.Retry
}

// BotToken returns the plaintext bot credential of a project.
func (f *Effector) BotToken(project *models.Project) (string, error) {
	if project == nil || project.BotTokenEnc == "" {
		return "", errors.New("project has no bot credential")
	}
	if f.Credentials == nil {
		return project.BotTokenEnc, nil
	}
	token, err := f.Credentials.Open(project.BotTokenEnc)
	if err != nil {
		return "", fmt.Errorf("open bot credential of project %d: %w", project.ID, err)
	}
	return token, nil
}

// RevokeAccess removes the user from the channel. A user who is not a member
// counts as revoked.
func (f *Effector) RevokeAccess(ctx context.Context, sub *models.Subscriber, project *models.Project) error {
	token, err := f.BotToken(project)
	if err != nil {
		return err
	}
	err = f.executor().Do(ctx, "ban_then_unban", func(ctx context.Context) error {
		err := f.Messenger.BanThenUnban(ctx, token, project.ChannelID, sub.TelegramUserID)
		if gateway.IsNotMember(err) {
			log.Warnf("[Effects] User %d is not in channel %d, treating revoke as done", sub.TelegramUserID, project.ChannelID)
			return nil
		}
		return err
	})
	observe("ban_then_unban", err)
	if err != nil {
		return err
	}

	if sub.HasInvite() {
		link := sub.InviteLink
		if rerr := f.executor().Do(ctx, "revoke_invite_link", func(ctx context.Context) error {
			return f.Messenger.RevokeInviteLink(ctx, token, project.ChannelID, link)
		}); rerr != nil {
			log.Warnf("[Effects] Could not revoke stored invite of subscriber %d: %v", sub.ID, rerr)
		}
		// a revoked link is no credential; the next grant must mint one
		if cerr := f.Subscribers.ClearInvite(ctx, sub.ID, link); cerr != nil {
			log.Errorf("[Effects] Could not clear revoked invite of subscriber %d: %v", sub.ID, cerr)
		} else {
			sub.InviteLink = ""
			sub.InviteLinkIssuedAt = nil
		}
	}
	return nil
}

// LiftBan unbans the user, for a revocation whose unban step never went
// through.
func (f *Effector) LiftBan(ctx context.Context, sub *models.Subscriber, project *models.Project) error {
	token, err := f.BotToken(project)
	if err != nil {
		return err
	}
	err = f.executor().Do(ctx, "unban_member", func(ctx context.Context) error {
		return f.Messenger.UnbanMember(ctx, token, project.ChannelID, sub.TelegramUserID)
	})
	observe("unban_member", err)
	return err
}

// RestoreAccess re-admits an active subscriber whose renewal raced a
// revocation that already removed them: the stored invite was revoked with
// the kick, so a fresh one is minted and sent.
func (f *Effector) RestoreAccess(ctx context.Context, sub *models.Subscriber, project *models.Project) {
	if !sub.IsActive() {
		return
	}
	now := f.now()
	if err := f.Subscribers.UpdateMembership(ctx, sub.ID, models.MembershipLeft, false, now); err != nil {
		log.Warnf("[Effects] Could not store membership of subscriber %d: %v", sub.ID, err)
	}
	link := f.EnsureAccess(ctx, sub, project, true, EffectNotifyInvite)
	if link == "" {
		return
	}
	text, kb := Render(EffectNotifyInvite, MessageData{ProjectName: project.Name, ExpiryDate: sub.ExpiryDate, InviteLink: link})
	f.Notify(ctx, sub, project, text, kb)
}

// inviteUsable reports whether the stored invite may still be handed out.
func (f *Effector) inviteUsable(sub *models.Subscriber) bool {
	if !sub.HasInvite() || sub.InviteLinkIssuedAt == nil {
		return false
	}
	if f.InviteTTL <= 0 {
		return true
	}
	return f.now().Before(sub.InviteLinkIssuedAt.Add(f.InviteTTL))
}

// GrantAccess issues a single-use invite, or returns the stored one when it
// is still usable and fresh is false.
func (f *Effector) GrantAccess(ctx context.Context, sub *models.Subscriber, project *models.Project, fresh bool) (string, error) {
	if !fresh && f.inviteUsable(sub) {
		return sub.InviteLink, nil
	}
	token, err := f.BotToken(project)
	if err != nil {
		return "", err
	}

	now := f.now()
	opts := gateway.InviteOptions{Name: fmt.Sprintf("sub-%d", sub.ID), SingleUse: true}
	if f.InviteTTL > 0 {
		exp := now.Add(f.InviteTTL)
		opts.ExpireAt = &exp
	}
	link, err := retry.DoValue(ctx, f.executor(), "create_invite_link", func(ctx context.Context) (string, error) {
		return f.Messenger.CreateInviteLink(ctx, token, project.ChannelID, opts)
	})
	observe("create_invite_link", err)
	if err != nil {
		return "", err
	}

	previous := sub.InviteLink
	if err := f.Subscribers.SetInvite(ctx, sub.ID, link, now); err != nil {
		return "", fmt.Errorf("store invite of subscriber %d: %w", sub.ID, err)
	}
	sub.InviteLink = link
	sub.InviteLinkIssuedAt = &now

	if previous != "" && previous != link {
		if rerr := f.Messenger.RevokeInviteLink(ctx, token, project.ChannelID, previous); rerr != nil {
			log.Debugf("[Effects] Superseded invite of subscriber %d not revoked: %v", sub.ID, rerr)
		}
	}
	return link, nil
}

// EnsureAccess is GrantAccess that queues a grant_access operation instead
// of failing. It returns the invite or an empty string when queued.
func (f *Effector) EnsureAccess(ctx context.Context, sub *models.Subscriber, project *models.Project, fresh bool, notify Effect) string {
	link, err := f.GrantAccess(ctx, sub, project, fresh)
	if err == nil {
		return link
	}
	log.Errorf("[Effects] Granting access to subscriber %d failed: %v", sub.ID, err)
	f.queue(ctx, sub.ID, models.FailedActionGrantAccess, GrantPayload{Fresh: fresh, Notify: notify}, err)
	return ""
}

// ReconcileMembership refreshes the observed membership and makes sure a
// user outside the channel holds a usable invite.
func (f *Effector) ReconcileMembership(ctx context.Context, sub *models.Subscriber, project *models.Project, notify Effect) string {
	status, err := f.ObserveMembership(ctx, sub, project)
	if err != nil {
		log.Warnf("[Effects] Membership check for subscriber %d failed: %v", sub.ID, err)
	}
	if gateway.IsInChannel(status) {
		return ""
	}
	return f.EnsureAccess(ctx, sub, project, false, notify)
}

// ObserveMembership reads the member status and stores it as an observation.
func (f *Effector) ObserveMembership(ctx context.Context, sub *models.Subscriber, project *models.Project) (string, error) {
	token, err := f.BotToken(project)
	if err != nil {
		return models.MembershipUnknown, err
	}
	status, err := retry.DoValue(ctx, f.executor(), "get_member_status", func(ctx context.Context) (string, error) {
		return f.Messenger.GetMemberStatus(ctx, token, project.ChannelID, sub.TelegramUserID)
	})
	observe("get_member_status", err)
	if err != nil {
		return models.MembershipUnknown, err
	}

	now := f.now()
	joined := gateway.IsInChannel(status)
	if err := f.Subscribers.UpdateMembership(ctx, sub.ID, status, joined, now); err != nil {
		return status, fmt.Errorf("store membership of subscriber %d: %w", sub.ID, err)
	}
	sub.ChannelMembershipStatus = status
	sub.ChannelJoined = joined
	sub.LastMembershipCheck = &now
	return status, nil
}

// Notify sends a message and reports whether delivery was confirmed.
// Failures are logged and swallowed.
func (f *Effector) Notify(ctx context.Context, sub *models.Subscriber, project *models.Project, text string, kb *gateway.InlineKeyboard) bool {
	if text == "" {
		return false
	}
	token, err := f.BotToken(project)
	if err != nil {
		log.Warnf("[Effects] Notification to subscriber %d skipped: %v", sub.ID, err)
		return false
	}
	err = f.executor().Do(ctx, "send_message", func(ctx context.Context) error {
		return f.Messenger.SendMessage(ctx, token, sub.TelegramUserID, text, kb)
	})
	observe("send_message", err)
	if err != nil {
		if gateway.IsBotBlocked(err) {
			log.Infof("[Effects] Subscriber %d cannot be messaged: %v", sub.ID, err)
		} else {
			log.Warnf("[Effects] Notification to subscriber %d dropped: %v", sub.ID, err)
		}
		return false
	}
	return true
}

// Apply runs the post-commit effects of a decision. Revocation is not run
// here: it must happen before the transition is persisted.
func (f *Effector) Apply(ctx context.Context, d Decision, sub *models.Subscriber, project *models.Project, data MessageData) {
	notify := firstNotification(d)
	for _, e := range d.Effects {
		switch e {
		case EffectGrantAccess:
			if link := f.EnsureAccess(ctx, sub, project, d.FreshCredential, notify); link != "" {
				data.InviteLink = link
			}
		case EffectReconcileMembership:
			if link := f.ReconcileMembership(ctx, sub, project, notify); link != "" {
				data.InviteLink = link
			}
		case EffectRevokeAccess:
		default:
			if e == notify && d.Has(EffectGrantAccess) && data.InviteLink == "" {
				// the queued grant_access sends this message once the invite exists
				continue
			}
			text, kb := Render(e, data)
			f.Notify(ctx, sub, project, text, kb)
		}
	}
}

func (f *Effector) queue(ctx context.Context, subscriberID uint, action string, payload interface{}, cause error) {
	metrics.FailedOperationsQueuedTotal.WithLabelValues(action).Inc()
	if f.Failures == nil {
		log.Errorf("[Effects] No failure queue configured, %s for subscriber %d is lost: %v", action, subscriberID, cause)
		return
	}
	if _, err := f.Failures.Enqueue(ctx, subscriberID, action, payload, cause); err != nil {
		log.Errorf("[Effects] Could not queue %s for subscriber %d: %v", action, subscriberID, err)
	}
}

// QueueKick records a failed revocation for the drain.
func (f *Effector) QueueKick(ctx context.Context, sub *models.Subscriber, project *models.Project, cause error) {
	f.queue(ctx, sub.ID, models.FailedActionKickExpired, KickPayload{TelegramUserID: sub.TelegramUserID, ChannelID: project.ChannelID}, cause)
}

func firstNotification(d Decision) Effect {
	for _, e := range d.Effects {
		if !e.Critical() {
			return e
		}
	}
	return ""
}

func observe(operation string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case retry.IsTerminal(err):
		result = "terminal"
	case retry.IsExhausted(err):
		result = "exhausted"
	default:
		result = "error"
	}
	metrics.GatewayCallsTotal.WithLabelValues(operation, result).Inc()
}
