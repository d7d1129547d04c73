package lifecycle

import (
	"fmt"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
)

// Effect is a side effect a decision requires.
type Effect string

const (
	EffectGrantAccess         Effect = "grant_access"
	EffectRevokeAccess        Effect = "revoke_access"
	EffectReconcileMembership Effect = "reconcile_membership"

	EffectNotifyApproved        Effect = "notify_approved"
	EffectNotifyRejected        Effect = "notify_rejected"
	EffectNotifyExpired         Effect = "notify_expired"
	EffectNotifyExtended        Effect = "notify_extended"
	EffectNotifyReactivated     Effect = "notify_reactivated"
	EffectNotifySuspended       Effect = "notify_suspended"
	EffectNotifyPaymentReceived Effect = "notify_payment_received"
	EffectNotifyManualPayment   Effect = "notify_manual_payment"
	EffectNotifyProofReceived   Effect = "notify_proof_received"
	EffectNotifyInvite          Effect = "notify_invite"
	EffectRemind3d              Effect = "remind_3d"
	EffectRemindFinal           Effect = "remind_final"
)

// Critical reports whether the effect must either apply or be queued for
// retry. Everything else is informational and may be dropped after logging.
func (e Effect) Critical() bool {
	switch e {
	case EffectGrantAccess, EffectRevokeAccess, EffectReconcileMembership:
		return true
	default:
		return false
	}
}

const (
	ReminderWindow      = 3 * 24 * time.Hour
	FinalReminderWindow = 24 * time.Hour
)

// Input is everything Decide looks at. Subscriber must be the stored row the
// resulting changes will be applied to.
type Input struct {
	Subscriber *models.Subscriber
	Plan       *models.Plan
	Event      Event
	Now        time.Time
	// Days overrides the plan duration for extend and reactivate.
	Days int
}

// Decision is the outcome of one (status, event) evaluation.
type Decision struct {
	Event   Event
	From    string
	Next    string
	Allowed bool
	Reason  string
	Effects []Effect
	// Changes are column updates, status included, for the conditional
	// update guarded by AllowedFrom(Event).
	Changes map[string]interface{}
	// FreshCredential asks grant_access to mint a new invite even if one is
	// stored.
	FreshCredential bool
}

// Has reports whether the decision carries the effect.
func (d Decision) Has(e Effect) bool {
	for _, x := range d.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// CriticalEffects returns the effects that must apply or be queued.
func (d Decision) CriticalEffects() []Effect {
	var out []Effect
	for _, e := range d.Effects {
		if e.Critical() {
			out = append(out, e)
		}
	}
	return out
}

// BestEffortEffects returns notifications and reminders.
func (d Decision) BestEffortEffects() []Effect {
	var out []Effect
	for _, e := range d.Effects {
		if !e.Critical() {
			out = append(out, e)
		}
	}
	return out
}

// ExtendAnchor is the date an extension counts from. A lapsed expiry is
// never used as the base, so late renewals do not lose days and rapid ones
// do not stack on a backdated date.
func ExtendAnchor(current *time.Time, now time.Time) time.Time {
	if current == nil || current.Before(now) {
		return now
	}
	return *current
}

// SweepEvent classifies an active subscriber for the scheduled sweep.
func SweepEvent(sub *models.Subscriber, now time.Time) (Event, bool) {
	if sub == nil || sub.Status != models.SubscriberStatusActive || sub.ExpiryDate == nil {
		return "", false
	}
	left := sub.ExpiryDate.Sub(now)
	switch {
	case left < 0:
		return EventExpire, true
	case left > 0 && left <= FinalReminderWindow && !sub.FinalReminderSent:
		return EventRemindFinal, true
	case left > FinalReminderWindow && left <= ReminderWindow && !sub.ExpiryReminderSent:
		return EventRemind3d, true
	default:
		return "", false
	}
}

// Decide evaluates an event against a subscriber. It has no side effects.
func Decide(in Input) Decision {
	d := Decision{Event: in.Event, Changes: map[string]interface{}{}}
	if in.Subscriber == nil {
		d.Reason = "subscriber is required"
		return d
	}
	sub := in.Subscriber
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	d.From = sub.Status

	next, ok := Next(sub.Status, in.Event)
	if !ok {
		d.Reason = fmt.Sprintf("%s is not allowed from %s", in.Event, sub.Status)
		return d
	}
	d.Next = next
	d.Changes["status"] = next

	deny := func(reason string) Decision {
		d.Allowed = false
		d.Reason = reason
		d.Effects = nil
		d.Changes = map[string]interface{}{}
		return d
	}

	switch in.Event {
	case EventApprove:
		dur, ok := period(in.Plan, 0)
		if !ok {
			return deny("approve requires a plan with a positive duration")
		}
		d.Changes["start_date"] = now
		d.Changes["expiry_date"] = now.Add(dur)
		resetReminders(d.Changes)
		d.Effects = []Effect{EffectGrantAccess, EffectNotifyApproved}
		d.FreshCredential = true

	case EventReject:
		d.Effects = []Effect{EffectNotifyRejected}

	case EventRemind3d:
		if sub.ExpiryDate == nil {
			return deny("no expiry date")
		}
		left := sub.ExpiryDate.Sub(now)
		if sub.ExpiryReminderSent || left <= FinalReminderWindow || left > ReminderWindow {
			return deny("outside the 3-day reminder window or already reminded")
		}
		d.Changes["expiry_reminder_sent"] = true
		d.Effects = []Effect{EffectRemind3d}

	case EventRemindFinal:
		if sub.ExpiryDate == nil {
			return deny("no expiry date")
		}
		left := sub.ExpiryDate.Sub(now)
		if sub.FinalReminderSent || left <= 0 || left > FinalReminderWindow {
			return deny("outside the final reminder window or already reminded")
		}
		d.Changes["expiry_reminder_sent"] = true
		d.Changes["final_reminder_sent"] = true
		d.Effects = []Effect{EffectRemindFinal}

	case EventExpire:
		if sub.ExpiryDate == nil || !sub.ExpiryDate.Before(now) {
			return deny("subscription has not lapsed")
		}
		d.Changes["channel_joined"] = false
		d.Changes["channel_membership_status"] = models.MembershipLeft
		d.Changes["last_membership_check"] = now
		d.Effects = []Effect{EffectRevokeAccess, EffectNotifyExpired}

	case EventExtend:
		if in.Days <= 0 {
			return deny("extension days must be positive")
		}
		anchor := ExtendAnchor(sub.ExpiryDate, now)
		d.Changes["expiry_date"] = anchor.Add(days(in.Days))
		resetReminders(d.Changes)
		d.Effects = []Effect{EffectReconcileMembership, EffectNotifyExtended}

	case EventReactivate:
		dur, ok := period(in.Plan, in.Days)
		if !ok {
			return deny("reactivate requires a plan or a positive number of days")
		}
		d.Changes["start_date"] = now
		d.Changes["expiry_date"] = now.Add(dur)
		resetReminders(d.Changes)
		d.Changes["suspended_at"] = nil
		d.Changes["suspended_by"] = ""
		d.Changes["suspension_reason"] = ""
		d.Changes["rejection_reason"] = ""
		d.Effects = []Effect{EffectGrantAccess, EffectNotifyReactivated}
		d.FreshCredential = true

	case EventPayment:
		dur, ok := period(in.Plan, 0)
		if !ok {
			return deny("payment requires a plan with a positive duration")
		}
		wasActive := sub.Status == models.SubscriberStatusActive
		anchor := now
		if wasActive {
			anchor = ExtendAnchor(sub.ExpiryDate, now)
		} else {
			d.Changes["start_date"] = now
			d.Changes["rejection_reason"] = ""
		}
		d.Changes["expiry_date"] = anchor.Add(dur)
		resetReminders(d.Changes)
		if !wasActive || !sub.HasInvite() {
			d.Effects = append(d.Effects, EffectGrantAccess)
			d.FreshCredential = true
		}
		d.Effects = append(d.Effects, EffectNotifyPaymentReceived)

	case EventSuspend:
		d.Changes["suspended_at"] = now
		if sub.Status == models.SubscriberStatusActive {
			d.Effects = append(d.Effects, EffectRevokeAccess)
		}
		d.Effects = append(d.Effects, EffectNotifySuspended)

	case EventRequestManualPayment:
		d.Effects = []Effect{EffectNotifyManualPayment}

	case EventSubmitProof:
		d.Changes["payment_proof_uploaded_at"] = now
		d.Effects = []Effect{EffectNotifyProofReceived}
	}

	d.Allowed = true
	return d
}

func resetReminders(changes map[string]interface{}) {
	changes["expiry_reminder_sent"] = false
	changes["final_reminder_sent"] = false
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func period(plan *models.Plan, override int) (time.Duration, bool) {
	if override > 0 {
		return days(override), true
	}
	if plan == nil || plan.DurationDays <= 0 {
		return 0, false
	}
	return plan.Duration(), true
}
