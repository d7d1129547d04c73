package lifecycle

import (
	"fmt"
	"html"
	"time"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/gateway"
)

// MessageData fills the user-facing notification templates.
type MessageData struct {
	ProjectName string
	PlanName    string
	ExpiryDate  *time.Time
	InviteLink  string
	Reason      string
	UploadURL   string
}

// Render returns the message text and optional buttons for a notification
// effect. Critical effects have no message.
func Render(e Effect, data MessageData) (string, *gateway.InlineKeyboard) {
	project := html.EscapeString(data.ProjectName)
	var text string

	switch e {
	case EffectNotifyApproved:
		text = fmt.Sprintf("✅ Your subscription to <b>%s</b> is active%s.", project, until(data.ExpiryDate))
	case EffectNotifyRejected:
		text = fmt.Sprintf("❌ Your request for <b>%s</b> was declined.", project)
		if data.Reason != "" {
			text += "\nReason: " + html.EscapeString(data.Reason)
		}
	case EffectNotifyExpired:
		text = fmt.Sprintf("⌛ Your subscription to <b>%s</b> has expired and your access was removed. Renew any time to rejoin.", project)
	case EffectNotifyExtended:
		text = fmt.Sprintf("➕ Your subscription to <b>%s</b> was extended%s.", project, until(data.ExpiryDate))
	case EffectNotifyReactivated:
		text = fmt.Sprintf("🔓 Your subscription to <b>%s</b> was reactivated%s.", project, until(data.ExpiryDate))
	case EffectNotifySuspended:
		text = fmt.Sprintf("⛔ Your access to <b>%s</b> was suspended.", project)
		if data.Reason != "" {
			text += "\nReason: " + html.EscapeString(data.Reason)
		}
	case EffectNotifyPaymentReceived:
		text = fmt.Sprintf("💳 Payment received for <b>%s</b>. Your subscription is active%s.", project, until(data.ExpiryDate))
	case EffectNotifyManualPayment:
		text = fmt.Sprintf("🧾 Please upload your proof of payment for <b>%s</b>. An admin will review it.", project)
		if data.UploadURL != "" {
			return text, keyboard("Upload proof", data.UploadURL)
		}
		return text, nil
	case EffectNotifyProofReceived:
		text = fmt.Sprintf("📨 We received your proof of payment for <b>%s</b> and will review it shortly.", project)
		return text, nil
	case EffectNotifyInvite:
		text = fmt.Sprintf("🔗 Here is your personal invite to <b>%s</b>. It works once.", project)
	case EffectRemind3d:
		text = fmt.Sprintf("⏰ Your subscription to <b>%s</b> ends in less than 3 days%s.", project, until(data.ExpiryDate))
		return text, nil
	case EffectRemindFinal:
		text = fmt.Sprintf("⚠️ Last reminder: your subscription to <b>%s</b> ends within 24 hours%s.", project, until(data.ExpiryDate))
		return text, nil
	default:
		return "", nil
	}

	if data.InviteLink != "" {
		return text, keyboard("Join channel", data.InviteLink)
	}
	return text, nil
}

func until(t *time.Time) string {
	if t == nil {
		return ""
	}
	return " until " + t.UTC().Format("2006-01-02 15:04 UTC")
}

func keyboard(label, url string) *gateway.InlineKeyboard {
	return &gateway.InlineKeyboard{Rows: [][]gateway.InlineButton{{{Text: label, URL: url}}}}
}
