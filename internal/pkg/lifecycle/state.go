// Package lifecycle owns the subscriber state machine: an explicit
// transition table, a pure decision function and the engine that applies
// decisions with their side effects.
package lifecycle

import (
	"github.com/ManuelReschke/ChannelPass/app/models"
)

// Event is something that may move a subscriber between statuses.
type Event string

const (
	EventApprove              Event = "approve"
	EventReject               Event = "reject"
	EventRemind3d             Event = "remind_3d"
	EventRemindFinal          Event = "remind_final"
	EventExpire               Event = "expire"
	EventExtend               Event = "extend"
	EventReactivate           Event = "reactivate"
	EventPayment              Event = "payment"
	EventSuspend              Event = "suspend"
	EventRequestManualPayment Event = "request_manual_payment"
	EventSubmitProof          Event = "submit_proof"
)

type transition struct {
	from []string
	to   string
}

// transitions is the complete table. A (status, event) pair not listed here
// is rejected.
var transitions = map[Event]transition{
	EventApprove: {
		from: []string{models.SubscriberStatusPendingApproval, models.SubscriberStatusAwaitingProof},
		to:   models.SubscriberStatusActive,
	},
	EventReject: {
		from: []string{models.SubscriberStatusPendingApproval, models.SubscriberStatusAwaitingProof},
		to:   models.SubscriberStatusRejected,
	},
	EventRemind3d: {
		from: []string{models.SubscriberStatusActive},
		to:   models.SubscriberStatusActive,
	},
	EventRemindFinal: {
		from: []string{models.SubscriberStatusActive},
		to:   models.SubscriberStatusActive,
	},
	EventExpire: {
		from: []string{models.SubscriberStatusActive},
		to:   models.SubscriberStatusExpired,
	},
	EventExtend: {
		from: []string{models.SubscriberStatusActive},
		to:   models.SubscriberStatusActive,
	},
	EventReactivate: {
		from: []string{models.SubscriberStatusSuspended, models.SubscriberStatusRejected, models.SubscriberStatusExpired},
		to:   models.SubscriberStatusActive,
	},
	EventPayment: {
		from: []string{
			models.SubscriberStatusPendingPayment,
			models.SubscriberStatusPendingApproval,
			models.SubscriberStatusAwaitingProof,
			models.SubscriberStatusActive,
			models.SubscriberStatusExpired,
			models.SubscriberStatusRejected,
		},
		to: models.SubscriberStatusActive,
	},
	EventSuspend: {
		from: []string{
			models.SubscriberStatusActive,
			models.SubscriberStatusPendingPayment,
			models.SubscriberStatusPendingApproval,
			models.SubscriberStatusAwaitingProof,
		},
		to: models.SubscriberStatusSuspended,
	},
	EventRequestManualPayment: {
		from: []string{models.SubscriberStatusPendingPayment},
		to:   models.SubscriberStatusAwaitingProof,
	},
	EventSubmitProof: {
		from: []string{models.SubscriberStatusAwaitingProof, models.SubscriberStatusPendingPayment},
		to:   models.SubscriberStatusPendingApproval,
	},
}

// Next returns the status an event leads to from the given status.
func Next(from string, ev Event) (string, bool) {
	t, ok := transitions[ev]
	if !ok {
		return "", false
	}
	for _, s := range t.from {
		if s == from {
			return t.to, true
		}
	}
	return "", false
}

// AllowedFrom returns the source statuses of an event. The result is the
// guard of the conditional update that persists the transition.
func AllowedFrom(ev Event) []string {
	t, ok := transitions[ev]
	if !ok {
		return nil
	}
	out := make([]string, len(t.from))
	copy(out, t.from)
	return out
}

// Events lists every known event.
func Events() []Event {
	return []Event{
		EventApprove, EventReject, EventRemind3d, EventRemindFinal, EventExpire, EventExtend,
		EventReactivate, EventPayment, EventSuspend, EventRequestManualPayment, EventSubmitProof,
	}
}
