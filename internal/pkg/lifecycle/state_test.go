package lifecycle

import (
	"testing"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/stretchr/testify/assert"
)

var allStatuses = []string{
	models.SubscriberStatusPendingPayment,
	models.SubscriberStatusPendingApproval,
	models.SubscriberStatusAwaitingProof,
	models.SubscriberStatusActive,
	models.SubscriberStatusExpired,
	models.SubscriberStatusRejected,
	models.SubscriberStatusSuspended,
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from string
		ev   Event
		want string
		ok   bool
	}{
		{models.SubscriberStatusPendingApproval, EventApprove, models.SubscriberStatusActive, true},
		{models.SubscriberStatusAwaitingProof, EventApprove, models.SubscriberStatusActive, true},
		{models.SubscriberStatusActive, EventApprove, "", false},
		{models.SubscriberStatusPendingPayment, EventApprove, "", false},
		{models.SubscriberStatusAwaitingProof, EventReject, models.SubscriberStatusRejected, true},
		{models.SubscriberStatusExpired, EventReject, "", false},
		{models.SubscriberStatusActive, EventExpire, models.SubscriberStatusExpired, true},
		{models.SubscriberStatusSuspended, EventExpire, "", false},
		{models.SubscriberStatusActive, EventExtend, models.SubscriberStatusActive, true},
		{models.SubscriberStatusExpired, EventExtend, "", false},
		{models.SubscriberStatusSuspended, EventReactivate, models.SubscriberStatusActive, true},
		{models.SubscriberStatusRejected, EventReactivate, models.SubscriberStatusActive, true},
		{models.SubscriberStatusExpired, EventReactivate, models.SubscriberStatusActive, true},
		{models.SubscriberStatusActive, EventReactivate, "", false},
		{models.SubscriberStatusPendingPayment, EventPayment, models.SubscriberStatusActive, true},
		{models.SubscriberStatusActive, EventPayment, models.SubscriberStatusActive, true},
		{models.SubscriberStatusSuspended, EventPayment, "", false},
		{models.SubscriberStatusActive, EventSuspend, models.SubscriberStatusSuspended, true},
		{models.SubscriberStatusExpired, EventSuspend, "", false},
		{models.SubscriberStatusPendingPayment, EventRequestManualPayment, models.SubscriberStatusAwaitingProof, true},
		{models.SubscriberStatusAwaitingProof, EventSubmitProof, models.SubscriberStatusPendingApproval, true},
		{models.SubscriberStatusPendingApproval, EventSubmitProof, "", false},
	}

	for _, tt := range tests {
		got, ok := Next(tt.from, tt.ev)
		assert.Equal(t, tt.ok, ok, "%s from %s", tt.ev, tt.from)
		assert.Equal(t, tt.want, got, "%s from %s", tt.ev, tt.from)
	}
}

func TestEveryEventHasSourcesAndKnownStatuses(t *testing.T) {
	known := map[string]bool{}
	for _, s := range allStatuses {
		known[s] = true
	}
	for _, ev := range Events() {
		from := AllowedFrom(ev)
		assert.NotEmpty(t, from, "event %s", ev)
		for _, s := range from {
			assert.True(t, known[s], "event %s source %s", ev, s)
			next, ok := Next(s, ev)
			assert.True(t, ok)
			assert.True(t, known[next])
		}
	}
	assert.Nil(t, AllowedFrom(Event("bogus")))
}

func TestAllowedFromReturnsCopy(t *testing.T) {
	from := AllowedFrom(EventApprove)
	from[0] = "mutated"
	assert.Equal(t, models.SubscriberStatusPendingApproval, AllowedFrom(EventApprove)[0])
}
