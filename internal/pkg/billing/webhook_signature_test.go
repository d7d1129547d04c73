package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifyStripeSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	header := SignStripePayload(payload, "whsec_test", now)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		at      time.Time
		want    error
	}{
		{"valid", payload, header, "whsec_test", now, nil},
		{"valid within tolerance", payload, header, "whsec_test", now.Add(4 * time.Minute), nil},
		{"tampered payload", []byte(`{"id":"evt_2"}`), header, "whsec_test", now, ErrSignatureInvalid},
		{"wrong secret", payload, header, "whsec_other", now, ErrSignatureInvalid},
		{"too old", payload, header, "whsec_test", now.Add(6 * time.Minute), ErrSignatureExpired},
		{"from the future", payload, header, "whsec_test", now.Add(-6 * time.Minute), ErrSignatureExpired},
		{"missing header", payload, "", "whsec_test", now, ErrSignatureMissing},
		{"missing secret", payload, header, "", now, ErrSignatureMissing},
		{"no v1", payload, "t=123", "whsec_test", now, ErrSignatureMissing},
		{"garbage", payload, "nonsense", "whsec_test", now, ErrSignatureMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyStripeSignature(tt.payload, tt.header, tt.secret, DefaultSignatureTolerance, tt.at)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyStripeSignatureAcceptsAnyV1(t *testing.T) {
	payload := []byte(`{}`)
	now := time.Now()
	good := SignStripePayload(payload, "new_secret", now)
	header := good + ",v1=" + "00ff"

	assert.NoError(t, VerifyStripeSignature(payload, header, "new_secret", DefaultSignatureTolerance, now))
}
