package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance bounds the age of a signed delivery.
const DefaultSignatureTolerance = 5 * time.Minute

var (
	ErrSignatureMissing = errors.New("webhook signature missing")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")
)

// VerifyStripeSignature checks a "t=<unix>,v1=<hex>" header. The signed
// content is "<t>.<payload>" keyed with the endpoint secret. Any v1 entry may
// match, which lets the provider roll secrets.
func VerifyStripeSignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	header = strings.TrimSpace(header)
	secret = strings.TrimSpace(secret)
	if header == "" || secret == "" {
		return ErrSignatureMissing
	}

	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
			}
			ts = n
		case "v1":
			if b, err := hex.DecodeString(strings.ToLower(v)); err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrSignatureMissing
	}

	signed := signedPayload(ts, payload)
	matched := false
	for _, sig := range sigs {
		if verifyHMAC(signed, sig, []byte(secret), sha256.New) {
			matched = true
			break
		}
	}
	if !matched {
		return ErrSignatureInvalid
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}
	return nil
}

// SignStripePayload builds the signature header a provider would send.
func SignStripePayload(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signedPayload(ts, payload))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func signedPayload(ts int64, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+24)
	out = strconv.AppendInt(out, ts, 10)
	out = append(out, '.')
	return append(out, payload...)
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
