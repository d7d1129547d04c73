package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProofTokenClaims authorises one payment-proof upload for a subscriber.
type ProofTokenClaims struct {
	SubscriberID uint  `json:"sub"`
	ProjectID    uint  `json:"prj"`
	MaxBytes     int64 `json:"max_bytes"`
	ExpiresAt    int64 `json:"exp"`
}

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

func GenerateProofToken(subscriberID, projectID uint, maxBytes int64, ttl time.Duration, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required for token generation")
	}
	claims := ProofTokenClaims{
		SubscriberID: subscriberID,
		ProjectID:    projectID,
		MaxBytes:     maxBytes,
		ExpiresAt:    time.Now().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig := sign(payload, secret)
	return fmt.Sprintf("%s.%s", base64.RawURLEncoding.EncodeToString(payload), base64.RawURLEncoding.EncodeToString(sig)), nil
}

func VerifyProofToken(token, secret string) (*ProofTokenClaims, error) {
	if secret == "" {
		return nil, errors.New("secret is required for token verification")
	}
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: format", ErrTokenInvalid)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding", ErrTokenInvalid)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding", ErrTokenInvalid)
	}
	if !hmac.Equal(sigBytes, sign(payloadBytes, secret)) {
		return nil, fmt.Errorf("%w: signature", ErrTokenInvalid)
	}
	var claims ProofTokenClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload", ErrTokenInvalid)
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

func sign(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}
