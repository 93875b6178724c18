// Package billing processes subscription lifecycle webhooks from the
// payment provider and manages the plan catalog.
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds how old a signed webhook timestamp may be.
const DefaultTolerance = 5 * time.Minute

// ErrInvalidSignature is returned when a webhook payload fails
// verification.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// VerifySignature checks a Stripe-style signature header against the raw
// payload. The header carries a unix timestamp and one or more v1 HMAC
// hex digests: "t=1714000000,v1=abc...,v1=def...". The signed message is
// "<timestamp>.<payload>".
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	var timestamp int64
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch name {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return fmt.Errorf("%w: header missing timestamp or v1 signature", ErrInvalidSignature)
	}
	if tolerance > 0 {
		age := time.Since(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1 {
			return nil
		}
	}
	return ErrInvalidSignature
}
