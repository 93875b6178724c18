package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

func signPayload(t *testing.T, payload []byte, secret string, ts time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"customer.subscription.created"}`)
	header := signPayload(t, payload, "whsec_test", time.Now())

	if err := VerifySignature(payload, header, "whsec_test", DefaultTolerance); err != nil {
		t.Errorf("VerifySignature() error = %v, want nil", err)
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := signPayload(t, payload, "whsec_test", time.Now())

	err := VerifySignature(payload, header, "whsec_other", DefaultTolerance)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifySignature() error = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := signPayload(t, payload, "whsec_test", time.Now())

	err := VerifySignature([]byte(`{"id":"evt_2"}`), header, "whsec_test", DefaultTolerance)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifySignature() error = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	header := signPayload(t, payload, "whsec_test", time.Now().Add(-time.Hour))

	err := VerifySignature(payload, header, "whsec_test", DefaultTolerance)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifySignature() stale error = %v, want ErrInvalidSignature", err)
	}

	// Zero tolerance disables the age check.
	if err := VerifySignature(payload, header, "whsec_test", 0); err != nil {
		t.Errorf("VerifySignature() with no tolerance error = %v, want nil", err)
	}
}

func TestVerifySignature_MalformedHeader(t *testing.T) {
	payload := []byte(`{}`)
	for _, header := range []string{"", "t=abc,v1=00", "v1=00", "t=123"} {
		if err := VerifySignature(payload, header, "whsec_test", DefaultTolerance); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("VerifySignature(header=%q) error = %v, want ErrInvalidSignature", header, err)
		}
	}
}

func TestVerifySignature_MultipleSignatures(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	good := signPayload(t, payload, "whsec_test", time.Now())
	header := good + ",v1=" + hex.EncodeToString(make([]byte, 32))

	if err := VerifySignature(payload, header, "whsec_test", DefaultTolerance); err != nil {
		t.Errorf("VerifySignature() with extra bad signature error = %v, want nil", err)
	}
}
