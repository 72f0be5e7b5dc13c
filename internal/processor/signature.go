package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance is the widest clock skew accepted between the
// timestamp in a webhook signature and our clock.
const DefaultSignatureTolerance = 300 * time.Second

// Signature verification failures. All of them produce the same caller
// behavior (reject, never retry); the distinction exists for logs.
var (
	ErrSignatureMalformed = errors.New("webhook signature header is malformed")
	ErrSignatureExpired   = errors.New("webhook signature timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("webhook signature does not match payload")
)

// VerifySignature checks a processor webhook signature of the form
// "t=<unix-seconds>,v1=<hex>" over the raw request body. The signed string
// is "<t>.<body>", MACed with HMAC-SHA-256 under the tenant's webhook
// secret. Comparison is constant-time after an explicit length check; any
// structural defect in the header rejects.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("verify signature: %w", ErrSignatureMalformed)
	}
	ts, providedMAC, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	signedAt := time.Unix(ts, 0)
	if diff := now.Sub(signedAt); diff > tolerance || diff < -tolerance {
		return ErrSignatureExpired
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if len(providedMAC) != len(expected) {
		return ErrSignatureMismatch
	}
	if !hmac.Equal(providedMAC, expected) {
		return ErrSignatureMismatch
	}
	return nil
}

// SignPayload produces the signature header a processor would attach to the
// payload. The sandbox adapter and tests use it to emit verifiable events.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts int64, mac []byte, err error) {
	var sawT, sawV1 bool
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, nil, ErrSignatureMalformed
		}
		switch key {
		case "t":
			ts, err = strconv.ParseInt(value, 10, 64)
			if err != nil || ts <= 0 {
				return 0, nil, ErrSignatureMalformed
			}
			sawT = true
		case "v1":
			mac, err = hex.DecodeString(value)
			if err != nil || len(mac) == 0 {
				return 0, nil, ErrSignatureMalformed
			}
			sawV1 = true
		default:
			// Unknown scheme versions are ignored for forward compatibility.
		}
	}
	if !sawT || !sawV1 {
		return 0, nil, ErrSignatureMalformed
	}
	return ts, mac, nil
}
