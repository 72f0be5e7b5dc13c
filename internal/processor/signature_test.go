package processor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifySignatureRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{"id":"evt_1","type":"payments.payment.succeeded"}`)
	header := SignPayload(payload, "whsec_test", now)

	require.NoError(t, VerifySignature(payload, header, "whsec_test", 0, now))
}

func TestVerifySignatureTamperedPayload(t *testing.T) {
	now := time.Unix(1700000000, 0)
	header := SignPayload([]byte(`{"id":"evt_1"}`), "whsec_test", now)

	err := VerifySignature([]byte(`{"id":"evt_2"}`), header, "whsec_test", 0, now)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "whsec_test", now)

	err := VerifySignature(payload, header, "whsec_other", 0, now)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureTamperedMAC(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "whsec_test", now)

	// Flip the last hex digit of the v1 value.
	last := header[len(header)-1]
	replacement := byte('0')
	if last == '0' {
		replacement = '1'
	}
	tampered := header[:len(header)-1] + string(replacement)

	err := VerifySignature(payload, tampered, "whsec_test", 0, now)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureToleranceWindow(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	signedAt := time.Unix(1700000000, 0)
	header := SignPayload(payload, "whsec_test", signedAt)

	cases := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"exactly at tolerance", signedAt.Add(300 * time.Second), true},
		{"just past tolerance", signedAt.Add(301 * time.Second), false},
		{"future-dated within tolerance", signedAt.Add(-299 * time.Second), true},
		{"future-dated past tolerance", signedAt.Add(-301 * time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature(payload, header, "whsec_test", 300*time.Second, tc.now)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrSignatureExpired)
			}
		})
	}
}

func TestVerifySignatureMalformedHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{}`)

	for _, header := range []string{
		"",
		"t=1700000000",
		"v1=deadbeef",
		"t=,v1=deadbeef",
		"t=abc,v1=deadbeef",
		"t=-5,v1=deadbeef",
		"t=1700000000,v1=",
		"t=1700000000,v1=zzzz",
		"garbage",
	} {
		err := VerifySignature(payload, header, "whsec_test", 0, now)
		require.ErrorIs(t, err, ErrSignatureMalformed, "header %q", header)
	}
}

func TestVerifySignatureIgnoresUnknownVersions(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := []byte(`{"id":"evt_1"}`)
	header := SignPayload(payload, "whsec_test", now)
	withV0 := strings.Replace(header, "t=", "v0=ffff,t=", 1)

	require.NoError(t, VerifySignature(payload, withV0, "whsec_test", 0, now))
}

func TestClassifyDecline(t *testing.T) {
	require.Equal(t, DeclineTerminal, ClassifyDecline("expired_card"))
	require.Equal(t, DeclineTerminal, ClassifyDecline("fraudulent"))
	require.Equal(t, DeclineHard, ClassifyDecline("card_declined"))
	require.Equal(t, DeclineSoft, ClassifyDecline("insufficient_funds"))
	require.Equal(t, DeclineSoft, ClassifyDecline("some_future_code"))
}
