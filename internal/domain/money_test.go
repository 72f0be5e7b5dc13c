package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCurrencyExponent(t *testing.T) {
	tests := []struct {
		currency Currency
		want     int32
	}{
		{"USD", 2},
		{"EUR", 2},
		{"JPY", 0},
		{"KRW", 0},
		{"KWD", 3},
		{"BHD", 3},
	}

	for _, tt := range tests {
		if got := tt.currency.Exponent(); got != tt.want {
			t.Errorf("%s: exponent = %d, want %d", tt.currency, got, tt.want)
		}
	}
}

func TestNormalizeCurrency(t *testing.T) {
	c, err := NormalizeCurrency(" usd ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != "USD" {
		t.Errorf("got %s, want USD", c)
	}

	for _, bad := range []string{"", "US", "USDX", "12$"} {
		if _, err := NormalizeCurrency(bad); err == nil {
			t.Errorf("NormalizeCurrency(%q): expected error", bad)
		}
	}
}

func TestMinorToDecimal(t *testing.T) {
	tests := []struct {
		amount   int64
		currency Currency
		want     string
	}{
		{9900, "USD", "99"},
		{1, "USD", "0.01"},
		{-2500, "EUR", "-25"},
		{500, "JPY", "500"},
		{1234, "KWD", "1.234"},
	}

	for _, tt := range tests {
		got := MinorToDecimal(tt.amount, tt.currency)
		if got.String() != tt.want {
			t.Errorf("MinorToDecimal(%d, %s) = %s, want %s", tt.amount, tt.currency, got, tt.want)
		}
	}
}

func TestDecimalToMinor(t *testing.T) {
	d := decimal.RequireFromString("99.00")
	cents, err := DecimalToMinor(d, "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cents != 9900 {
		t.Errorf("got %d, want 9900", cents)
	}

	// Sub-minor-unit precision must be rejected, never rounded.
	d = decimal.RequireFromString("1.005")
	if _, err := DecimalToMinor(d, "USD"); err == nil {
		t.Error("expected precision error for 1.005 USD")
	}

	// Zero-exponent currency.
	d = decimal.RequireFromString("500")
	cents, err = DecimalToMinor(d, "JPY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cents != 500 {
		t.Errorf("got %d, want 500", cents)
	}
}

func TestFormatMinor(t *testing.T) {
	if got := FormatMinor(9900, "USD"); got != "99.00 USD" {
		t.Errorf("got %q, want %q", got, "99.00 USD")
	}
	if got := FormatMinor(500, "JPY"); got != "500 JPY" {
		t.Errorf("got %q, want %q", got, "500 JPY")
	}
}
