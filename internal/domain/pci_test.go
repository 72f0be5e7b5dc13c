package domain

import "testing"

func TestScanForCardDataRejectsForbiddenFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"top level", `{"card_number":"4242424242424242"}`},
		{"uppercase", `{"CARD_NUMBER":"4242424242424242"}`},
		{"mixed case", `{"Cvv":"123"}`},
		{"nested object", `{"payment":{"details":{"cvc":"999"}}}`},
		{"inside array", `{"methods":[{"routing_number":"021000021"}]}`},
		{"bank account", `{"bank":{"account_number":"12345678"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ScanForCardData([]byte(tt.body))
			if err == nil {
				t.Fatal("expected rejection")
			}
			if KindOf(err) != KindValidation {
				t.Errorf("kind = %v, want validation", KindOf(err))
			}
		})
	}
}

func TestScanForCardDataAllowsCleanBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ``},
		{"token only", `{"processor_token":"pm_tok_abc","set_default":true}`},
		{"last4 metadata", `{"brand":"visa","last4":"4242"}`},
		{"value not key", `{"note":"customer asked about card_number policy"}`},
		{"not json", `plain text body`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ScanForCardData([]byte(tt.body)); err != nil {
				t.Errorf("unexpected rejection: %v", err)
			}
		})
	}
}
