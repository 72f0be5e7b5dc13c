package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// forbiddenPANFields are request fields that would put raw cardholder or
// bank account data into the system. Requests carrying any of them, at any
// nesting depth, are rejected before validation; instruments reach the
// engine only as processor tokens.
var forbiddenPANFields = map[string]struct{}{
	"card_number":    {},
	"cvv":            {},
	"cvc":            {},
	"account_number": {},
	"routing_number": {},
}

// ScanForCardData walks a JSON document and rejects it if any forbidden
// field name appears as an object key, case-insensitively. Non-JSON bodies
// pass: binary payloads are not inspected here.
func ScanForCardData(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	if field := findForbiddenField(doc); field != "" {
		return NewValidationError("scan_card_data",
			fmt.Sprintf("field %q must not be sent: raw card or bank data is not accepted", field))
	}
	return nil
}

func findForbiddenField(node interface{}) string {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if _, bad := forbiddenPANFields[strings.ToLower(key)]; bad {
				return key
			}
			if field := findForbiddenField(child); field != "" {
				return field
			}
		}
	case []interface{}:
		for _, child := range v {
			if field := findForbiddenField(child); field != "" {
				return field
			}
		}
	}
	return ""
}
