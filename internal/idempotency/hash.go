package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// RequestHash fingerprints an idempotent request as SHA-256 over the method,
// path and canonical JSON body. Two submissions hash equal exactly when they
// would have the same effect, so key reuse with a different payload is
// detectable as a conflict.
func RequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(canonicalJSON(body))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-serializes a JSON document with object keys sorted so
// semantically identical bodies hash identically regardless of key order and
// whitespace. Non-JSON bodies hash as raw bytes.
func canonicalJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return body
	}
	var sb strings.Builder
	writeCanonical(&sb, doc)
	return []byte(sb.String())
}

func writeCanonical(sb *strings.Builder, node interface{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			writeCanonical(sb, v[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case json.Number:
		sb.WriteString(v.String())
	default:
		encoded, _ := json.Marshal(v)
		sb.Write(encoded)
	}
}
