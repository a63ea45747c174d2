// services/fingerprint.go
package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

const fingerprintDomain = "soullink/submit/v1"

// Fingerprint hashes a JSON request body so that semantically equal payloads match:
// object keys are sorted, strings are NFC-normalised and whitespace is ignored.
// Format: SHA256(domain + 0x00 + canonical JSON), hex encoded.
func Fingerprint(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("fingerprint: invalid JSON: %w", err)
	}

	canonical, err := json.Marshal(normalize(v))
	if err != nil {
		return "", fmt.Errorf("fingerprint: marshal: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// normalize walks a decoded JSON value. encoding/json already sorts map keys on output.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}
