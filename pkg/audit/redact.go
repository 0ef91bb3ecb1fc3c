package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// redactRecord strips field values from the payload before it is written.
// Milestone edit payloads can carry homeowner contact details and free-text
// notes; the redacted row keeps the field names plus salted hashes so a
// record is still diffable without holding the raw values.
func redactRecord(rec Record, salt []byte) Record {
	rec.ActorIDHash = hashString(rec.ActorIDHash, salt)
	rec.Payload = redactPayload(rec.Payload, salt)
	return rec
}

func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		b, _ := json.Marshal(map[string]string{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	keys := make([]string, 0, len(fields))
	hashes := map[string]string{}
	for k, v := range fields {
		keys = append(keys, k)
		hashes[k] = hashBytes(v, salt)
	}
	sort.Strings(keys)
	b, _ := json.Marshal(map[string]interface{}{
		"fields":       keys,
		"field_hashes": hashes,
		"payload_hash": hashBytes(raw, salt),
	})
	return b
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
