package domain

import (
	"encoding/json"
	"strings"
)

// Payload is an opaque request or response body carried through the core.
type Payload map[string]any

const redactedValue = "***"

var secretKeys = map[string]struct{}{
	"password":      {},
	"otp":           {},
	"token":         {},
	"access_token":  {},
	"accesstoken":   {},
	"refresh_token": {},
	"refreshtoken":  {},
	"authorization": {},
}

// Redacted returns a deep copy of p with secret values masked.
func (p Payload) Redacted() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		if _, secret := secretKeys[strings.ToLower(k)]; secret {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case Payload:
		return val.Redacted()
	case map[string]any:
		return Payload(val).Redacted()
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = redactValue(item)
		}
		return cp
	default:
		return v
	}
}

// JSON encodes the payload; encoding failures yield a quoted placeholder so a
// snapshot is always produced.
func (p Payload) JSON() string {
	if p == nil {
		return "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return `"<unencodable payload>"`
	}
	return string(b)
}

// String returns the value at key if it is a non-empty string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}
