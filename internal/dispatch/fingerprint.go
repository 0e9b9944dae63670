package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint identifies an action by what it would do. Two rule
// matches producing the same connector, capability, operation, and
// parameters collide onto one fingerprint and therefore one in-flight
// invocation. json.Marshal emits map keys sorted, which makes the
// parameter encoding canonical at every nesting level.
func Fingerprint(connectorID, capID, op string, params map[string]any) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable params cannot coalesce; hash without them.
		canonical = []byte("{}")
	}
	h := sha256.New()
	h.Write([]byte(connectorID))
	h.Write([]byte{'|'})
	h.Write([]byte(capID))
	h.Write([]byte{'|'})
	h.Write([]byte(op))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
