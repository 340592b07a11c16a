package gateway

import (
	"encoding/json"
	"strings"
)

// The provider reports the same logical value under different JSON field
// names depending on version and operation. These helpers try an ordered
// list of dotted field paths and return the first present value, so the
// rest of the system only ever sees normalized types.

// statePaths, pairingCodePaths and externalIDPaths are ordered most-specific
// first; the first hit wins.
var (
	statePaths       = []string{"instance.state", "instance.status", "state", "status"}
	pairingCodePaths = []string{"qrcode.base64", "instance.qrcode.base64", "base64", "code"}
	externalIDPaths  = []string{"key.id", "messageId", "message_id", "id"}
	connectedPaths   = []string{"instance.connected", "connected"}
)

func decodeBody(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// lookupString walks dotted paths into nested objects and returns the first
// non-empty string value found.
func lookupString(m map[string]any, paths ...string) (string, bool) {
	for _, path := range paths {
		if v, ok := lookupPath(m, path); ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// lookupBool returns the first boolean value found under the given paths.
func lookupBool(m map[string]any, paths ...string) (bool, bool) {
	for _, path := range paths {
		if v, ok := lookupPath(m, path); ok {
			if b, ok := v.(bool); ok {
				return b, true
			}
		}
	}
	return false, false
}

func lookupPath(m map[string]any, path string) (any, bool) {
	if m == nil {
		return nil, false
	}
	var current any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// normalizeState maps the provider's state strings onto the five states the
// rest of the system understands. Unknown values are inconclusive.
func normalizeState(raw string) State {
	switch strings.ToLower(raw) {
	case "open", "connected":
		return StateOpen
	case "close", "closed", "disconnected":
		return StateClosed
	case "connecting", "pairing", "qrcode":
		return StateConnecting
	case "not_found", "notfound":
		return StateNotFound
	default:
		return StateError
	}
}
