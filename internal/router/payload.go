package router

import (
	"encoding/json"
	"fmt"
	"strings"
)

// InboundMessage is the normalized form of one webhook delivery.
type InboundMessage struct {
	Instance   string
	Address    string
	Text       string
	ExternalID string
	FromSelf   bool
}

// Provider payloads shift shape between versions, so each field is resolved
// through an ordered list of dotted paths and the first hit wins.
var (
	instancePaths = []string{"instance", "instanceName", "instance.instanceName"}
	addressPaths  = []string{"data.key.remoteJid", "key.remoteJid", "sender", "from", "phone", "number"}
	textPaths     = []string{"data.message.conversation", "data.message.extendedTextMessage.text", "message.conversation", "message", "text", "body", "content"}
	externalPaths = []string{"data.key.id", "key.id", "messageId", "id"}
	fromMePaths   = []string{"data.key.fromMe", "key.fromMe"}
)

// ExtractInbound decodes a raw webhook body into an InboundMessage. A payload
// that is valid JSON but carries no contact address or no text is not an
// error: it comes back with those fields empty and the caller decides to
// drop it.
func ExtractInbound(body []byte) (InboundMessage, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return InboundMessage{}, fmt.Errorf("decode webhook payload: %w", err)
	}

	msg := InboundMessage{
		Instance:   firstString(payload, instancePaths),
		Address:    firstString(payload, addressPaths),
		Text:       firstString(payload, textPaths),
		ExternalID: firstString(payload, externalPaths),
		FromSelf:   firstBool(payload, fromMePaths),
	}
	return msg, nil
}

func firstString(payload map[string]any, paths []string) string {
	for _, p := range paths {
		v, ok := lookupPath(payload, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstBool(payload map[string]any, paths []string) bool {
	for _, p := range paths {
		v, ok := lookupPath(payload, p)
		if !ok {
			continue
		}
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func lookupPath(payload map[string]any, path string) (any, bool) {
	current := any(payload)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
