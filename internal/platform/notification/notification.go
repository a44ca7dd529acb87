// Package notification decodes change notifications pushed by the record
// store's notification channel into a resource locator plus delivery
// metadata. Decoding never fails: malformed input degrades to a Notification
// without a locator.
package notification

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
)

// Action is the kind of change that produced the notification.
type Action string

const (
	ActionUnknown Action = ""
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
)

// ParseAction normalizes the action attribute. Both the short form
// ("create") and the record store's form ("CreateResource") are accepted;
// patches count as updates.
func ParseAction(s string) Action {
	a := strings.ToLower(strings.TrimSpace(s))
	a = strings.TrimSuffix(a, "resource")
	switch a {
	case "create":
		return ActionCreate
	case "update", "patch":
		return ActionUpdate
	case "delete":
		return ActionDelete
	}
	return ActionUnknown
}

// Notification is a decoded push delivery. It only lives for the request.
type Notification struct {
	Locator      fhir.Locator
	Attributes   map[string]string
	Action       Action
	MessageID    string
	PublishTime  string
	Subscription string

	// Wrapped is true for the push envelope shape ({"message": {...}}).
	Wrapped bool
	// HasData is true when a wrapped message carried a non-empty data field.
	HasData bool
	// Structured is false when the body could not be attributed to any known
	// shape: not a JSON object and no embedded resource name.
	Structured bool
}

// StoreName returns the storeName attribute, if present.
func (n Notification) StoreName() string {
	return n.Attributes["storeName"]
}

type pushMessage struct {
	Data         json.RawMessage   `json:"data"`
	Attributes   map[string]string `json:"attributes"`
	MessageID    string            `json:"messageId"`
	MessageIDAlt string            `json:"message_id"`
	PublishTime  string            `json:"publishTime"`
}

// Decode parses a webhook body. Three shapes are recognised: the push
// envelope with base64 data and attributes, a JSON object carrying
// resourceName/name directly, and any text embedding a resource path.
func Decode(body []byte) Notification {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Notification{}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		var s string
		text := string(body)
		if json.Unmarshal(body, &s) == nil {
			text = s
		}
		return fromText(text)
	}

	n := Notification{Structured: true}
	if sub, ok := top["subscription"]; ok {
		_ = json.Unmarshal(sub, &n.Subscription)
	}

	if rawMsg, ok := top["message"]; ok && !isNull(rawMsg) {
		var msg pushMessage
		if err := json.Unmarshal(rawMsg, &msg); err != nil {
			// message present but not an object: fall back to a text scan.
			return fromText(string(body))
		}
		n.Wrapped = true
		n.Attributes = msg.Attributes
		n.Action = ParseAction(msg.Attributes["action"])
		n.MessageID = firstNonEmpty(msg.MessageID, msg.MessageIDAlt)
		n.PublishTime = msg.PublishTime
		n.HasData = len(msg.Data) > 0 && !isNull(msg.Data) && string(msg.Data) != `""`
		if n.HasData {
			if name := DecodeData(msg.Data); name != "" {
				n.Locator = fhir.ParseLocator(name)
			}
		}
		return n
	}

	if name := nameFromObject(top); name != "" {
		n.Locator = fhir.ParseLocator(name)
		if rawAttrs, ok := top["attributes"]; ok {
			_ = json.Unmarshal(rawAttrs, &n.Attributes)
			n.Action = ParseAction(n.Attributes["action"])
		}
		return n
	}

	if name, ok := fhir.FindLocator(string(body)); ok {
		n.Locator = fhir.ParseLocator(name)
	}
	return n
}

// DecodeData extracts a resource name from a message data field. The field
// may be base64 text, a JSON string, or an inline JSON object; the decoded
// content may itself be a JSON object with resourceName/name, a JSON string,
// or free text embedding a resource path.
func DecodeData(data json.RawMessage) string {
	var candidates []string
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if decoded, ok := decodeBase64(s); ok {
			candidates = append(candidates, decoded)
		}
		candidates = append(candidates, s)
	} else {
		candidates = append(candidates, string(data))
	}

	for _, text := range candidates {
		if name := nameFromText(text); name != "" {
			return name
		}
	}
	return ""
}

func fromText(text string) Notification {
	name, ok := fhir.FindLocator(text)
	if !ok {
		return Notification{}
	}
	return Notification{Locator: fhir.ParseLocator(name), Structured: true}
}

func nameFromText(text string) string {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		switch t := v.(type) {
		case map[string]any:
			for _, key := range []string{"resourceName", "name"} {
				if s, ok := t[key].(string); ok && s != "" {
					return s
				}
			}
		case string:
			text = t
		}
	}
	name, _ := fhir.FindLocator(text)
	return name
}

func nameFromObject(obj map[string]json.RawMessage) string {
	for _, key := range []string{"resourceName", "name"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func decodeBase64(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
