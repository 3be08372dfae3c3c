// Package push turns inbound push messages into displayed notifications and
// routes notification clicks back to an application window.
package push

import (
	"encoding/json"
	"strings"
)

const (
	DefaultTitle = "Notification"
	DefaultBody  = "New message received"
	DefaultURL   = "/"
)

// PayloadKind tags how a push body was interpreted.
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadStructured
	PayloadPlainText
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadEmpty:
		return "empty"
	case PayloadStructured:
		return "structured"
	case PayloadPlainText:
		return "plain-text"
	default:
		return "unknown"
	}
}

// Payload is the resolved content of a push message, defaults applied.
type Payload struct {
	Kind  PayloadKind
	Title string
	Body  string
	URL   string
}

type wirePayload struct {
	Title *string `json:"title"`
	Body  *string `json:"body"`
	URL   *string `json:"url"`
}

// ParsePayload resolves a raw push body. A body that is not a JSON object is
// shown as plain text with the default title and URL. Missing or empty fields
// keep their defaults.
func ParsePayload(data []byte) Payload {
	p := Payload{Kind: PayloadEmpty, Title: DefaultTitle, Body: DefaultBody, URL: DefaultURL}
	if len(data) == 0 {
		return p
	}

	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil || !isJSONObject(data) {
		p.Kind = PayloadPlainText
		p.Body = string(data)
		return p
	}
	p.Kind = PayloadStructured
	if w.Title != nil && *w.Title != "" {
		p.Title = *w.Title
	}
	if w.Body != nil && *w.Body != "" {
		p.Body = *w.Body
	}
	if w.URL != nil && *w.URL != "" {
		p.URL = *w.URL
	}
	return p
}

func isJSONObject(data []byte) bool {
	return strings.HasPrefix(strings.TrimSpace(string(data)), "{")
}
