package message

import (
	"fmt"

	"github.com/aquilax/truncate"
	"github.com/real-rm/notifier/internal/identity"
)

const (
	// MaxPushBodyLength caps the notification body, ellipsis included.
	MaxPushBodyLength = 100
	// PushEllipsis marks a truncated body.
	PushEllipsis = "..."

	pushIcon = "/icon-192x192.png"
	pushURL  = "/"
)

// PushPayload is the JSON document handed to the push service.
type PushPayload struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Icon  string   `json:"icon"`
	Tag   string   `json:"tag"`
	Data  PushData `json:"data"`
}

// PushData lets the service worker route a notification click.
type PushData struct {
	URL       string `json:"url"`
	Sender    string `json:"sender"`
	MessageID string `json:"messageId"`
}

// NewPushPayload summarises m for a system notification. noteIsFallback
// marks a predefined message whose note was not generated.
func NewPushPayload(m *Message, noteIsFallback bool) *PushPayload {
	return &PushPayload{
		Title: fmt.Sprintf("New message from %s", m.Sender),
		Body:  TruncateBody(pushBody(m, noteIsFallback)),
		Icon:  pushIcon,
		Tag:   fmt.Sprintf("new-message-%s-%s", m.Sender, m.Recipient),
		Data: PushData{
			URL:       pushURL,
			Sender:    m.Sender,
			MessageID: m.ID,
		},
	}
}

func pushBody(m *Message, noteIsFallback bool) string {
	switch m.Kind {
	case identity.KindPredefined:
		if noteIsFallback || m.EnrichmentNote == "" {
			return fmt.Sprintf("%s (from %s)", m.OriginalText, m.Sender)
		}
		return fmt.Sprintf(`%s - %s adds: "%s"`, m.OriginalText, m.Sender, m.EnrichmentNote)
	case identity.KindCustom:
		return fmt.Sprintf(`%s says: "%s"`, m.Sender, m.CustomText)
	}
	return m.Text
}

// TruncateBody caps s at MaxPushBodyLength runes, ending in PushEllipsis when cut.
func TruncateBody(s string) string {
	return truncate.Truncate(s, MaxPushBodyLength, PushEllipsis, truncate.PositionEnd)
}
