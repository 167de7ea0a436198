// Package message defines the canonical message representation and the JSON
// frames exchanged over a live connection.
package message

import (
	"time"

	"github.com/real-rm/notifier/internal/identity"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// NoteUnavailable stands in for an empty enrichment note in display text.
const NoteUnavailable = "(Note not available)"

// Message is the persisted, authoritative form of a message. Every client
// renders exactly these fields.
type Message struct {
	ID             string        `json:"id"`
	Sender         string        `json:"sender"`
	Recipient      string        `json:"recipient"`
	Kind           identity.Kind `json:"kind"`
	Text           string        `json:"text"`
	OriginalText   string        `json:"originalText"`
	EnrichmentNote string        `json:"enrichmentNote"`
	CustomText     string        `json:"customText"`
	Timestamp      string        `json:"timestamp"`

	// CreatedAt is the server time the message was persisted at.
	CreatedAt time.Time `json:"-"`
}

// New builds a canonical message and derives its display text.
func New(id string, sender, recipient identity.User, kind identity.Kind, original, note, custom string, createdAt time.Time) *Message {
	m := &Message{
		ID:             id,
		Sender:         sender.String(),
		Recipient:      recipient.String(),
		Kind:           kind,
		OriginalText:   original,
		EnrichmentNote: note,
		CustomText:     custom,
		Timestamp:      FormatTimestamp(createdAt),
		CreatedAt:      createdAt.UTC(),
	}
	m.Text = DisplayText(kind, original, note, custom)
	return m
}

// DisplayText joins a predefined phrase with its note, or returns the custom text.
func DisplayText(kind identity.Kind, original, note, custom string) string {
	switch kind {
	case identity.KindPredefined:
		if note == "" {
			note = NoteUnavailable
		}
		return original + " - " + note
	case identity.KindCustom:
		return custom
	}
	return ""
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
