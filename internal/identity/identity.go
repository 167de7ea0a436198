// Package identity defines the two participants of the notifier and the
// message kinds they can exchange. Both sets are closed: anything outside
// them is rejected at the boundary.
package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidUser is returned when a string does not name a participant
	ErrInvalidUser = errors.New("invalid participant")
	// ErrInvalidKind is returned when a string does not name a message kind
	ErrInvalidKind = errors.New("invalid message kind")
)

// User is one of the two participants.
type User uint8

const (
	Shivam User = iota + 1
	Arya
)

const (
	nameShivam = "Shivam"
	nameArya   = "Arya"
)

// ParseUser maps an exact participant name to a User.
func ParseUser(s string) (User, error) {
	switch s {
	case nameShivam:
		return Shivam, nil
	case nameArya:
		return Arya, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidUser, s)
}

// Valid reports whether u is one of the two participants.
func (u User) Valid() bool {
	switch u {
	case Shivam, Arya:
		return true
	}
	return false
}

// String returns the wire name of the participant.
func (u User) String() string {
	switch u {
	case Shivam:
		return nameShivam
	case Arya:
		return nameArya
	}
	return fmt.Sprintf("User(%d)", uint8(u))
}

// Peer returns the other participant.
func (u User) Peer() User {
	switch u {
	case Shivam:
		return Arya
	case Arya:
		return Shivam
	}
	return 0
}

// All returns both participants in a stable order.
func All() []User {
	return []User{Shivam, Arya}
}

// Kind distinguishes enriched predefined phrases from free text.
type Kind string

const (
	KindPredefined Kind = "predefined"
	KindCustom     Kind = "custom"
)

// ParseKind maps a wire value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPredefined:
		return KindPredefined, nil
	case KindCustom:
		return KindCustom, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}
