package identity

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUser(t *testing.T) {
	u, err := ParseUser("Shivam")
	require.NoError(t, err)
	assert.Equal(t, Shivam, u)

	u, err = ParseUser("Arya")
	require.NoError(t, err)
	assert.Equal(t, Arya, u)

	for _, bad := range []string{"", "shivam", "ARYA", " Arya", "Bob", "Shivam\x00"} {
		_, err := ParseUser(bad)
		assert.True(t, errors.Is(err, ErrInvalidUser), "expected %q to be rejected", bad)
	}
}

func TestUser_Peer(t *testing.T) {
	assert.Equal(t, Arya, Shivam.Peer())
	assert.Equal(t, Shivam, Arya.Peer())
	assert.False(t, User(0).Peer().Valid())
}

func TestUser_StringRoundTrip(t *testing.T) {
	for _, u := range All() {
		parsed, err := ParseUser(u.String())
		require.NoError(t, err)
		assert.Equal(t, u, parsed)
		assert.True(t, u.Valid())
	}
	assert.False(t, User(7).Valid())
	assert.Equal(t, "User(7)", User(7).String())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("predefined")
	require.NoError(t, err)
	assert.Equal(t, KindPredefined, k)

	k, err = ParseKind("custom")
	require.NoError(t, err)
	assert.Equal(t, KindCustom, k)

	for _, bad := range []string{"", "Custom", "predefinedMessage", "image"} {
		_, err := ParseKind(bad)
		assert.True(t, errors.Is(err, ErrInvalidKind))
	}
}

// Property: only the two exact names are accepted
func TestProperty_ClosedIdentitySet(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("arbitrary strings parse only when they are a participant name", prop.ForAll(
		func(s string) bool {
			u, err := ParseUser(s)
			if s == "Shivam" || s == "Arya" {
				return err == nil && u.String() == s
			}
			return errors.Is(err, ErrInvalidUser) && !u.Valid()
		},
		gen.OneGenOf(gen.AnyString(), gen.AlphaString(), gen.OneConstOf("Shivam", "Arya", "shivam", "arya")),
	))

	properties.TestingRun(t)
}
