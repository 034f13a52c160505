package tokenizer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte(strings.Repeat("k", 32))

func TestJWTTokenizer_RoundTrip(t *testing.T) {
	tk := NewJWTTokenizer(testSecret)

	session := tk.NewAdminSession("ops", time.Hour)
	token, err := tk.AdminSessionToToken(session)
	require.NoError(t, err)

	parsed, err := tk.TokenToAdminSession(token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, parsed.ID)
	assert.Equal(t, "ops", parsed.Subject)
}

func TestJWTTokenizer_RejectsWrongSecret(t *testing.T) {
	issuer := NewJWTTokenizer(testSecret)
	token, err := issuer.AdminSessionToToken(issuer.NewAdminSession("ops", time.Hour))
	require.NoError(t, err)

	other := NewJWTTokenizer([]byte(strings.Repeat("x", 32)))
	_, err = other.TokenToAdminSession(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTTokenizer_RejectsExpired(t *testing.T) {
	tk := NewJWTTokenizer(testSecret).(*JWTTokenizer)
	past := time.Now().Add(-2 * time.Hour)
	tk.now = func() time.Time { return past }

	token, err := tk.AdminSessionToToken(tk.NewAdminSession("ops", time.Hour))
	require.NoError(t, err)

	tk.now = time.Now
	_, err = tk.TokenToAdminSession(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTTokenizer_RejectsGarbage(t *testing.T) {
	_, err := NewJWTTokenizer(testSecret).TokenToAdminSession("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
