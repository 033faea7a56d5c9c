package stepup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/stepfactor/internal/models"
)

const tokenSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	tm, err := NewTokenManager(tokenSecret)
	require.NoError(t, err)

	token, err := tm.Mint("session-1", time.Now().Add(2*time.Minute))
	require.NoError(t, err)

	sid, err := tm.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "session-1", sid)
}

func TestTokenExpired(t *testing.T) {
	tm, err := NewTokenManager(tokenSecret)
	require.NoError(t, err)

	token, err := tm.Mint("session-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = tm.Parse(token)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestTokenWrongSecret(t *testing.T) {
	tm, err := NewTokenManager(tokenSecret)
	require.NoError(t, err)

	other, err := NewTokenManager("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	token, err := tm.Mint("session-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = other.Parse(token)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestTokenGarbage(t *testing.T) {
	tm, err := NewTokenManager(tokenSecret)
	require.NoError(t, err)

	_, err = tm.Parse("not-a-token")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestTokenManagerRequiresStrongSecret(t *testing.T) {
	_, err := NewTokenManager("short")
	assert.Error(t, err)
}
