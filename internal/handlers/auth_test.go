package handlers

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/stepfactor/internal/otp"
)

const testUsername = "john@example.org"

func totpCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	engine, err := otp.NewTOTP(otp.Params{Digits: 6, Digest: otp.DigestSHA1}, 30)
	require.NoError(t, err)
	code, err := engine.At(secret, at)
	require.NoError(t, err)
	return code
}

// enrollActiveTOTP saves an active TOTP factor for the account and returns
// its id and shared secret.
func enrollActiveTOTP(t *testing.T, env *testEnv, username string) (string, string) {
	t.Helper()
	ctx := context.Background()

	enrollment, err := env.facade.StartEnrollment(ctx, username, "totp")
	require.NoError(t, err)

	parsed, err := url.Parse(enrollment.ProvisioningURI)
	require.NoError(t, err)
	secret := parsed.Query().Get("secret")
	require.NotEmpty(t, secret)

	now := time.Now()
	result, err := env.facade.SaveFactor(ctx, username, enrollment.ID, nil, totpCodeAt(t, secret, now), now)
	require.NoError(t, err)
	require.True(t, result.Success, result.Message)

	return enrollment.ID, secret
}

func TestChallengeNotRequiredWithoutFactors(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()

	env.authHandler().Challenge(w, newTestRequest(t, "POST", "/auth/challenge", ChallengeRequest{
		Username: testUsername,
		Password: "hunter2",
	}))

	var resp ChallengeResponse
	decodeJSON(t, w, 200, &resp)
	assert.False(t, resp.Required)
	assert.Empty(t, resp.ChallengeToken)
}

func TestChallengeIssuedForActiveFactor(t *testing.T) {
	env := newTestEnv(t)
	enrollActiveTOTP(t, env, testUsername)

	w := httptest.NewRecorder()
	env.authHandler().Challenge(w, newTestRequest(t, "POST", "/auth/challenge", ChallengeRequest{
		Username: testUsername,
		Password: "hunter2",
	}))

	var resp ChallengeResponse
	decodeJSON(t, w, 200, &resp)
	assert.True(t, resp.Required)
	assert.Len(t, resp.Nonce, 64)
	assert.Equal(t, []string{"totp"}, resp.Methods)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), resp.ExpiresAt, 5*time.Second)

	_, err := env.tokens.Parse(resp.ChallengeToken)
	assert.NoError(t, err)
}

func TestChallengeRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()

	env.authHandler().Challenge(w, newTestRequest(t, "POST", "/auth/challenge", ChallengeRequest{
		Username: testUsername,
	}))

	assert.Equal(t, 400, w.Code)
}

func TestVerifyLoginSuccess(t *testing.T) {
	env := newTestEnv(t)
	_, secret := enrollActiveTOTP(t, env, testUsername)
	handler := env.authHandler()

	w := httptest.NewRecorder()
	handler.Challenge(w, newTestRequest(t, "POST", "/auth/challenge", ChallengeRequest{
		Username: testUsername,
		Password: "hunter2",
	}))
	var challenge ChallengeResponse
	decodeJSON(t, w, 200, &challenge)

	w = httptest.NewRecorder()
	handler.VerifyLogin(w, newTestRequest(t, "POST", "/auth/verify", VerifyLoginRequest{
		ChallengeToken: challenge.ChallengeToken,
		Fields: map[string]string{
			"_" + challenge.Nonce + "_totp": totpCodeAt(t, secret, time.Now()),
		},
	}))

	var resp VerifyLoginResponse
	decodeJSON(t, w, 200, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, testUsername, resp.Username)

	// the issued session token opens the settings surface
	sw := httptest.NewRecorder()
	env.settingsHandler().ListFactors(sw, withBearer(newTestRequest(t, "GET", "/settings/factors", nil), resp.SessionToken))
	assert.Equal(t, 200, sw.Code)
}

func TestVerifyLoginWrongCode(t *testing.T) {
	env := newTestEnv(t)
	enrollActiveTOTP(t, env, testUsername)
	handler := env.authHandler()

	w := httptest.NewRecorder()
	handler.Challenge(w, newTestRequest(t, "POST", "/auth/challenge", ChallengeRequest{
		Username: testUsername,
		Password: "hunter2",
	}))
	var challenge ChallengeResponse
	decodeJSON(t, w, 200, &challenge)

	w = httptest.NewRecorder()
	handler.VerifyLogin(w, newTestRequest(t, "POST", "/auth/verify", VerifyLoginRequest{
		ChallengeToken: challenge.ChallengeToken,
		Fields: map[string]string{
			"_" + challenge.Nonce + "_totp": "000000",
		},
	}))

	assert.Equal(t, 401, w.Code)
}

func TestVerifyLoginBogusToken(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()

	env.authHandler().VerifyLogin(w, newTestRequest(t, "POST", "/auth/verify", VerifyLoginRequest{
		ChallengeToken: "bogus",
		Fields:         map[string]string{"x": "y"},
	}))

	assert.Equal(t, 401, w.Code)
}

func TestAbandonDiscardsPendingChallenge(t *testing.T) {
	env := newTestEnv(t)
	_, secret := enrollActiveTOTP(t, env, testUsername)
	handler := env.authHandler()

	w := httptest.NewRecorder()
	handler.Challenge(w, newTestRequest(t, "POST", "/auth/challenge", ChallengeRequest{
		Username: testUsername,
		Password: "hunter2",
	}))
	var challenge ChallengeResponse
	decodeJSON(t, w, 200, &challenge)

	w = httptest.NewRecorder()
	handler.Abandon(w, newTestRequest(t, "POST", "/auth/abandon", AbandonRequest{
		ChallengeToken: challenge.ChallengeToken,
	}))
	assert.Equal(t, 204, w.Code)

	w = httptest.NewRecorder()
	handler.VerifyLogin(w, newTestRequest(t, "POST", "/auth/verify", VerifyLoginRequest{
		ChallengeToken: challenge.ChallengeToken,
		Fields: map[string]string{
			"_" + challenge.Nonce + "_totp": totpCodeAt(t, secret, time.Now()),
		},
	}))
	assert.Equal(t, 401, w.Code)
}

func TestSessionTokenExpiryFollowsConfiguredTTL(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()

	env.authHandlerWithTTL(time.Hour).StartSession(w, newTestRequest(t, "POST", "/session", StartSessionRequest{
		Username: testUsername,
	}))

	var resp StartSessionResponse
	decodeJSON(t, w, 200, &resp)

	token, err := jwt.Parse(resp.SessionToken, func(*jwt.Token) (any, error) {
		return []byte("0123456789abcdef0123456789abcdef"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)

	expiry, err := token.Claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry.Time, 5*time.Second)
}

func TestStartSessionIssuesSettingsToken(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()

	env.authHandler().StartSession(w, newTestRequest(t, "POST", "/session", StartSessionRequest{
		Username: testUsername,
	}))

	var resp StartSessionResponse
	decodeJSON(t, w, 200, &resp)

	sw := httptest.NewRecorder()
	env.settingsHandler().ListFactors(sw, withBearer(newTestRequest(t, "GET", "/settings/factors", nil), resp.SessionToken))
	assert.Equal(t, 200, sw.Code)
}
