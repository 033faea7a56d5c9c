package stepup

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/stepfactor/internal/factor"
	"github.com/veridian-labs/stepfactor/internal/models"
)

// fakeDriver accepts exactly one code and records verification attempts.
type fakeDriver struct {
	id       string
	code     string
	username string
	attempts int
}

func (d *fakeDriver) ID() string                                     { return d.id }
func (d *fakeDriver) Method() string                                 { return models.MethodOf(d.id) }
func (d *fakeDriver) Temporary() bool                                { return false }
func (d *fakeDriver) SetUsername(username string)                    { d.username = username }
func (d *fakeDriver) Username() string                               { return d.username }
func (d *fakeDriver) Get(context.Context, string, bool) (any, error) { return nil, nil }
func (d *fakeDriver) Set(context.Context, string, any) error         { return nil }
func (d *fakeDriver) Activate(context.Context) error                 { return nil }
func (d *fakeDriver) Commit(context.Context) error                   { return nil }
func (d *fakeDriver) Clear(context.Context) error                    { return nil }
func (d *fakeDriver) Props(context.Context, bool) ([]factor.PropertyView, error) {
	return nil, nil
}

func (d *fakeDriver) Verify(_ context.Context, code string, _ time.Time) bool {
	d.attempts++
	return code == d.code
}

type fakeResolver struct {
	drivers map[string]*fakeDriver
}

func (r *fakeResolver) resolve(factorID, username string) (factor.Driver, error) {
	d, ok := r.drivers[factorID]
	if !ok {
		return nil, models.ErrUnknownMethod
	}
	d.username = username
	return d, nil
}

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestController(t *testing.T, resolver *fakeResolver) *Controller {
	t.Helper()
	c, err := NewController(NewMemorySessionStore(), resolver.resolve, Config{
		EncryptionKey: testKey,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestNewControllerRejectsShortKey(t *testing.T) {
	_, err := NewController(NewMemorySessionStore(), nil, Config{
		EncryptionKey: []byte("too-short"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestChallengeFreezesFactorsAndIssuesNonce(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, &fakeResolver{})

	sess, err := c.Challenge(ctx, "john@example.org", "hunter2", []string{"totp:a", "hotp:b", "totp:a"})
	require.NoError(t, err)

	assert.Equal(t, []string{"totp:a", "hotp:b"}, sess.Factors)
	assert.Len(t, sess.Nonce, 64)
	assert.NotEmpty(t, sess.ID)
	assert.NotContains(t, string(sess.Credentials), "hunter2")
}

func TestChallengeRequiresFactors(t *testing.T) {
	c := newTestController(t, &fakeResolver{})

	_, err := c.Challenge(context.Background(), "john@example.org", "hunter2", nil)
	assert.Error(t, err)
}

func TestVerifyLoginRestoresCredentials(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	sess, err := c.Challenge(ctx, "john@example.org", "hunter2", []string{"totp:a"})
	require.NoError(t, err)

	form := map[string]string{sess.CodeField("totp"): "123456"}
	result, err := c.VerifyLogin(ctx, sess.ID, form)
	require.NoError(t, err)
	assert.Equal(t, "john@example.org", result.Username)
	assert.Equal(t, "hunter2", result.Password)

	// the challenge is single-use
	_, err = c.VerifyLogin(ctx, sess.ID, form)
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}

func TestVerifyLoginWrongNonceField(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	sess, err := c.Challenge(ctx, "john@example.org", "hunter2", []string{"totp:a"})
	require.NoError(t, err)

	other := &models.StepUpSession{Nonce: "deadbeef"}
	form := map[string]string{other.CodeField("totp"): "123456"}

	_, err = c.VerifyLogin(ctx, sess.ID, form)
	assert.Error(t, err)
	assert.Zero(t, driver.attempts)
}

func TestVerifyLoginWrongCode(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	sess, err := c.Challenge(ctx, "john@example.org", "hunter2", []string{"totp:a"})
	require.NoError(t, err)

	_, err = c.VerifyLogin(ctx, sess.ID, map[string]string{sess.CodeField("totp"): "654321"})
	assert.Error(t, err)
	assert.Equal(t, 1, driver.attempts)
}

func TestVerifyLoginExpiryCheckedBeforeDriver(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	t0 := time.Now()
	c.now = func() time.Time { return t0 }

	sess, err := c.Challenge(ctx, "john@example.org", "hunter2", []string{"totp:a"})
	require.NoError(t, err)
	form := map[string]string{sess.CodeField("totp"): "123456"}

	// past the timeout even the correct code is refused, unseen by the driver
	c.now = func() time.Time { return t0.Add(121 * time.Second) }
	_, err = c.VerifyLogin(ctx, sess.ID, form)
	assert.ErrorIs(t, err, models.ErrChallengeExpired)
	assert.Zero(t, driver.attempts)
}

func TestVerifyLoginWithinTimeout(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	t0 := time.Now()
	c.now = func() time.Time { return t0 }

	sess, err := c.Challenge(ctx, "john@example.org", "hunter2", []string{"totp:a"})
	require.NoError(t, err)

	c.now = func() time.Time { return t0.Add(119 * time.Second) }
	_, err = c.VerifyLogin(ctx, sess.ID, map[string]string{sess.CodeField("totp"): "123456"})
	assert.NoError(t, err)
}

func TestVerifyLoginFirstMatchingFactorWins(t *testing.T) {
	ctx := context.Background()
	totp := &fakeDriver{id: "totp:a", code: "123456"}
	hotp := &fakeDriver{id: "hotp:b", code: "999999"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{
		"totp:a": totp,
		"hotp:b": hotp,
	}})

	sess, err := c.Challenge(ctx, "john@example.org", "hunter2", []string{"totp:a", "hotp:b"})
	require.NoError(t, err)

	// only the second factor's field is filled in
	_, err = c.VerifyLogin(ctx, sess.ID, map[string]string{sess.CodeField("hotp"): "999999"})
	assert.NoError(t, err)
	assert.Zero(t, totp.attempts)
	assert.Equal(t, 1, hotp.attempts)
}

func TestAbandonDiscardsChallenge(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	sess, err := c.Challenge(ctx, "john@example.org", "hunter2", []string{"totp:a"})
	require.NoError(t, err)

	c.Abandon(ctx, sess.ID)

	_, err = c.VerifyLogin(ctx, sess.ID, map[string]string{sess.CodeField("totp"): "123456"})
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}

func TestVerifyCodeElevatesAndDrainsDeferred(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	var replayed []string
	c.RegisterAction("remove", func(_ context.Context, params map[string]string) error {
		replayed = append(replayed, params["factor"])
		return nil
	})

	sess, err := c.StartInteractive(ctx, "john@example.org")
	require.NoError(t, err)
	assert.False(t, c.Secured(sess))

	require.NoError(t, c.Defer(ctx, sess, models.DeferredCall{Name: "remove", Params: map[string]string{"factor": "totp:a"}}))
	require.NoError(t, c.Defer(ctx, sess, models.DeferredCall{Name: "remove", Params: map[string]string{"factor": "hotp:b"}}))

	ok := c.VerifyCode(ctx, sess, "totp:a", "123456", time.Now(), true)
	require.True(t, ok)

	// most recent first
	assert.Equal(t, []string{"hotp:b", "totp:a"}, replayed)
	assert.Empty(t, sess.Deferred)
	assert.True(t, c.Secured(sess))
}

func TestSecuredWindowExpires(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	t0 := time.Now()
	c.now = func() time.Time { return t0 }

	sess, err := c.StartInteractive(ctx, "john@example.org")
	require.NoError(t, err)

	require.True(t, c.VerifyCode(ctx, sess, "totp:a", "123456", t0, true))
	assert.True(t, c.Secured(sess))

	c.now = func() time.Time { return t0.Add(181 * time.Second) }
	assert.False(t, c.Secured(sess))
}

func TestVerifyCodeWithoutElevation(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{id: "totp:a", code: "123456"}
	c := newTestController(t, &fakeResolver{drivers: map[string]*fakeDriver{"totp:a": driver}})

	sess, err := c.StartInteractive(ctx, "john@example.org")
	require.NoError(t, err)

	require.True(t, c.VerifyCode(ctx, sess, "totp:a", "123456", time.Now(), false))
	assert.False(t, c.Secured(sess))
}

func TestDeferRejectsUnregisteredAction(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, &fakeResolver{})

	sess, err := c.StartInteractive(ctx, "john@example.org")
	require.NoError(t, err)

	err = c.Defer(ctx, sess, models.DeferredCall{Name: "unknown"})
	assert.Error(t, err)
}
