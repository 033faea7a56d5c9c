package factor

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/internal/otp"
	"github.com/veridian-labs/stepfactor/internal/storage"
)

// HOTPConfig configures the counter-based driver.
type HOTPConfig struct {
	Digits int
	Digest otp.Digest
	Issuer string
	Window uint64 // counter look-ahead during verification
}

func (c HOTPConfig) withDefaults() HOTPConfig {
	if c.Digits == 0 {
		c.Digits = 6
	}
	if c.Digest == "" {
		c.Digest = otp.DigestSHA1
	}
	if c.Window == 0 {
		c.Window = 4
	}
	return c
}

// HOTPDriver verifies counter-based codes against a per-user shared secret
// and monotonic counter.
type HOTPDriver struct {
	*base
	config HOTPConfig
	engine *otp.HOTP
}

func NewHOTPDriver(config HOTPConfig, id string, store storage.Store, logger *slog.Logger) (*HOTPDriver, error) {
	config = config.withDefaults()

	engine, err := otp.NewHOTP(otp.Params{
		Digits: config.Digits,
		Digest: config.Digest,
		Issuer: config.Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	d := &HOTPDriver{
		base:   newBase("hotp", id, store, logger),
		config: config,
		engine: engine,
	}

	d.schema["secret"] = &PropertySpec{
		Type:     TypeText,
		Private:  true,
		Label:    "secret",
		Generate: generateSecret,
	}
	d.schema["counter"] = &PropertySpec{
		Type:     TypeInteger,
		Hidden:   true,
		Generate: randomCounter,
	}

	return d, nil
}

// Verify checks the code against the counter window. On a match the
// resynchronized counter is persisted before the result is returned: a code
// must never verify twice against the same counter, so a failed commit means
// a failed verification.
func (d *HOTPDriver) Verify(ctx context.Context, code string, _ time.Time) bool {
	secret, err := d.getString(ctx, "secret")
	if err != nil || secret == "" {
		d.logger.Debug("hotp verify: no secret set", slog.String("username", d.username))
		return false
	}

	counterVal, err := d.Get(ctx, "counter", false)
	if err != nil {
		return false
	}
	counter := uint64(models.AsInt64(counterVal))

	code = normalizeCode(code, d.config.Digits)
	if code == "" {
		return false
	}

	pass, next := d.engine.Verify(code, secret, counter, d.config.Window)
	if !pass {
		return false
	}

	if err := d.put(ctx, "counter", int64(next)); err != nil {
		d.logger.Error("hotp verify: failed to stage counter", slog.Any("error", err))
		return false
	}
	if err := d.Commit(ctx); err != nil {
		d.logger.Error("hotp verify: failed to persist counter",
			slog.String("username", d.username),
			slog.Any("error", err))
		return false
	}

	return true
}

// ProvisioningURI lazily generates and persists the secret, the initial
// counter and the creation timestamp, then returns the otpauth enrollment
// URI.
func (d *HOTPDriver) ProvisioningURI(ctx context.Context) (string, error) {
	if err := otp.CheckLabel(d.username); err != nil {
		return "", err
	}

	secret, err := d.Get(ctx, "secret", true)
	if err != nil {
		return "", err
	}
	counter, err := d.Get(ctx, "counter", true)
	if err != nil {
		return "", err
	}
	if _, err := d.Get(ctx, "created", true); err != nil {
		return "", err
	}
	if err := d.Commit(ctx); err != nil {
		return "", err
	}

	return d.engine.ProvisioningURI(fmt.Sprint(secret), d.username, uint64(models.AsInt64(counter))), nil
}

// randomCounter picks the initial counter in [1,999] so fresh enrollments do
// not all start at zero.
func randomCounter() (any, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(999))
	if err != nil {
		return nil, fmt.Errorf("failed to generate counter: %w", err)
	}
	return n.Int64() + 1, nil
}
