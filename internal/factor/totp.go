package factor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/internal/otp"
	"github.com/veridian-labs/stepfactor/internal/storage"
)

// TOTPConfig configures the time-based driver.
type TOTPConfig struct {
	Digits    int
	Interval  int
	Digest    otp.Digest
	Issuer    string
	Tolerance time.Duration // client/server skew tolerated during verification
	ScanLimit int           // max steps swept forward from a client timestamp
}

func (c TOTPConfig) withDefaults() TOTPConfig {
	if c.Digits == 0 {
		c.Digits = 6
	}
	if c.Interval == 0 {
		c.Interval = otp.DefaultInterval
	}
	if c.Digest == "" {
		c.Digest = otp.DigestSHA1
	}
	if c.Tolerance == 0 {
		c.Tolerance = 150 * time.Second
	}
	if c.ScanLimit == 0 {
		c.ScanLimit = 480
	}
	return c
}

// TOTPDriver verifies time-based codes against a per-user shared secret.
type TOTPDriver struct {
	*base
	config TOTPConfig
	engine *otp.TOTP
}

func NewTOTPDriver(config TOTPConfig, id string, store storage.Store, logger *slog.Logger) (*TOTPDriver, error) {
	config = config.withDefaults()

	engine, err := otp.NewTOTP(otp.Params{
		Digits: config.Digits,
		Digest: config.Digest,
		Issuer: config.Issuer,
	}, config.Interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	d := &TOTPDriver{
		base:   newBase("totp", id, store, logger),
		config: config,
		engine: engine,
	}

	d.schema["secret"] = &PropertySpec{
		Type:     TypeText,
		Private:  true,
		Label:    "secret",
		Generate: generateSecret,
	}

	return d, nil
}

// Verify checks the submitted code against the step containing timestamp
// within the drift tolerance, then sweeps forward from the client timestamp
// to now in interval steps, bounded by ScanLimit, to tolerate a client clock
// set in the past.
func (d *TOTPDriver) Verify(ctx context.Context, code string, timestamp time.Time) bool {
	secret, err := d.getString(ctx, "secret")
	if err != nil {
		d.logger.Warn("totp verify: secret unavailable",
			slog.String("username", d.username),
			slog.Any("error", err))
		return false
	}
	if secret == "" {
		d.logger.Debug("totp verify: no secret set", slog.String("username", d.username))
		return false
	}

	code = normalizeCode(code, d.config.Digits)
	if code == "" {
		return false
	}

	at := timestamp
	if at.IsZero() {
		at = d.now()
	}

	pass, _ := d.engine.Verify(code, secret, at, d.config.Tolerance)

	if !pass && !timestamp.IsZero() {
		now := d.now()
		step := time.Duration(d.config.Interval) * time.Second
		t := timestamp
		for steps := 0; !pass && t.Before(now) && steps < d.config.ScanLimit; steps++ {
			expected, err := d.engine.At(secret, t)
			if err != nil {
				break
			}
			pass = expected == code
			t = t.Add(step)
		}
	}

	return pass
}

// ProvisioningURI lazily generates and persists the secret and creation
// timestamp, then returns the otpauth enrollment URI.
func (d *TOTPDriver) ProvisioningURI(ctx context.Context) (string, error) {
	if err := otp.CheckLabel(d.username); err != nil {
		return "", err
	}

	secret, err := d.Get(ctx, "secret", true)
	if err != nil {
		return "", err
	}
	if _, err := d.Get(ctx, "created", true); err != nil {
		return "", err
	}
	if err := d.Commit(ctx); err != nil {
		return "", err
	}

	return d.engine.ProvisioningURI(fmt.Sprint(secret), d.username), nil
}

// normalizeCode coerces a submitted code to its canonical zero-padded digit
// form, mirroring integer comparison: "0123456" and "123456" are the same
// six-digit code. Non-numeric submissions never match.
func normalizeCode(code string, digits int) string {
	n, err := strconv.ParseUint(code, 10, 64)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%0*d", digits, n)
}
