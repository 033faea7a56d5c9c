package factor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/internal/storage"
)

// yubikeyIDLength is the fixed length of the public id prefix every OTP a
// key emits starts with.
const yubikeyIDLength = 12

// Validator submits a one-time password to a remote validation service.
type Validator interface {
	Validate(ctx context.Context, otp string) (bool, error)
}

// YubikeyDriver binds a hardware key by its public id prefix and verifies
// codes through a remote validation call. No local secret is stored.
type YubikeyDriver struct {
	*base
	validator Validator
}

func NewYubikeyDriver(validator Validator, id string, store storage.Store, logger *slog.Logger) (*YubikeyDriver, error) {
	if validator == nil {
		return nil, fmt.Errorf("%w: yubikey driver requires a validator", models.ErrInvalidConfig)
	}

	d := &YubikeyDriver{
		base:      newBase("yubikey", id, store, logger),
		validator: validator,
	}

	d.schema["yubikeyid"] = &PropertySpec{
		Type:     TypeText,
		Editable: true,
		Label:    "secret",
	}

	return d, nil
}

// Set treats an overlong yubikeyid value as a full one-time code: it is
// validated remotely and, on success, truncated to the 12-character public
// id — binding and first verification happen atomically. The creation
// timestamp is backfilled on the first property write.
func (d *YubikeyDriver) Set(ctx context.Context, key string, value any) error {
	if key != "created" {
		if created, err := d.Get(ctx, "created", false); err == nil && created == nil {
			if _, err := d.Get(ctx, "created", true); err != nil {
				return err
			}
		}
	}

	if key == "yubikeyid" {
		code := strings.TrimSpace(fmt.Sprint(value))
		if len(code) > yubikeyIDLength {
			ok, err := d.validator.Validate(ctx, code)
			if err != nil {
				return fmt.Errorf("yubikey validation failed: %w", err)
			}
			if !ok {
				return fmt.Errorf("yubikey code rejected by validation service")
			}
			code = code[:yubikeyIDLength]
		}
		value = code
	}

	return d.base.Set(ctx, key, value)
}

// Verify requires the code to carry the bound key id prefix before spending
// a remote call on it. Network and validation errors read as a failed
// verification.
func (d *YubikeyDriver) Verify(ctx context.Context, code string, _ time.Time) bool {
	keyID, err := d.getString(ctx, "yubikeyid")
	if err != nil || keyID == "" {
		d.logger.Debug("yubikey verify: no key registered", slog.String("username", d.username))
		return false
	}

	if !strings.HasPrefix(code, keyID) {
		return false
	}

	ok, err := d.validator.Validate(ctx, code)
	if err != nil {
		d.logger.Warn("yubikey verify: validation call failed",
			slog.String("username", d.username),
			slog.Any("error", err))
		return false
	}

	return ok
}
