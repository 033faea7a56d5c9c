// Package settings coordinates factor management for the presentation
// boundary: listing, enrollment, verified saves and high-security-gated
// deletion. It is the only component touching drivers, storage and the
// step-up controller together.
package settings

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/veridian-labs/stepfactor/internal/factor"
	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/internal/stepup"
	"github.com/veridian-labs/stepfactor/internal/storage"
)

const qrSize = 240

// deferred action replayed after a successful step-up verification
const actionDeleteFactor = "delete_factor"

// Facade exposes the factor management operations.
type Facade struct {
	drivers *factor.Registry
	stores  *storage.Registry
	backend string
	stepup  *stepup.Controller
	logger  *slog.Logger
}

func NewFacade(drivers *factor.Registry, stores *storage.Registry, backend string, ctrl *stepup.Controller, logger *slog.Logger) *Facade {
	f := &Facade{
		drivers: drivers,
		stores:  stores,
		backend: backend,
		stepup:  ctrl,
		logger:  logger,
	}

	ctrl.RegisterAction(actionDeleteFactor, f.replayDelete)
	return f
}

// Driver builds an account-bound driver for a factor id; it is the resolver
// the step-up controller verifies through.
func (f *Facade) Driver(factorID, username string) (factor.Driver, error) {
	store, err := f.stores.Open(f.backend, username)
	if err != nil {
		return nil, err
	}
	return f.drivers.New(factorID, store, username)
}

// ActiveFactors lists the ids eligible to satisfy a login challenge.
func (f *Facade) ActiveFactors(ctx context.Context, username string) ([]string, error) {
	store, err := f.stores.Open(f.backend, username)
	if err != nil {
		return nil, err
	}
	return store.Enumerate(ctx, true)
}

// ListFactors returns the redacted records of all factors stored for the
// account.
func (f *Facade) ListFactors(ctx context.Context, username string) ([]models.Factor, error) {
	store, err := f.stores.Open(f.backend, username)
	if err != nil {
		return nil, err
	}

	ids, err := store.Enumerate(ctx, false)
	if err != nil {
		return nil, err
	}

	factors := make([]models.Factor, 0, len(ids))
	for _, id := range ids {
		driver, err := f.drivers.New(id, store, username)
		if err != nil {
			f.logger.Warn("skipping unloadable factor",
				slog.String("factor", id),
				slog.Any("error", err))
			continue
		}

		active, err := driver.Get(ctx, "active", false)
		if err != nil {
			return nil, err
		}
		label, _ := driver.Get(ctx, "label", false)
		created, _ := driver.Get(ctx, "created", false)

		factors = append(factors, models.Factor{
			ID:      driver.ID(),
			Method:  driver.Method(),
			Active:  models.AsBool(active),
			Label:   models.AsString(label),
			Created: models.AsTime(created),
		})
	}

	return factors, nil
}

// Enrollment is the render-ready state of a factor being set up.
type Enrollment struct {
	ID              string                `json:"id"`
	Method          string                `json:"method"`
	Props           []factor.PropertyView `json:"props"`
	ProvisioningURI string                `json:"provisioning_uri,omitempty"`
	QRCode          string                `json:"qrcode,omitempty"`
}

// StartEnrollment creates a fresh factor for the method and returns its
// renderable properties plus, for provisionable methods, the enrollment URI
// and a QR PNG data URL. Secret material is exposed here and nowhere else.
func (f *Facade) StartEnrollment(ctx context.Context, username, method string) (*Enrollment, error) {
	driver, err := f.Driver(method, username)
	if err != nil {
		return nil, err
	}

	props, err := driver.Props(ctx, true)
	if err != nil {
		return nil, err
	}

	enrollment := &Enrollment{
		ID:     driver.ID(),
		Method: driver.Method(),
		Props:  props,
	}

	if prov, ok := driver.(factor.Provisioner); ok {
		uri, err := prov.ProvisioningURI(ctx)
		if err != nil {
			f.logger.Error("failed to build provisioning uri",
				slog.String("method", method),
				slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		enrollment.ProvisioningURI = uri

		png, err := qrcode.Encode(uri, qrcode.High, qrSize)
		if err != nil {
			return nil, fmt.Errorf("failed to encode QR code: %w", err)
		}
		enrollment.QRCode = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}

	return enrollment, nil
}

// SaveResult reports the outcome of a save or verify operation with a
// user-facing message that never discloses the internal cause.
type SaveResult struct {
	Success bool                  `json:"success"`
	ID      string                `json:"id,omitempty"`
	Props   []factor.PropertyView `json:"props,omitempty"`
	Message string                `json:"message"`
}

// SaveFactor verifies the submitted code, applies the property map and
// commits the factor as active. Per-property failures are counted and any
// failure skips the commit entirely; a save is all-or-nothing.
func (f *Facade) SaveFactor(ctx context.Context, username, factorID string, props map[string]any, verifyCode string, timestamp time.Time) (*SaveResult, error) {
	driver, err := f.Driver(factorID, username)
	if err != nil {
		return nil, err
	}

	if verifyCode != "" && !driver.Verify(ctx, verifyCode, timestamp) {
		return &SaveResult{
			Success: false,
			ID:      driver.ID(),
			Message: "code verification failed",
		}, nil
	}

	failed := 0
	for key, value := range props {
		if key == "id" {
			continue
		}
		if err := driver.Set(ctx, key, value); err != nil {
			f.logger.Warn("failed to set factor property",
				slog.String("factor", driver.ID()),
				slog.String("property", key),
				slog.Any("error", err))
			failed++
		}
	}

	if err := driver.Activate(ctx); err != nil {
		failed++
	}

	if failed > 0 {
		return &SaveResult{Success: false, ID: driver.ID(), Message: "could not save factor"}, nil
	}

	if err := driver.Commit(ctx); err != nil {
		f.logger.Error("failed to commit factor",
			slog.String("factor", driver.ID()),
			slog.Any("error", err))
		return &SaveResult{Success: false, ID: driver.ID(), Message: "could not save factor"}, nil
	}

	saved, err := driver.Props(ctx, false)
	if err != nil {
		return nil, err
	}

	f.logger.Info("factor saved",
		slog.String("username", username),
		slog.String("factor", driver.ID()))

	return &SaveResult{Success: true, ID: driver.ID(), Props: saved, Message: "factor saved"}, nil
}

// DeleteFactor clears all stored state for the factor. Without fresh
// high-security mode the deletion is queued and replayed after the next
// successful step-up verification; models.ErrNotSecured tells the caller a
// challenge is required.
func (f *Facade) DeleteFactor(ctx context.Context, sess *models.StepUpSession, factorID string) error {
	if !f.stepup.Secured(sess) {
		err := f.stepup.Defer(ctx, sess, models.DeferredCall{
			Name: actionDeleteFactor,
			Params: map[string]string{
				"username": sess.Username,
				"factor":   factorID,
			},
		})
		if err != nil {
			return err
		}
		return models.ErrNotSecured
	}

	return f.clearFactor(ctx, sess.Username, factorID)
}

// VerifyCode checks a code against one factor, optionally applying unsaved
// enrollment values first and optionally elevating the session into
// high-security mode on success.
func (f *Facade) VerifyCode(ctx context.Context, sess *models.StepUpSession, factorID, code string, timestamp time.Time, props map[string]any, elevate bool) *SaveResult {
	driver, err := f.Driver(factorID, sess.Username)
	if err != nil {
		f.logger.Error("failed to load driver for verification",
			slog.String("factor", factorID),
			slog.Any("error", err))
		return &SaveResult{Success: false, Message: "code verification failed"}
	}

	for key, value := range props {
		// redacted placeholders from the form are not real values
		if models.AsString(value) == "******" {
			continue
		}
		if err := driver.Set(ctx, key, value); err != nil {
			f.logger.Warn("ignoring invalid verification property",
				slog.String("property", key),
				slog.Any("error", err))
		}
	}

	if !driver.Verify(ctx, code, timestamp) {
		return &SaveResult{Success: false, ID: driver.ID(), Message: "code verification failed"}
	}

	if elevate {
		f.stepup.Elevate(ctx, sess)
	}

	return &SaveResult{Success: true, ID: driver.ID(), Message: "code verification passed"}
}

func (f *Facade) clearFactor(ctx context.Context, username, factorID string) error {
	driver, err := f.Driver(factorID, username)
	if err != nil {
		return err
	}

	if err := driver.Clear(ctx); err != nil {
		f.logger.Error("failed to clear factor",
			slog.String("factor", factorID),
			slog.Any("error", err))
		return err
	}

	f.logger.Info("factor removed",
		slog.String("username", username),
		slog.String("factor", factorID))
	return nil
}

func (f *Facade) replayDelete(ctx context.Context, params map[string]string) error {
	return f.clearFactor(ctx, params["username"], params["factor"])
}
