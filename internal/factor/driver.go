// Package factor implements the per-method drivers managing second-factor
// enrollment state and code verification. A driver owns a typed property
// schema, lazily loads and commits against an account-bound storage backend,
// and delegates code checking to an OTP engine or a remote validator.
package factor

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/veridian-labs/stepfactor/internal/models"
	"github.com/veridian-labs/stepfactor/internal/storage"
)

// PropertyType declares how a property value renders and coerces.
type PropertyType string

const (
	TypeBoolean  PropertyType = "boolean"
	TypeText     PropertyType = "text"
	TypeInteger  PropertyType = "integer"
	TypeDatetime PropertyType = "datetime"
	TypeEnum     PropertyType = "enum"
)

// PropertySpec is the declared metadata of one per-user driver property.
// Generate, when set, produces the value the first time it is read with
// force; the generated value is immediately queued for persistence.
type PropertySpec struct {
	Type     PropertyType
	Editable bool
	Hidden   bool
	Private  bool
	Label    string
	Generate func() (any, error)
}

// PropertyView is the redacted, render-ready form of a property for the
// presentation boundary. Private properties never appear in views.
type PropertyView struct {
	Name     string       `json:"name"`
	Label    string       `json:"label"`
	Type     PropertyType `json:"type"`
	Editable bool         `json:"editable"`
	Hidden   bool         `json:"hidden"`
	Value    any          `json:"value"`
	Text     string       `json:"text"`
}

// Driver is the common contract of all second-factor methods.
type Driver interface {
	ID() string
	Method() string
	Temporary() bool

	SetUsername(username string)
	Username() string

	// Verify checks the submitted code. It returns false, never an error:
	// a missing enrollment is indistinguishable from a wrong code so the
	// login endpoint leaks no enrollment state.
	Verify(ctx context.Context, code string, timestamp time.Time) bool

	Get(ctx context.Context, key string, force bool) (any, error)

	// Set queues a caller-supplied property value. Values for properties
	// not declared editable are refused.
	Set(ctx context.Context, key string, value any) error

	// Activate queues the activation flag. Activation is reserved to the
	// enrollment flow after a successful code verification, so it is not
	// settable through Set.
	Activate(ctx context.Context) error

	// Commit flushes queued property mutations in a single storage write.
	// With nothing pending it is a no-op that still reports success.
	Commit(ctx context.Context) error

	// Clear deletes all state stored for this factor.
	Clear(ctx context.Context) error

	Props(ctx context.Context, force bool) ([]PropertyView, error)
}

// Provisioner is implemented by drivers enrollable through a QR code.
type Provisioner interface {
	ProvisioningURI(ctx context.Context) (string, error)
}

// base carries the property plumbing shared by all drivers.
type base struct {
	id       string
	method   string
	username string
	storage  storage.Store
	logger   *slog.Logger
	schema   map[string]*PropertySpec

	props     map[string]any
	loaded    bool
	pending   bool
	temporary bool

	now func() time.Time
}

func newBase(method, id string, store storage.Store, logger *slog.Logger) *base {
	b := &base{
		method:  method,
		id:      id,
		storage: store,
		logger:  logger,
		props:   make(map[string]any),
		now:     time.Now,
	}

	if b.id == "" || b.id == method {
		// no storage row yet; stays temporary until the first commit
		b.id = method + ":" + randomInstanceID()
		b.temporary = true
	}

	b.schema = map[string]*PropertySpec{
		"active": {Type: TypeBoolean, Label: "active"},
		"label": {
			Type:     TypeText,
			Editable: true,
			Label:    "label",
			Generate: func() (any, error) { return strings.ToUpper(method), nil },
		},
		"created": {
			Type:     TypeDatetime,
			Label:    "created",
			Generate: func() (any, error) { return b.now().Unix(), nil },
		},
	}

	return b
}

func (b *base) ID() string       { return b.id }
func (b *base) Method() string   { return b.method }
func (b *base) Temporary() bool  { return b.temporary }
func (b *base) Username() string { return b.username }

// SetUsername binds the driver and its storage to an account. Required
// before any per-account storage lookup.
func (b *base) SetUsername(username string) {
	b.username = username
	if b.storage != nil {
		b.storage.SetUsername(username)
	}
}

// Get reads a per-user property, lazily loading from storage on first
// access. With force set, an absent value is produced by the property's
// generator and queued for persistence.
func (b *base) Get(ctx context.Context, key string, force bool) (any, error) {
	spec, ok := b.schema[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownProperty, key)
	}

	if err := b.load(ctx); err != nil {
		return nil, err
	}

	value := b.props[key]
	if value == nil && force && spec.Generate != nil {
		generated, err := spec.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s: %w", key, err)
		}
		b.setProp(key, generated)
		value = generated
	}

	return value, nil
}

// Set queues a caller-supplied property mutation for the next commit.
func (b *base) Set(ctx context.Context, key string, value any) error {
	spec, ok := b.schema[key]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownProperty, key)
	}
	if !spec.Editable {
		return fmt.Errorf("%w: %s", models.ErrPropertyReadOnly, key)
	}

	return b.put(ctx, key, value)
}

// Activate queues the activation flag for the next commit.
func (b *base) Activate(ctx context.Context) error {
	return b.put(ctx, "active", true)
}

// put queues an internal property mutation, bypassing the editability rules
// applied to caller-supplied values.
func (b *base) put(ctx context.Context, key string, value any) error {
	// load first so a commit never truncates the stored map
	if err := b.load(ctx); err != nil {
		return err
	}

	b.setProp(key, value)
	return nil
}

// Commit writes queued mutations in one storage call. Idempotent.
func (b *base) Commit(ctx context.Context) error {
	if !b.pending {
		return nil
	}
	if b.storage == nil {
		return models.ErrStorageUnavailable
	}

	if err := b.storage.Write(ctx, b.id, b.props); err != nil {
		return err
	}

	b.pending = false
	b.temporary = false
	b.loaded = true
	return nil
}

// Clear removes all stored state for this factor.
func (b *base) Clear(ctx context.Context) error {
	if b.storage == nil {
		return models.ErrStorageUnavailable
	}
	if err := b.storage.Remove(ctx, b.id); err != nil {
		return err
	}

	b.props = make(map[string]any)
	b.pending = false
	b.loaded = false
	b.temporary = true
	return nil
}

// Props returns the render-ready view of all non-private properties, in a
// stable order.
func (b *base) Props(ctx context.Context, force bool) ([]PropertyView, error) {
	names := make([]string, 0, len(b.schema))
	for name, spec := range b.schema {
		if spec.Private {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]PropertyView, 0, len(names))
	for _, name := range names {
		spec := b.schema[name]
		value, err := b.Get(ctx, name, force)
		if err != nil {
			return nil, err
		}

		view := PropertyView{
			Name:     name,
			Label:    spec.Label,
			Type:     spec.Type,
			Editable: spec.Editable,
			Hidden:   spec.Hidden,
			Value:    value,
		}

		switch spec.Type {
		case TypeBoolean:
			view.Value = models.AsBool(value)
			if models.AsBool(value) {
				view.Text = "yes"
			} else {
				view.Text = "no"
			}
		case TypeDatetime:
			if t := models.AsTime(value); t != nil {
				view.Text = t.Format(time.RFC3339)
			}
		default:
			view.Text = models.AsString(value)
		}

		views = append(views, view)
	}

	return views, nil
}

func (b *base) load(ctx context.Context) error {
	if b.loaded || b.pending || b.temporary || b.storage == nil {
		return nil
	}

	stored, err := b.storage.Read(ctx, b.id)
	if err != nil {
		return err
	}

	b.props = make(map[string]any, len(stored))
	for k, v := range stored {
		b.props[k] = v
	}
	b.loaded = true
	return nil
}

func (b *base) setProp(key string, value any) {
	if !reflect.DeepEqual(b.props[key], value) {
		b.pending = true
	}
	b.props[key] = value
}

// getString is a convenience for secret-style properties.
func (b *base) getString(ctx context.Context, key string) (string, error) {
	v, err := b.Get(ctx, key, false)
	if err != nil {
		return "", err
	}
	return models.AsString(v), nil
}

// randomInstanceID returns the opaque instance part of a new factor id.
func randomInstanceID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// generateSecret returns a fresh 16-character base32 shared secret.
func generateSecret() (any, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
