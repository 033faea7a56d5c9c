// Package storage persists per-account factor records. Two structurally
// different backends implement the same contract: a key/value preference
// store keeping all factors in one serialized blob, and a directory store
// keeping one entry per factor. Stores are bound to a single account at a
// time; rebinding invalidates every in-memory cache.
package storage

import (
	"context"
	"fmt"

	"github.com/veridian-labs/stepfactor/internal/models"
)

// Store is the persistence contract factor drivers program against.
// SetUsername must be called before any other operation.
type Store interface {
	SetUsername(username string)
	Username() string

	// Enumerate lists factor ids stored for the bound account. With
	// activeOnly set, only ids of active factors are returned.
	Enumerate(ctx context.Context, activeOnly bool) ([]string, error)

	// Read returns the property map stored for the factor id, or nil when
	// no record exists.
	Read(ctx context.Context, id string) (map[string]any, error)

	// Write persists the property map for the factor id. A nil map removes
	// the record. Concurrent writers to the same id race: the directory
	// backend's differential update is read-modify-write without a
	// compare-and-swap, so callers must serialize per account.
	Write(ctx context.Context, id string, props map[string]any) error

	// Remove deletes the record stored for the factor id.
	Remove(ctx context.Context, id string) error
}

// Constructor produces a fresh, unbound store instance. Stores carry
// per-account caches, so every request needs its own instance.
type Constructor func() (Store, error)

// Registry maps backend names to constructors, populated at startup.
type Registry struct {
	backends map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Constructor)}
}

// Register binds a backend name to its constructor.
func (r *Registry) Register(name string, ctor Constructor) {
	r.backends[name] = ctor
}

// Open constructs a store for the named backend, bound to the given account.
func (r *Registry) Open(name, username string) (Store, error) {
	ctor, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownBackend, name)
	}

	store, err := ctor()
	if err != nil {
		return nil, err
	}
	store.SetUsername(username)
	return store, nil
}
