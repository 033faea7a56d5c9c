package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/veridian-labs/stepfactor/internal/models"
)

// PrefsBackend is the key/value preference store a PrefsStore persists into.
// Keys are scoped per account.
type PrefsBackend interface {
	GetPref(ctx context.Context, username, key string) (string, error)
	SavePrefs(ctx context.Context, username string, prefs map[string]string) error
}

// PrefsConfig configures the blob and index property keys. Keymap entries
// override the default "factor_<key>" naming.
type PrefsConfig struct {
	Keymap map[string]string
}

// PrefsStore keeps all factors of an account in one JSON blob plus a derived
// index of active factor ids, both stored under configurable property keys.
type PrefsStore struct {
	backend  PrefsBackend
	config   PrefsConfig
	logger   *slog.Logger
	username string

	cache   map[string]map[string]any // per-id read cache
	factors map[string]map[string]any // decoded blob
	loaded  bool
}

func NewPrefsStore(backend PrefsBackend, config PrefsConfig, logger *slog.Logger) *PrefsStore {
	return &PrefsStore{
		backend: backend,
		config:  config,
		logger:  logger,
		cache:   make(map[string]map[string]any),
	}
}

// SetUsername binds the store to an account and drops all cached state.
func (s *PrefsStore) SetUsername(username string) {
	s.username = username
	s.cache = make(map[string]map[string]any)
	s.factors = nil
	s.loaded = false
}

func (s *PrefsStore) Username() string {
	return s.username
}

// Enumerate lists factor ids stored in the blob, sorted for a stable
// challenge order.
func (s *PrefsStore) Enumerate(ctx context.Context, activeOnly bool) ([]string, error) {
	factors, err := s.getFactors(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(factors))
	for id, props := range factors {
		if !activeOnly || models.AsBool(props["active"]) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Read returns the stored property map for the factor id, nil when absent.
func (s *PrefsStore) Read(ctx context.Context, id string) (map[string]any, error) {
	if props, ok := s.cache[id]; ok {
		return props, nil
	}

	factors, err := s.getFactors(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("prefs read", slog.String("factor", id))
	s.cache[id] = factors[id]
	return factors[id], nil
}

// Write stores the property map under the factor id. Writing nil removes the
// factor from the blob. Writing an active factor trims all inactive factors,
// bounding blob growth to the active set plus the record being written; the
// active-id index is recomputed whenever the active set may have changed.
func (s *PrefsStore) Write(ctx context.Context, id string, props map[string]any) error {
	if s.username == "" {
		return models.ErrNoUsername
	}

	factors, err := s.getFactors(ctx)
	if err != nil {
		return err
	}

	updateIndex := false
	if props == nil {
		delete(factors, id)
		delete(s.cache, id)
		updateIndex = true
	} else {
		factors[id] = props
		s.cache[id] = props

		if models.AsBool(props["active"]) {
			for fid, fprops := range factors {
				if fid != id && !models.AsBool(fprops["active"]) {
					delete(factors, fid)
					delete(s.cache, fid)
				}
			}
			updateIndex = true
		}
	}

	blob, err := json.Marshal(factors)
	if err != nil {
		return fmt.Errorf("failed to encode factor blob: %w", err)
	}

	saveData := map[string]string{s.propertyKey("blob"): string(blob)}
	if updateIndex {
		index := make([]string, 0, len(factors))
		for fid, fprops := range factors {
			if models.AsBool(fprops["active"]) {
				index = append(index, fid)
			}
		}
		sort.Strings(index)
		encoded, err := json.Marshal(index)
		if err != nil {
			return fmt.Errorf("failed to encode factor index: %w", err)
		}
		saveData[s.propertyKey("factors")] = string(encoded)
	}

	if err := s.backend.SavePrefs(ctx, s.username, saveData); err != nil {
		s.logger.Warn("failed to save prefs",
			slog.String("username", s.username),
			slog.Any("error", err))
		return err
	}

	s.factors = factors
	return nil
}

// Remove deletes the record stored for the factor id.
func (s *PrefsStore) Remove(ctx context.Context, id string) error {
	return s.Write(ctx, id, nil)
}

func (s *PrefsStore) getFactors(ctx context.Context) (map[string]map[string]any, error) {
	if s.username == "" {
		return nil, models.ErrNoUsername
	}
	if s.loaded {
		return s.factors, nil
	}

	raw, err := s.backend.GetPref(ctx, s.username, s.propertyKey("blob"))
	if err != nil {
		return nil, err
	}

	factors := make(map[string]map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &factors); err != nil {
			return nil, fmt.Errorf("corrupt factor blob for %s: %w", s.username, err)
		}
	}

	s.factors = factors
	s.loaded = true
	return factors, nil
}

func (s *PrefsStore) propertyKey(key string) string {
	if mapped, ok := s.config.Keymap[key]; ok {
		return mapped
	}
	return "factor_" + key
}
