// Package stepup orchestrates the second-factor challenge issued after
// primary credentials are accepted, and the high-security re-verification
// required before sensitive settings changes. Protocol state lives in a
// session store; pending primary credentials are held encrypted and released
// only on a successful verification.
package stepup

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/stepfactor/internal/factor"
	"github.com/veridian-labs/stepfactor/internal/models"
)

// Config holds the protocol timings and the key protecting pending
// credential material.
type Config struct {
	ChallengeTimeout time.Duration // challenge validity, default 120s
	SecureWindow     time.Duration // high-security mode validity, default 180s
	SessionTTL       time.Duration // interactive session retention, default 12h
	EncryptionKey    []byte        // 32-byte AES-256 key
}

func (c Config) withDefaults() Config {
	if c.ChallengeTimeout == 0 {
		c.ChallengeTimeout = 120 * time.Second
	}
	if c.SecureWindow == 0 {
		c.SecureWindow = 180 * time.Second
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 12 * time.Hour
	}
	return c
}

// DriverResolver produces an account-bound driver for a factor id.
type DriverResolver func(factorID, username string) (factor.Driver, error)

// ActionHandler replays one deferred action descriptor.
type ActionHandler func(ctx context.Context, params map[string]string) error

// Controller owns the step-up state machine:
// UNVERIFIED -> CHALLENGED -> (VERIFIED | EXPIRED | ABANDONED).
type Controller struct {
	sessions SessionStore
	resolve  DriverResolver
	config   Config
	logger   *slog.Logger
	gcm      cipher.AEAD
	actions  map[string]ActionHandler
	now      func() time.Time
}

func NewController(sessions SessionStore, resolve DriverResolver, config Config, logger *slog.Logger) (*Controller, error) {
	config = config.withDefaults()

	if len(config.EncryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(config.EncryptionKey))
	}

	block, err := aes.NewCipher(config.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Controller{
		sessions: sessions,
		resolve:  resolve,
		config:   config,
		logger:   logger,
		gcm:      gcm,
		actions:  make(map[string]ActionHandler),
		now:      time.Now,
	}, nil
}

// RegisterAction binds a deferred action name to its replay handler.
// Descriptors are replayed with no additional user input, so handlers must
// be self-contained.
func (c *Controller) RegisterAction(name string, handler ActionHandler) {
	c.actions[name] = handler
}

// Challenge freezes the set of acceptable factor ids, issues a single-use
// nonce and stores the pending primary credentials encrypted. The returned
// session is the CHALLENGED state.
func (c *Controller) Challenge(ctx context.Context, username, password string, factors []string) (*models.StepUpSession, error) {
	if len(factors) == 0 {
		return nil, fmt.Errorf("challenge requires at least one active factor")
	}

	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	creds, err := c.encrypt([]byte(password))
	if err != nil {
		return nil, err
	}

	sess := &models.StepUpSession{
		ID:          uuid.NewString(),
		Username:    username,
		Factors:     uniqueStrings(factors),
		Nonce:       hex.EncodeToString(nonce),
		IssuedAt:    c.now(),
		Credentials: creds,
	}

	// keep the record around past the timeout so an expired submission is
	// answered by the expiry check, not a generic miss
	if err := c.sessions.Save(ctx, sess, c.config.ChallengeTimeout*2); err != nil {
		return nil, fmt.Errorf("failed to save challenge session: %w", err)
	}

	c.logger.Info("step-up challenge issued",
		slog.String("username", username),
		slog.Int("factors", len(sess.Factors)))

	return sess, nil
}

// LoginResult carries the restored primary credentials after a successful
// verification so the original login can resume as if it had completed
// directly.
type LoginResult struct {
	Username string
	Password string
}

// VerifyLogin processes a challenge submission. Expiry is checked before any
// driver is consulted, so a code can never be spent against an expired
// challenge even if it would still validate. The submitted field must match
// the exact nonce+method the challenge generated; factors are tried in their
// frozen order and the first success wins. The returned error names the
// refusal cause for auditing; callers must not expose it to the client.
func (c *Controller) VerifyLogin(ctx context.Context, sessionID string, form map[string]string) (*LoginResult, error) {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.Expired(c.now(), c.config.ChallengeTimeout) {
		_ = c.sessions.Delete(ctx, sessionID)
		c.logger.Info("step-up challenge expired", slog.String("username", sess.Username))
		return nil, models.ErrChallengeExpired
	}

	for _, factorID := range sess.Factors {
		method := models.MethodOf(factorID)
		code := form[sess.CodeField(method)]
		if code == "" {
			continue
		}

		if c.verifyFactor(ctx, factorID, sess.Username, code, sess.IssuedAt) {
			password, err := c.decrypt(sess.Credentials)
			if err != nil {
				c.logger.Error("failed to restore credentials", slog.Any("error", err))
				return nil, fmt.Errorf("failed to restore credentials: %w", err)
			}

			_ = c.sessions.Delete(ctx, sessionID)
			c.logger.Info("step-up verification passed",
				slog.String("username", sess.Username),
				slog.String("method", method))

			return &LoginResult{Username: sess.Username, Password: string(password)}, nil
		}
	}

	c.logger.Info("step-up verification failed", slog.String("username", sess.Username))
	return nil, fmt.Errorf("no submitted code verified")
}

// Abandon discards a pending challenge without releasing credentials.
func (c *Controller) Abandon(ctx context.Context, sessionID string) {
	_ = c.sessions.Delete(ctx, sessionID)
}

// StartInteractive creates the session record tracking high-security mode
// for a logged-in account.
func (c *Controller) StartInteractive(ctx context.Context, username string) (*models.StepUpSession, error) {
	sess := &models.StepUpSession{
		ID:       uuid.NewString(),
		Username: username,
		IssuedAt: c.now(),
	}
	if err := c.sessions.Save(ctx, sess, c.config.SessionTTL); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// Session loads an interactive session by id.
func (c *Controller) Session(ctx context.Context, id string) (*models.StepUpSession, error) {
	return c.sessions.Get(ctx, id)
}

// VerifyCode checks a code against one factor of the session's account.
// With elevate set, success timestamps high-security mode and drains the
// deferred action queue.
func (c *Controller) VerifyCode(ctx context.Context, sess *models.StepUpSession, factorID, code string, timestamp time.Time, elevate bool) bool {
	if !c.verifyFactor(ctx, factorID, sess.Username, code, timestamp) {
		return false
	}

	if elevate {
		c.Elevate(ctx, sess)
	}

	return true
}

// Elevate timestamps high-security mode on an already-verified session and
// drains the deferred action queue.
func (c *Controller) Elevate(ctx context.Context, sess *models.StepUpSession) {
	sess.SecureModeAt = c.now()
	c.drainDeferred(ctx, sess)
	if err := c.sessions.Save(ctx, sess, c.config.SessionTTL); err != nil {
		c.logger.Error("failed to persist secure mode", slog.Any("error", err))
	}
}

// Secured reports whether the session's last step-up verification is still
// within the high-security window.
func (c *Controller) Secured(sess *models.StepUpSession) bool {
	return sess.Secured(c.now(), c.config.SecureWindow)
}

// Defer queues an action attempted without fresh high-security mode. It is
// replayed once a verification succeeds.
func (c *Controller) Defer(ctx context.Context, sess *models.StepUpSession, call models.DeferredCall) error {
	if _, ok := c.actions[call.Name]; !ok {
		return fmt.Errorf("no handler registered for action %q", call.Name)
	}

	sess.Deferred = append(sess.Deferred, call)
	if err := c.sessions.Save(ctx, sess, c.config.SessionTTL); err != nil {
		return fmt.Errorf("failed to queue deferred action: %w", err)
	}
	return nil
}

// drainDeferred replays queued actions most recent first, then clears the
// queue.
func (c *Controller) drainDeferred(ctx context.Context, sess *models.StepUpSession) {
	for i := len(sess.Deferred) - 1; i >= 0; i-- {
		call := sess.Deferred[i]
		handler, ok := c.actions[call.Name]
		if !ok {
			c.logger.Warn("dropping deferred action without handler", slog.String("action", call.Name))
			continue
		}
		if err := handler(ctx, call.Params); err != nil {
			c.logger.Error("deferred action failed",
				slog.String("action", call.Name),
				slog.Any("error", err))
		}
	}
	sess.Deferred = nil
}

func (c *Controller) verifyFactor(ctx context.Context, factorID, username, code string, timestamp time.Time) bool {
	if code == "" {
		return false
	}

	driver, err := c.resolve(factorID, username)
	if err != nil {
		c.logger.Error("failed to load driver",
			slog.String("factor", factorID),
			slog.Any("error", err))
		return false
	}

	return driver.Verify(ctx, code, timestamp)
}

func (c *Controller) encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return append(nonce, c.gcm.Seal(nil, nonce, plain, nil)...), nil
}

func (c *Controller) decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < c.gcm.NonceSize() {
		return nil, fmt.Errorf("sealed credentials too short")
	}
	nonce, ciphertext := sealed[:c.gcm.NonceSize()], sealed[c.gcm.NonceSize():]
	return c.gcm.Open(nil, nonce, ciphertext, nil)
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
