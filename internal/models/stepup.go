package models

import "time"

// StepUpSession holds the protocol state of one pending second-factor
// challenge. It is created when primary credentials are accepted for an
// account with active factors, and destroyed on verification, expiry or
// logout.
type StepUpSession struct {
	ID           string         `json:"id"`
	Username     string         `json:"username"`
	Factors      []string       `json:"factors"`
	Nonce        string         `json:"nonce"`
	IssuedAt     time.Time      `json:"issued_at"`
	SecureModeAt time.Time      `json:"secure_mode_at"`
	Credentials  []byte         `json:"credentials,omitempty"`
	Deferred     []DeferredCall `json:"deferred,omitempty"`
}

// DeferredCall is a serializable descriptor of an action that was attempted
// without fresh high-security verification. Descriptors must be replayable
// with no additional user input.
type DeferredCall struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// CodeField returns the form field name a challenge expects for the given
// method. The nonce namespaces the field so a submission from any other
// challenge instance never matches.
func (s *StepUpSession) CodeField(method string) string {
	return "_" + s.Nonce + "_" + method
}

// Expired reports whether the challenge is older than the given timeout.
func (s *StepUpSession) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.IssuedAt) > timeout
}

// Secured reports whether a successful step-up verification happened within
// the high-security window.
func (s *StepUpSession) Secured(now time.Time, window time.Duration) bool {
	return !s.SecureModeAt.IsZero() && now.Sub(s.SecureModeAt) <= window
}
