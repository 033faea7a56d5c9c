package handlers

import "time"

// Challenge flow DTOs

// ChallengeRequest starts a step-up challenge after primary credentials have
// been accepted upstream.
type ChallengeRequest struct {
	Username string `json:"username" validate:"required,max=255"`
	Password string `json:"password" validate:"required"`
}

// ChallengeResponse describes the issued challenge. Code inputs must be
// submitted under "_<nonce>_<method>" field names.
type ChallengeResponse struct {
	Required       bool      `json:"required"`
	ChallengeToken string    `json:"challenge_token,omitempty"`
	Nonce          string    `json:"nonce,omitempty"`
	Methods        []string  `json:"methods,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
}

// VerifyLoginRequest submits the challenge form fields.
type VerifyLoginRequest struct {
	ChallengeToken string            `json:"challenge_token" validate:"required"`
	Fields         map[string]string `json:"fields" validate:"required"`
}

// VerifyLoginResponse resumes the original login on success.
type VerifyLoginResponse struct {
	Success      bool   `json:"success"`
	Username     string `json:"username,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

// AbandonRequest discards a pending challenge.
type AbandonRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
}

// Session DTOs

// StartSessionRequest creates a settings session for an account the fronting
// application has already authenticated.
type StartSessionRequest struct {
	Username string `json:"username" validate:"required,max=255"`
}

// StartSessionResponse carries the token settings endpoints authenticate with.
type StartSessionResponse struct {
	SessionToken string `json:"session_token"`
}

// Settings DTOs

// FactorResponse is the redacted record of one stored factor.
type FactorResponse struct {
	ID      string     `json:"id"`
	Method  string     `json:"method"`
	Active  bool       `json:"active"`
	Label   string     `json:"label"`
	Created *time.Time `json:"created,omitempty"`
}

// ListFactorsResponse lists all factors stored for the account.
type ListFactorsResponse struct {
	Factors []FactorResponse `json:"factors"`
}

// EnrollRequest starts enrollment of a new factor.
type EnrollRequest struct {
	Method string `json:"method" validate:"required,max=32"`
}

// SaveFactorRequest persists an enrolled factor after code verification.
type SaveFactorRequest struct {
	ID        string         `json:"id" validate:"required,max=64"`
	Props     map[string]any `json:"props"`
	Code      string         `json:"code" validate:"required,max=64"`
	Timestamp int64          `json:"timestamp"`
}

// VerifyCodeRequest checks a code against one factor; with Elevate set a
// success enters high-security mode.
type VerifyCodeRequest struct {
	ID        string         `json:"id" validate:"required,max=64"`
	Code      string         `json:"code" validate:"required,max=64"`
	Timestamp int64          `json:"timestamp"`
	Props     map[string]any `json:"props"`
	Elevate   bool           `json:"elevate"`
}

// DeleteFactorResponse reports whether the deletion ran or was queued behind
// a step-up verification.
type DeleteFactorResponse struct {
	Success  bool   `json:"success"`
	Deferred bool   `json:"deferred,omitempty"`
	Message  string `json:"message"`
}
