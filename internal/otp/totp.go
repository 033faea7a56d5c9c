package otp

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/pquerna/otp/totp"
)

// DefaultInterval is the RFC 6238 time step in seconds.
const DefaultInterval = 30

// TOTP derives codes from a shared secret and wall-clock time.
type TOTP struct {
	params   Params
	interval int // seconds per time step
}

// NewTOTP validates the parameters and returns a time-based engine.
func NewTOTP(params Params, interval int) (*TOTP, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if interval < 1 {
		return nil, fmt.Errorf("interval must be at least 1, got %d", interval)
	}
	return &TOTP{params: params, interval: interval}, nil
}

// Interval returns the configured time step in seconds.
func (e *TOTP) Interval() int {
	return e.interval
}

// At computes the code for the time step containing t.
func (e *TOTP) At(secret string, t time.Time) (string, error) {
	alg, err := e.params.algorithm()
	if err != nil {
		return "", err
	}
	return totp.GenerateCodeCustom(NormalizeSecret(secret), t, totp.ValidateOpts{
		Period:    uint(e.interval),
		Digits:    digits(e.params.Digits),
		Algorithm: alg,
	})
}

// Verify checks code against the time step containing t plus all steps within
// the tolerance window around it, nearest step first. On a match it returns
// the start of the matching step; time itself is the synchronized state, so
// nothing mutable advances on success.
func (e *TOTP) Verify(code, secret string, t time.Time, tolerance time.Duration) (bool, time.Time) {
	if secret == "" || code == "" {
		return false, time.Time{}
	}

	steps := int(tolerance / (time.Duration(e.interval) * time.Second))
	for offset := 0; offset <= steps; offset++ {
		for _, sign := range []int{1, -1} {
			if offset == 0 && sign < 0 {
				continue
			}
			at := t.Add(time.Duration(sign*offset*e.interval) * time.Second)
			expected, err := e.At(secret, at)
			if err != nil {
				return false, time.Time{}
			}
			if codesEqual(code, expected) {
				return true, at.Truncate(time.Duration(e.interval) * time.Second)
			}
		}
	}

	return false, time.Time{}
}

// ProvisioningURI returns the otpauth://totp/ enrollment URI for the secret,
// labelled with the enrolling account.
func (e *TOTP) ProvisioningURI(secret, label string) string {
	p := e.params
	p.Label = label
	return provisioningURI("totp", p, secret, url.Values{
		"period": []string{strconv.Itoa(e.interval)},
	})
}
