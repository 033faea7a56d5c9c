package otp

import (
	"net/url"
	"strconv"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

// HOTP derives codes from a shared secret and a monotonic counter.
type HOTP struct {
	params Params
}

// NewHOTP validates the parameters and returns a counter-based engine.
func NewHOTP(params Params) (*HOTP, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &HOTP{params: params}, nil
}

// At computes the code for the given counter value.
func (e *HOTP) At(secret string, counter uint64) (string, error) {
	alg, err := e.params.algorithm()
	if err != nil {
		return "", err
	}
	return hotp.GenerateCodeCustom(NormalizeSecret(secret), counter, hotp.ValidateOpts{
		Digits:    digits(e.params.Digits),
		Algorithm: alg,
	})
}

// Verify checks code against counter, counter+1, ... counter+window. On a
// match it returns the next unused counter value (matched index + 1); the
// caller must persist it before reporting success so an accepted code can
// never be replayed against the same counter.
func (e *HOTP) Verify(code, secret string, counter, window uint64) (bool, uint64) {
	if secret == "" || code == "" {
		return false, counter
	}

	for c := counter; c <= counter+window; c++ {
		expected, err := e.At(secret, c)
		if err != nil {
			return false, counter
		}
		if codesEqual(code, expected) {
			return true, c + 1
		}
	}

	return false, counter
}

// ProvisioningURI returns the otpauth://hotp/ enrollment URI for the secret,
// embedding the initial counter value.
func (e *HOTP) ProvisioningURI(secret, label string, counter uint64) string {
	p := e.params
	p.Label = label
	return provisioningURI("hotp", p, secret, url.Values{
		"counter": []string{strconv.FormatUint(counter, 10)},
	})
}

// digits maps a digit count onto the library's Digits type.
func digits(n int) otp.Digits {
	return otp.Digits(n)
}
