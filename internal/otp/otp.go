// Package otp implements the code generation and verification primitives for
// time-based and counter-based one-time passwords. Engines are stateless;
// secrets and counters are supplied by the caller on every operation.
package otp

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pquerna/otp"
)

// Digest names the HMAC digest algorithm used to derive codes.
type Digest string

const (
	DigestMD5    Digest = "md5"
	DigestSHA1   Digest = "sha1"
	DigestSHA256 Digest = "sha256"
	DigestSHA512 Digest = "sha512"
)

// Params holds the engine settings shared by the TOTP and HOTP engines.
type Params struct {
	Digits int
	Digest Digest
	Issuer string
	Label  string
}

// DefaultParams returns the RFC-recommended defaults (6 digits, SHA-1).
func DefaultParams() Params {
	return Params{Digits: 6, Digest: DigestSHA1}
}

// Validate checks the parameter set eagerly so that engine construction fails
// immediately instead of deferring a bad digest or digit count to first use.
func (p Params) Validate() error {
	if p.Digits < 1 {
		return fmt.Errorf("digits must be at least 1, got %d", p.Digits)
	}
	if _, err := p.algorithm(); err != nil {
		return err
	}
	if err := CheckLabel(p.Issuer); err != nil {
		return fmt.Errorf("issuer: %w", err)
	}
	if err := CheckLabel(p.Label); err != nil {
		return fmt.Errorf("label: %w", err)
	}
	return nil
}

func (p Params) algorithm() (otp.Algorithm, error) {
	switch p.Digest {
	case DigestMD5:
		return otp.AlgorithmMD5, nil
	case DigestSHA1:
		return otp.AlgorithmSHA1, nil
	case DigestSHA256:
		return otp.AlgorithmSHA256, nil
	case DigestSHA512:
		return otp.AlgorithmSHA512, nil
	}
	return 0, fmt.Errorf("digest %q is not supported", p.Digest)
}

// CheckLabel rejects values that would break the otpauth URI scheme. The
// colon separates issuer and account name, so neither may contain one.
func CheckLabel(value string) error {
	for _, sep := range []string{":", "%3A", "%3a"} {
		if strings.Contains(value, sep) {
			return fmt.Errorf("value must not contain a colon")
		}
	}
	return nil
}

// NormalizeSecret upper-cases a base32 shared secret and strips whitespace,
// the form authenticator apps commonly paste it in.
func NormalizeSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
}

// codesEqual compares two codes in constant time.
func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// provisioningURI assembles an otpauth:// URI for enrolling an authenticator
// app. extra carries the type-specific parameters (period or counter).
func provisioningURI(otpType string, p Params, secret string, extra url.Values) string {
	v := url.Values{}
	v.Set("secret", NormalizeSecret(secret))
	v.Set("digits", strconv.Itoa(p.Digits))
	v.Set("algorithm", strings.ToUpper(string(p.Digest)))
	if p.Issuer != "" {
		v.Set("issuer", p.Issuer)
	}
	for key, vals := range extra {
		for _, val := range vals {
			v.Set(key, val)
		}
	}

	u := url.URL{
		Scheme:   "otpauth",
		Host:     otpType,
		Path:     "/" + p.Label,
		RawQuery: v.Encode(),
	}
	return u.String()
}
