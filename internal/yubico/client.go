// Package yubico implements a client for the YubiCloud OTP validation
// protocol (wsapi 2.0). Hosts, transport security and API credentials are
// configurable; responses are HMAC-verified when an API key is set.
package yubico

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

var defaultHosts = []string{
	"api.yubico.com",
	"api2.yubico.com",
	"api3.yubico.com",
	"api4.yubico.com",
	"api5.yubico.com",
}

// Config carries the validation service settings.
type Config struct {
	ClientID string
	APIKey   string // base64, used to sign requests and verify responses
	Hosts    []string
	UseHTTPS bool
	Timeout  time.Duration
}

// Client validates one-time passwords against the configured hosts, trying
// each in order until one answers.
type Client struct {
	config Config
	http   *http.Client
	apiKey []byte
}

func NewClient(config Config) (*Client, error) {
	if config.ClientID == "" {
		return nil, fmt.Errorf("yubico client id is required")
	}
	if len(config.Hosts) == 0 {
		config.Hosts = defaultHosts
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	var apiKey []byte
	if config.APIKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(config.APIKey)
		if err != nil {
			return nil, fmt.Errorf("invalid yubico api key: %w", err)
		}
		apiKey = decoded
	}

	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		apiKey: apiKey,
	}, nil
}

// Validate submits the OTP and reports whether the service accepted it.
func (c *Client) Validate(ctx context.Context, otp string) (bool, error) {
	nonce, err := newNonce()
	if err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("id", c.config.ClientID)
	params.Set("otp", otp)
	params.Set("nonce", nonce)
	if c.apiKey != nil {
		params.Set("h", c.sign(params))
	}

	scheme := "http"
	if c.config.UseHTTPS {
		scheme = "https"
	}

	var lastErr error
	for _, host := range c.config.Hosts {
		endpoint := fmt.Sprintf("%s://%s/wsapi/2.0/verify?%s", scheme, host, params.Encode())

		ok, err := c.query(ctx, endpoint, otp, nonce)
		if err != nil {
			lastErr = err
			continue
		}
		return ok, nil
	}

	return false, fmt.Errorf("all validation hosts failed: %w", lastErr)
}

func (c *Client) query(ctx context.Context, endpoint, otp, nonce string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, err
	}

	fields := parseResponse(string(body))

	if c.apiKey != nil && !c.verifySignature(fields) {
		return false, fmt.Errorf("response signature mismatch")
	}
	// bind the answer to this exact request
	if fields["otp"] != otp || fields["nonce"] != nonce {
		return false, fmt.Errorf("response otp/nonce mismatch")
	}

	return fields["status"] == "OK", nil
}

// sign computes the wsapi HMAC-SHA1 signature over the sorted parameter set.
func (c *Client) sign(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "h" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}

	mac := hmac.New(sha1.New, c.apiKey)
	mac.Write([]byte(strings.Join(pairs, "&")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) verifySignature(fields map[string]string) bool {
	got := fields["h"]
	if got == "" {
		return false
	}

	params := url.Values{}
	for k, v := range fields {
		if k != "h" {
			params.Set(k, v)
		}
	}

	return hmac.Equal([]byte(c.sign(params)), []byte(got))
}

func parseResponse(body string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if k, v, ok := strings.Cut(line, "="); ok {
			fields[k] = v
		}
	}
	return fields
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
