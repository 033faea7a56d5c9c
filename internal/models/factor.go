package models

import (
	"strings"
	"time"
)

// Factor describes one enrolled second-factor method for an account.
// Secret material never appears here; listings carry redacted properties only.
type Factor struct {
	ID      string     `json:"id"`
	Method  string     `json:"method"`
	Active  bool       `json:"active"`
	Label   string     `json:"label"`
	Created *time.Time `json:"created,omitempty"`
}

// MethodOf extracts the method tag from a factor identifier of the form
// "<method>:<instance>". A bare method name is returned unchanged.
func MethodOf(factorID string) string {
	if i := strings.IndexByte(factorID, ':'); i >= 0 {
		return factorID[:i]
	}
	return factorID
}
