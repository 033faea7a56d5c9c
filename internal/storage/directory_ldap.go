package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// LDAPConfig configures the production directory connection.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	Scope        string // base, one or sub (default)
}

// LDAPConn implements Conn over go-ldap. Attribute names are lower-cased so
// the store can look them up regardless of server casing.
type LDAPConn struct {
	conn  *ldap.Conn
	scope int
}

// DialLDAP connects and binds the service account.
func DialLDAP(cfg LDAPConfig) (*LDAPConn, error) {
	conn, err := ldap.DialURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to directory: %w", err)
	}

	if cfg.BindDN != "" {
		if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("directory bind failed: %w", err)
		}
	}

	scope := ldap.ScopeWholeSubtree
	switch cfg.Scope {
	case "base":
		scope = ldap.ScopeBaseObject
	case "one":
		scope = ldap.ScopeSingleLevel
	}

	return &LDAPConn{conn: conn, scope: scope}, nil
}

func (c *LDAPConn) Close() {
	c.conn.Close()
}

func (c *LDAPConn) Search(_ context.Context, baseDN, filter string, attrs []string) ([]Entry, error) {
	req := ldap.NewSearchRequest(baseDN, c.scope, ldap.NeverDerefAliases, 0, 0, false,
		filter, attrs, nil)

	res, err := c.conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entries = append(entries, fromLDAPEntry(e))
	}
	return entries, nil
}

func (c *LDAPConn) Get(_ context.Context, dn string, attrs []string) (*Entry, error) {
	req := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, 0, false,
		"(objectclass=*)", attrs, nil)

	res, err := c.conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}

	entry := fromLDAPEntry(res.Entries[0])
	return &entry, nil
}

func (c *LDAPConn) Add(_ context.Context, dn string, attrs map[string][]string) error {
	req := ldap.NewAddRequest(dn, nil)
	for name, vals := range attrs {
		req.Attribute(name, vals)
	}
	return c.conn.Add(req)
}

func (c *LDAPConn) Modify(_ context.Context, dn string, mod Modification) error {
	req := ldap.NewModifyRequest(dn, nil)
	for name, vals := range mod.Replace {
		req.Replace(name, vals)
	}
	return c.conn.Modify(req)
}

func (c *LDAPConn) Delete(_ context.Context, dn string) error {
	return c.conn.Del(ldap.NewDelRequest(dn, nil))
}

func fromLDAPEntry(e *ldap.Entry) Entry {
	attrs := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[strings.ToLower(a.Name)] = a.Values
	}
	return Entry{DN: e.DN, Attrs: attrs}
}
