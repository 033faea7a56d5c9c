package storage

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn recording mutations.
type fakeConn struct {
	entries map[string]*Entry // keyed by DN
	mods    map[string][]Modification
	deletes []string
	adds    []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		entries: make(map[string]*Entry),
		mods:    make(map[string][]Modification),
	}
}

func (c *fakeConn) put(dn string, attrs map[string][]string) {
	lowered := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		lowered[strings.ToLower(k)] = append([]string(nil), v...)
	}
	c.entries[dn] = &Entry{DN: dn, Attrs: lowered}
}

func (c *fakeConn) Search(_ context.Context, baseDN, _ string, _ []string) ([]Entry, error) {
	var out []Entry
	for dn, entry := range c.entries {
		if strings.HasSuffix(dn, ","+baseDN) {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (c *fakeConn) Get(_ context.Context, dn string, _ []string) (*Entry, error) {
	entry, ok := c.entries[dn]
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (c *fakeConn) Add(_ context.Context, dn string, attrs map[string][]string) error {
	c.adds = append(c.adds, dn)
	c.put(dn, attrs)
	return nil
}

func (c *fakeConn) Modify(_ context.Context, dn string, mod Modification) error {
	c.mods[dn] = append(c.mods[dn], mod)
	entry, ok := c.entries[dn]
	if !ok {
		return nil
	}
	for attr, vals := range mod.Replace {
		entry.Attrs[strings.ToLower(attr)] = append([]string(nil), vals...)
	}
	return nil
}

func (c *fakeConn) Delete(_ context.Context, dn string) error {
	c.deletes = append(c.deletes, dn)
	delete(c.entries, dn)
	return nil
}

const (
	testBaseDN = "ou=factors,dc=example,dc=org"
	testUserDN = "uid=john,ou=people,dc=example,dc=org"
)

func testDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		BaseDN: testBaseDN,
		Filter: "(mail=%fu)",
		RDN:    "cn",
		FieldMap: map[string]string{
			"id":       "cn",
			"label":    "description",
			"secret":   "oathSecret",
			"counter":  "oathCounter",
			"active":   "oathEnabled",
			"created":  "oathCreated",
			"username": "mail",
		},
		ValueMap: map[string]map[string]string{
			"active": {"true": "TRUE", "false": "FALSE"},
		},
		AttrTypes: map[string]string{
			"created": "datetime",
			"counter": "integer",
		},
		ObjectClass: []string{"top", "oathToken"},
		UserRoles: map[string]string{
			"totp:": "cn=totp-user,dc=example,dc=org",
			"hotp:": "cn=hotp-user,dc=example,dc=org",
		},
	}
}

func newTestDirectoryStore(conn *fakeConn) *DirectoryStore {
	s := NewDirectoryStore(conn, testDirectoryConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetUsername("john@example.org")
	s.SetUserDN(testUserDN)
	return s
}

// minute-aligned so the directory datetime encoding round-trips exactly
const testCreated = int64(1000000200)

func TestDirectoryWriteInsertsEntry(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{"nsroledn": nil})
	s := newTestDirectoryStore(conn)

	require.NoError(t, s.Write(ctx, "totp:abc", map[string]any{
		"secret":  "JBSWY3DPEHPK3PXP",
		"label":   "Phone",
		"active":  true,
		"created": testCreated,
	}))

	dn := "cn=totp:abc," + testBaseDN
	require.Contains(t, conn.adds, dn)

	entry := conn.entries[dn]
	require.NotNil(t, entry)
	assert.Equal(t, []string{"totp:abc"}, entry.Attrs["cn"])
	assert.Equal(t, []string{"TRUE"}, entry.Attrs["oathenabled"])
	assert.Equal(t, []string{"john@example.org"}, entry.Attrs["mail"])
	assert.Equal(t, []string{"top", "oathToken"}, entry.Attrs["objectclass"])
	assert.Equal(t, []string{"200109090150Z"}, entry.Attrs["oathcreated"])
}

func TestDirectoryReadDecodesAttributes(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{"nsroledn": nil})
	s := newTestDirectoryStore(conn)

	require.NoError(t, s.Write(ctx, "hotp:abc", map[string]any{
		"secret":  "JBSWY3DPEHPK3PXP",
		"counter": int64(42),
		"active":  false,
		"created": testCreated,
	}))

	// fresh store so the read goes through decode, not the write cache
	s2 := newTestDirectoryStore(conn)
	props, err := s2.Read(ctx, "hotp:abc")
	require.NoError(t, err)

	assert.Equal(t, "JBSWY3DPEHPK3PXP", props["secret"])
	assert.Equal(t, int64(42), props["counter"])
	assert.Equal(t, "false", props["active"])
	assert.Equal(t, testCreated, props["created"])
}

func TestDirectoryReadMissingEntry(t *testing.T) {
	s := newTestDirectoryStore(newFakeConn())

	props, err := s.Read(context.Background(), "totp:nope")
	require.NoError(t, err)
	assert.Nil(t, props)
}

func TestDirectoryWriteIsDifferential(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{"nsroledn": nil})
	s := newTestDirectoryStore(conn)

	props := map[string]any{"secret": "JBSWY3DPEHPK3PXP", "label": "Phone", "active": false}
	require.NoError(t, s.Write(ctx, "totp:abc", props))

	dn := "cn=totp:abc," + testBaseDN

	// identical rewrite produces no modification
	s2 := newTestDirectoryStore(conn)
	require.NoError(t, s2.Write(ctx, "totp:abc", props))
	assert.Empty(t, conn.mods[dn])

	// changing one property replaces only its attribute
	s3 := newTestDirectoryStore(conn)
	require.NoError(t, s3.Write(ctx, "totp:abc", map[string]any{
		"secret": "JBSWY3DPEHPK3PXP", "label": "Tablet", "active": false,
	}))
	require.Len(t, conn.mods[dn], 1)
	assert.Equal(t, map[string][]string{"description": {"Tablet"}}, conn.mods[dn][0].Replace)
}

func TestDirectoryActiveWriteRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{"nsroledn": nil})
	s := newTestDirectoryStore(conn)

	require.NoError(t, s.Write(ctx, "hotp:stale", map[string]any{"active": false}))
	require.NoError(t, s.Write(ctx, "totp:new", map[string]any{"active": true}))

	assert.Contains(t, conn.deletes, "cn=hotp:stale,"+testBaseDN)

	ids, err := s.Enumerate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"totp:new"}, ids)
}

func TestDirectoryEnumerateActiveOnly(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{"nsroledn": nil})
	s := newTestDirectoryStore(conn)

	require.NoError(t, s.Write(ctx, "totp:a", map[string]any{"active": true}))
	require.NoError(t, s.Write(ctx, "hotp:b", map[string]any{"active": false}))

	active, err := s.Enumerate(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"totp:a"}, active)

	all, err := s.Enumerate(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"hotp:b", "totp:a"}, all)
}

func TestDirectoryRoleSync(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{
		"nsroledn": {"cn=external-role,dc=example,dc=org"},
	})
	s := newTestDirectoryStore(conn)

	require.NoError(t, s.Write(ctx, "totp:abc", map[string]any{"active": true}))

	roles := conn.entries[testUserDN].Attrs["nsroledn"]
	assert.ElementsMatch(t, []string{
		"cn=totp-user,dc=example,dc=org",
		"cn=external-role,dc=example,dc=org",
	}, roles)

	// removing the factor drops the managed role, keeps the external one
	require.NoError(t, s.Remove(ctx, "totp:abc"))
	roles = conn.entries[testUserDN].Attrs["nsroledn"]
	assert.Equal(t, []string{"cn=external-role,dc=example,dc=org"}, roles)
}

func TestDirectoryRoleSyncResolvesAccountDN(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{"nsroledn": nil})

	config := testDirectoryConfig()
	config.UserBaseDN = "ou=people,dc=example,dc=org"
	config.UserFilter = "(mail=%fu)"

	// no explicit DN injection; the store must find the account entry itself
	s := NewDirectoryStore(conn, config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetUsername("john@example.org")

	require.NoError(t, s.Write(ctx, "totp:abc", map[string]any{"active": true}))

	roles := conn.entries[testUserDN].Attrs["nsroledn"]
	assert.Equal(t, []string{"cn=totp-user,dc=example,dc=org"}, roles)
}

func TestDirectoryRebindDropsResolvedDN(t *testing.T) {
	s := newTestDirectoryStore(newFakeConn())
	require.NotEmpty(t, s.userDN)

	s.SetUsername("jane@example.org")
	assert.Empty(t, s.userDN)
}

func TestDirectoryRemoveDeletesEntry(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{"nsroledn": nil})
	s := newTestDirectoryStore(conn)

	require.NoError(t, s.Write(ctx, "totp:abc", map[string]any{"active": false}))
	require.NoError(t, s.Remove(ctx, "totp:abc"))

	assert.NotContains(t, conn.entries, "cn=totp:abc,"+testBaseDN)
}

func TestDirectoryEntryDNEscapesSpecials(t *testing.T) {
	s := newTestDirectoryStore(newFakeConn())
	assert.Equal(t, "cn=totp:a\\,b,"+testBaseDN, s.entryDN("totp:a,b"))
}

func TestDirectoryParseVars(t *testing.T) {
	s := newTestDirectoryStore(newFakeConn())

	assert.Equal(t, "(mail=john@example.org)", s.parseVars("(mail=%fu)"))
	assert.Equal(t, "uid=john,dc=example", s.parseVars("uid=%u,dc=example"))
	assert.Equal(t, "example.org", s.parseVars("%d"))
}

func TestDirectoryRebindDropsCaches(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.put(testUserDN, map[string][]string{"nsroledn": nil})
	s := newTestDirectoryStore(conn)

	require.NoError(t, s.Write(ctx, "totp:abc", map[string]any{"active": false}))

	s.SetUsername("jane@example.org")
	props, err := s.Read(ctx, "totp:abc")
	require.NoError(t, err)

	// the entry still exists under the shared subtree, but the cached copy
	// from the previous binding is gone and the read decodes fresh state
	require.NotNil(t, props)
	assert.Equal(t, "totp:abc", props["id"])
}
