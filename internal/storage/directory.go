package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veridian-labs/stepfactor/internal/models"
)

// compact UTC attribute encoding for datetime fields, minute resolution
const dirTimeLayout = "200601021504Z"

// Entry is a raw directory record. Attribute names are lower-cased by the
// connection implementation.
type Entry struct {
	DN    string
	Attrs map[string][]string
}

// Modification carries the attribute delta of a differential update.
type Modification struct {
	Replace map[string][]string
}

// Conn is the subset of directory operations the store needs. Production
// uses the LDAP implementation; tests use a fake.
type Conn interface {
	Search(ctx context.Context, baseDN, filter string, attrs []string) ([]Entry, error)
	Get(ctx context.Context, dn string, attrs []string) (*Entry, error)
	Add(ctx context.Context, dn string, attrs map[string][]string) error
	Modify(ctx context.Context, dn string, mod Modification) error
	Delete(ctx context.Context, dn string) error
}

// DirectoryConfig maps logical factor properties onto directory attributes.
type DirectoryConfig struct {
	// BaseDN and Filter are templates supporting %u (local part), %d
	// (domain) and %fu (full user identity) substitution.
	BaseDN string
	Filter string

	// RDN is the attribute naming factor entries; its value is the factor id.
	RDN string

	// UserBaseDN and UserFilter locate the bound account's own directory
	// entry. The DN found there anchors role synchronization; with an empty
	// filter the account entry is never looked up and role sync stays off.
	UserBaseDN string
	UserFilter string

	// FieldMap maps logical property names to attribute names.
	FieldMap map[string]string

	// ValueMap maps logical values to attribute-encoded values per field,
	// invertible for reads.
	ValueMap map[string]map[string]string

	// AttrTypes declares per-field coercion: "datetime" or "integer".
	AttrTypes map[string]string

	// ObjectClass is the class list applied to newly inserted entries.
	ObjectClass []string

	// Defaults are merged under every written property map.
	Defaults map[string]any

	// UserRoles maps factor id prefixes to account-level role values derived
	// from the active factor set. RolesAttr is the account attribute holding
	// them (default nsroledn).
	UserRoles map[string]string
	RolesAttr string
}

// DirectoryStore keeps one directory entry per factor, addressed by a DN
// composed from the account identity, the factor id and configured templates.
type DirectoryStore struct {
	conn     Conn
	config   DirectoryConfig
	logger   *slog.Logger
	username string
	userDN   string

	cache      map[string]map[string]any
	entryCache map[string]*Entry
}

func NewDirectoryStore(conn Conn, config DirectoryConfig, logger *slog.Logger) *DirectoryStore {
	if config.RolesAttr == "" {
		config.RolesAttr = "nsroledn"
	}
	return &DirectoryStore{
		conn:       conn,
		config:     config,
		logger:     logger,
		cache:      make(map[string]map[string]any),
		entryCache: make(map[string]*Entry),
	}
}

// SetUsername binds the store to an account and drops all cached state,
// including any account DN resolved for the previous binding.
func (s *DirectoryStore) SetUsername(username string) {
	s.username = username
	s.userDN = ""
	s.cache = make(map[string]map[string]any)
	s.entryCache = make(map[string]*Entry)
}

func (s *DirectoryStore) Username() string {
	return s.username
}

// SetUserDN attaches the distinguished name of the bound account when the
// caller already knows it. Otherwise the DN is resolved on demand through
// the configured user filter.
func (s *DirectoryStore) SetUserDN(dn string) {
	s.userDN = dn
}

// resolveUserDN returns the bound account's DN, looking its entry up through
// UserBaseDN/UserFilter on first use. Lookup failures are logged and leave
// role synchronization off for this binding.
func (s *DirectoryStore) resolveUserDN(ctx context.Context) string {
	if s.userDN != "" || s.config.UserFilter == "" || s.username == "" {
		return s.userDN
	}

	base := s.parseVars(s.config.UserBaseDN)
	filter := s.parseVars(s.config.UserFilter)
	entries, err := s.conn.Search(ctx, base, filter, []string{"objectclass"})
	if err != nil {
		s.logger.Warn("account entry lookup failed",
			slog.String("base", base),
			slog.Any("error", err))
		return ""
	}
	if len(entries) == 0 {
		s.logger.Warn("account entry not found", slog.String("base", base))
		return ""
	}

	s.userDN = entries[0].DN
	return s.userDN
}

// Enumerate lists factor ids for the bound account, sorted.
func (s *DirectoryStore) Enumerate(ctx context.Context, activeOnly bool) ([]string, error) {
	var want *bool
	if activeOnly {
		t := true
		want = &t
	}
	return s.enumerate(ctx, want)
}

func (s *DirectoryStore) enumerate(ctx context.Context, want *bool) ([]string, error) {
	baseDN := s.parseVars(s.config.BaseDN)
	filter := s.parseVars(s.config.Filter)
	attrs := []string{s.config.FieldMap["id"], s.config.FieldMap["active"]}

	entries, err := s.conn.Search(ctx, baseDN, filter, attrs)
	if err != nil {
		return nil, fmt.Errorf("directory search failed: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		id := models.AsString(s.decodeField("id", s.attrValues(&entry, "id")))
		if id == "" {
			continue
		}
		active := models.AsBool(s.decodeField("active", s.attrValues(&entry, "active")))
		if want == nil || active == *want {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Read returns the decoded property map for the factor id, nil when absent.
func (s *DirectoryStore) Read(ctx context.Context, id string) (map[string]any, error) {
	if props, ok := s.cache[id]; ok {
		return props, nil
	}

	entry, err := s.rawEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		s.cache[id] = nil
		return nil, nil
	}

	props := make(map[string]any)
	for field := range s.config.FieldMap {
		if vals := s.attrValues(entry, field); vals != nil {
			props[field] = s.decodeField(field, vals)
		}
	}

	s.cache[id] = props
	return props, nil
}

// Write persists the property map. Existing entries get a differential
// update: the new attribute set is diffed against the raw entry and only the
// delta is applied. New entries are inserted with the configured object
// classes. Writing an active factor additionally removes all other inactive
// entries of the account and resynchronizes the derived role attribute;
// role sync is best-effort and never fails the write.
func (s *DirectoryStore) Write(ctx context.Context, id string, props map[string]any) error {
	if s.username == "" {
		return models.ErrNoUsername
	}
	if props == nil {
		return s.Remove(ctx, id)
	}

	merged := make(map[string]any, len(props)+len(s.config.Defaults)+3)
	for k, v := range s.config.Defaults {
		merged[k] = v
	}
	merged["active"] = false
	merged["username"] = s.username
	if _, mapped := s.config.FieldMap["userdn"]; mapped {
		if dn := s.resolveUserDN(ctx); dn != "" {
			merged["userdn"] = dn
		}
	}
	for k, v := range props {
		merged[k] = v
	}
	merged["id"] = id

	attrs := make(map[string][]string)
	for field, value := range merged {
		if attr, ok := s.config.FieldMap[field]; ok {
			attrs[attr] = s.encodeField(field, value)
		}
	}

	existing, err := s.rawEntry(ctx, id)
	if err != nil {
		return err
	}

	if existing != nil {
		mod := Modification{Replace: make(map[string][]string)}
		for attr, vals := range attrs {
			if !stringSlicesEqual(existing.Attrs[strings.ToLower(attr)], vals) {
				mod.Replace[attr] = vals
			}
		}
		if len(mod.Replace) > 0 {
			if err := s.conn.Modify(ctx, existing.DN, mod); err != nil {
				return fmt.Errorf("failed to update factor entry: %w", err)
			}
		}
	} else {
		attrs["objectclass"] = append([]string(nil), s.config.ObjectClass...)
		if err := s.conn.Add(ctx, s.entryDN(id), attrs); err != nil {
			return fmt.Errorf("failed to insert factor entry: %w", err)
		}
	}

	s.cache[id] = merged
	s.entryCache = make(map[string]*Entry)

	if models.AsBool(merged["active"]) {
		inactive := false
		stale, err := s.enumerate(ctx, &inactive)
		if err != nil {
			s.logger.Warn("stale factor cleanup failed", slog.Any("error", err))
		} else {
			for _, staleID := range stale {
				if staleID == id {
					continue
				}
				if err := s.Remove(ctx, staleID); err != nil {
					s.logger.Warn("failed to remove stale factor",
						slog.String("factor", staleID),
						slog.Any("error", err))
				}
			}
		}
		s.syncRoles(ctx)
	}

	return nil
}

// Remove deletes the entry for the factor id and resynchronizes roles.
func (s *DirectoryStore) Remove(ctx context.Context, id string) error {
	if err := s.conn.Delete(ctx, s.entryDN(id)); err != nil {
		return fmt.Errorf("failed to delete factor entry: %w", err)
	}

	delete(s.cache, id)
	s.entryCache = make(map[string]*Entry)
	s.syncRoles(ctx)
	return nil
}

// syncRoles recomputes the account-level role attribute from the currently
// active factor ids. Only the role values managed through UserRoles are
// replaced; externally assigned roles are preserved.
func (s *DirectoryStore) syncRoles(ctx context.Context) {
	if len(s.config.UserRoles) == 0 {
		return
	}
	userDN := s.resolveUserDN(ctx)
	if userDN == "" {
		return
	}

	active := true
	activeIDs, err := s.enumerate(ctx, &active)
	if err != nil {
		s.logger.Warn("role sync: enumerate failed", slog.Any("error", err))
		return
	}

	var authRoles []string
	for _, id := range activeIDs {
		for prefix, role := range s.config.UserRoles {
			if strings.HasPrefix(id, prefix) {
				authRoles = append(authRoles, role)
			}
		}
	}

	entry, err := s.conn.Get(ctx, userDN, []string{s.config.RolesAttr})
	if err != nil || entry == nil {
		s.logger.Warn("role sync: account entry unavailable", slog.Any("error", err))
		return
	}

	managed := make(map[string]bool, len(s.config.UserRoles))
	for _, role := range s.config.UserRoles {
		managed[role] = true
	}

	newRoles := uniqueStrings(authRoles)
	for _, role := range entry.Attrs[strings.ToLower(s.config.RolesAttr)] {
		if !managed[role] {
			newRoles = append(newRoles, role)
		}
	}

	old := entry.Attrs[strings.ToLower(s.config.RolesAttr)]
	if stringSlicesEqual(old, newRoles) {
		return
	}

	mod := Modification{Replace: map[string][]string{s.config.RolesAttr: newRoles}}
	if err := s.conn.Modify(ctx, userDN, mod); err != nil {
		s.logger.Warn("role sync: modify failed", slog.Any("error", err))
	}
}

// rawEntry fetches (and caches, misses included) the directory entry for a
// factor id.
func (s *DirectoryStore) rawEntry(ctx context.Context, id string) (*Entry, error) {
	dn := s.entryDN(id)
	if entry, ok := s.entryCache[dn]; ok {
		return entry, nil
	}

	attrs := make([]string, 0, len(s.config.FieldMap))
	for _, attr := range s.config.FieldMap {
		attrs = append(attrs, attr)
	}

	entry, err := s.conn.Get(ctx, dn, attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch factor entry: %w", err)
	}

	s.entryCache[dn] = entry
	return entry, nil
}

// entryDN composes the distinguished name addressing a factor record.
func (s *DirectoryStore) entryDN(id string) string {
	return fmt.Sprintf("%s=%s,%s", s.config.RDN, escapeDN(id), s.parseVars(s.config.BaseDN))
}

// parseVars expands the %u/%d/%fu placeholders in DN and filter templates.
// %fu is always the full account name so templates keep their meaning whether
// or not the account DN has been resolved yet.
func (s *DirectoryStore) parseVars(template string) string {
	user := s.username
	local, domain := user, ""
	if i := strings.IndexByte(user, '@'); i > 0 {
		local, domain = user[:i], user[i+1:]
	}

	return strings.NewReplacer("%fu", user, "%u", local, "%d", domain).Replace(template)
}

func (s *DirectoryStore) attrValues(entry *Entry, field string) []string {
	attr, ok := s.config.FieldMap[field]
	if !ok {
		return nil
	}
	return entry.Attrs[strings.ToLower(attr)]
}

// encodeField maps a logical value to its attribute encoding.
func (s *DirectoryStore) encodeField(field string, value any) []string {
	str := models.AsString(value)

	switch s.config.AttrTypes[field] {
	case "datetime":
		if ts := models.AsInt64(value); ts != 0 {
			str = time.Unix(ts, 0).UTC().Format(dirTimeLayout)
		}
	case "integer":
		str = strconv.FormatInt(models.AsInt64(value), 10)
	}

	if vmap, ok := s.config.ValueMap[field]; ok {
		if mapped, ok := vmap[str]; ok {
			str = mapped
		}
	}

	return []string{str}
}

// decodeField inverts encodeField for values read from the directory.
func (s *DirectoryStore) decodeField(field string, vals []string) any {
	if len(vals) == 0 {
		return nil
	}
	str := vals[0]

	if vmap, ok := s.config.ValueMap[field]; ok {
		for logical, encoded := range vmap {
			if encoded == str {
				str = logical
				break
			}
		}
	}

	switch s.config.AttrTypes[field] {
	case "datetime":
		if t, err := time.Parse(dirTimeLayout, str); err == nil {
			return t.Unix()
		}
		return models.AsInt64(str)
	case "integer":
		return models.AsInt64(str)
	}

	return str
}

// escapeDN escapes the characters with special meaning in a DN value.
func escapeDN(value string) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case ',', '+', '"', '\\', '<', '>', ';', '=', '#':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
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
