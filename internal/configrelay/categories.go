package configrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// RemoteItem is the opaque remote-store record a category is stored as.
// LastUpdate is the server clock, used only as a fallback when the
// payload's own metadata timestamp is absent or invalid.
type RemoteItem struct {
	ID         int64
	Title      string
	Link       string
	Note       string
	LastUpdate time.Time
}

// Category is the plugin contract each synchronized configuration
// category implements. Titles are the case-insensitive remote keys; links
// are stable pseudo-URL placeholders the remote store requires on every
// item.
type Category interface {
	ID() CategoryID
	Title() string
	Link() string
	Build(ctx context.Context, meta Metadata) (Payload, error)
	Parse(item RemoteItem) (*Payload, int64, error)
	Apply(ctx context.Context, p Payload) error
	Reset(ctx context.Context) error
}

// TabScanner re-applies reload rules to already-open tabs after a
// restore. The concrete scanner lives outside the engine.
type TabScanner interface {
	ReapplyReloadRules(ctx context.Context, rules []ReloadRule) error
}

// FolderResolver converts between a human-readable folder path and the
// storage-specific folder identifier for the save-location category.
type FolderResolver interface {
	ResolvePath(ctx context.Context, folderID string) (string, error)
	EnsurePath(ctx context.Context, folderPath string) (string, error)
}

type nopTabScanner struct{}

func (nopTabScanner) ReapplyReloadRules(ctx context.Context, rules []ReloadRule) error {
	return nil
}

type nopFolderResolver struct{}

func (nopFolderResolver) ResolvePath(ctx context.Context, folderID string) (string, error) {
	return "", ErrNotImplemented
}

func (nopFolderResolver) EnsurePath(ctx context.Context, folderPath string) (string, error) {
	return "", ErrNotImplemented
}

const (
	keySettings           = "settings"
	keyReloadRules        = "reloads.rules"
	keyBlocklistHosts     = "blocklist.hosts"
	keyProfiles           = "profiles"
	keySaveLocationPath   = "savelocation.path"
	keySaveLocationFolder = "savelocation.folderId"
)

// Registry is the closed table of category implementations. It is fixed
// at construction; there is no runtime registration.
type Registry struct {
	ordered []Category
	byID    map[CategoryID]Category
	byKey   map[string]CategoryID
}

type RegistryOptions struct {
	Store   *ConfigStore
	Tabs    TabScanner
	Folders FolderResolver
	Logger  Logger
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	if opts.Tabs == nil {
		opts.Tabs = nopTabScanner{}
	}
	if opts.Folders == nil {
		opts.Folders = nopFolderResolver{}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	ordered := []Category{
		&settingsCategory{store: opts.Store},
		&reloadsCategory{store: opts.Store, tabs: opts.Tabs, logger: opts.Logger},
		&blocklistCategory{store: opts.Store},
		&profilesCategory{store: opts.Store},
		&saveLocationCategory{store: opts.Store, folders: opts.Folders, logger: opts.Logger},
	}
	byID := make(map[CategoryID]Category, len(ordered))
	for _, cat := range ordered {
		byID[cat.ID()] = cat
	}
	byKey := map[string]CategoryID{
		keySettings:           CategorySettings,
		keyReloadRules:        CategoryReloads,
		keyBlocklistHosts:     CategoryBlocklist,
		keyProfiles:           CategoryProfiles,
		keySaveLocationPath:   CategorySaveLocation,
		keySaveLocationFolder: CategorySaveLocation,
	}
	return &Registry{ordered: ordered, byID: byID, byKey: byKey}, nil
}

func (r *Registry) All() []Category {
	return append([]Category(nil), r.ordered...)
}

func (r *Registry) Lookup(id CategoryID) (Category, bool) {
	cat, ok := r.byID[id]
	return cat, ok
}

// KeyCategory maps a storage key to the category whose backup it should
// trigger.
func (r *Registry) KeyCategory(key string) (CategoryID, bool) {
	id, ok := r.byKey[strings.TrimSpace(key)]
	return id, ok
}

// decodeItem runs the payload codec over the item's note and applies the
// server-clock fallback.
func decodeItem(id CategoryID, item RemoteItem) (*Payload, int64, error) {
	p, clock, err := DecodePayload(id, item.Note)
	if err != nil {
		return nil, 0, err
	}
	if clock <= 0 && !item.LastUpdate.IsZero() {
		if ts := item.LastUpdate.UnixMilli(); ts > 0 {
			clock = ts
		}
	}
	return p, clock, nil
}

func marshalData(id CategoryID, v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", id, err)
	}
	return data, nil
}

// --- settings ---

type SettingsData struct {
	Theme               string `json:"theme"`
	BadgeEnabled        bool   `json:"badgeEnabled"`
	ContextMenuEnabled  bool   `json:"contextMenuEnabled"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
}

func DefaultSettings() SettingsData {
	return SettingsData{
		Theme:               "system",
		BadgeEnabled:        true,
		ContextMenuEnabled:  true,
		PollIntervalSeconds: 300,
	}
}

func normalizeSettings(d SettingsData) SettingsData {
	switch d.Theme {
	case "system", "light", "dark":
	default:
		d.Theme = "system"
	}
	if d.PollIntervalSeconds <= 0 {
		d.PollIntervalSeconds = 300
	}
	if d.PollIntervalSeconds < 30 {
		d.PollIntervalSeconds = 30
	}
	if d.PollIntervalSeconds > 86400 {
		d.PollIntervalSeconds = 86400
	}
	return d
}

type settingsCategory struct {
	store *ConfigStore
}

func (c *settingsCategory) ID() CategoryID { return CategorySettings }
func (c *settingsCategory) Title() string  { return "Settings" }
func (c *settingsCategory) Link() string   { return "https://configrelay.local/settings" }

func (c *settingsCategory) Build(ctx context.Context, meta Metadata) (Payload, error) {
	d := DefaultSettings()
	if _, err := c.store.Get(keySettings, &d); err != nil {
		return Payload{}, err
	}
	data, err := marshalData(c.ID(), normalizeSettings(d))
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: c.ID(), Data: data, Meta: meta}, nil
}

func (c *settingsCategory) Parse(item RemoteItem) (*Payload, int64, error) {
	p, clock, err := decodeItem(c.ID(), item)
	if err != nil {
		return nil, 0, err
	}
	d := DefaultSettings()
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, 0, &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	data, err := marshalData(c.ID(), normalizeSettings(d))
	if err != nil {
		return nil, 0, err
	}
	p.Data = data
	return p, clock, nil
}

func (c *settingsCategory) Apply(ctx context.Context, p Payload) error {
	var d SettingsData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	return c.store.Set(keySettings, normalizeSettings(d))
}

func (c *settingsCategory) Reset(ctx context.Context) error {
	return c.store.Set(keySettings, DefaultSettings())
}

// --- reloads ---

type ReloadRule struct {
	Pattern         string `json:"pattern"`
	IntervalSeconds int    `json:"intervalSeconds"`
	ActiveOnly      bool   `json:"activeOnly,omitempty"`
	SkipWhenFocused bool   `json:"skipWhenFocused,omitempty"`
}

type ReloadsData struct {
	Rules []ReloadRule `json:"rules"`
}

func DefaultReloads() ReloadsData {
	return ReloadsData{Rules: []ReloadRule{}}
}

// normalizeReloadRules applies the same checks used on locally-entered
// rules: empty patterns are dropped, duplicate patterns keep the first
// occurrence, and intervals are clamped to [5s, 24h].
func normalizeReloadRules(rules []ReloadRule) []ReloadRule {
	out := make([]ReloadRule, 0, len(rules))
	seen := map[string]bool{}
	for _, rule := range rules {
		rule.Pattern = strings.TrimSpace(rule.Pattern)
		if rule.Pattern == "" || seen[rule.Pattern] {
			continue
		}
		seen[rule.Pattern] = true
		if rule.IntervalSeconds <= 0 {
			rule.IntervalSeconds = 60
		}
		if rule.IntervalSeconds < 5 {
			rule.IntervalSeconds = 5
		}
		if rule.IntervalSeconds > 86400 {
			rule.IntervalSeconds = 86400
		}
		out = append(out, rule)
	}
	return out
}

type reloadsCategory struct {
	store  *ConfigStore
	tabs   TabScanner
	logger Logger
}

func (c *reloadsCategory) ID() CategoryID { return CategoryReloads }
func (c *reloadsCategory) Title() string  { return "Reload Rules" }
func (c *reloadsCategory) Link() string   { return "https://configrelay.local/reloads" }

func (c *reloadsCategory) Build(ctx context.Context, meta Metadata) (Payload, error) {
	d := DefaultReloads()
	if _, err := c.store.Get(keyReloadRules, &d.Rules); err != nil {
		return Payload{}, err
	}
	d.Rules = normalizeReloadRules(d.Rules)
	data, err := marshalData(c.ID(), d)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: c.ID(), Data: data, Meta: meta}, nil
}

func (c *reloadsCategory) Parse(item RemoteItem) (*Payload, int64, error) {
	p, clock, err := decodeItem(c.ID(), item)
	if err != nil {
		return nil, 0, err
	}
	var d ReloadsData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, 0, &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	d.Rules = normalizeReloadRules(d.Rules)
	data, err := marshalData(c.ID(), d)
	if err != nil {
		return nil, 0, err
	}
	p.Data = data
	return p, clock, nil
}

func (c *reloadsCategory) Apply(ctx context.Context, p Payload) error {
	var d ReloadsData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	d.Rules = normalizeReloadRules(d.Rules)
	if err := c.store.Set(keyReloadRules, d.Rules); err != nil {
		return err
	}
	// Tab scanning happens outside the engine; a scanner failure must not
	// fail the restore.
	if err := c.tabs.ReapplyReloadRules(ctx, d.Rules); err != nil {
		c.logger.Printf("reapply reload rules failed: %v", err)
	}
	return nil
}

func (c *reloadsCategory) Reset(ctx context.Context) error {
	return c.store.Set(keyReloadRules, DefaultReloads().Rules)
}

// --- blocklist ---

type BlocklistData struct {
	Hosts []string `json:"hosts"`
}

func DefaultBlocklist() BlocklistData {
	return BlocklistData{Hosts: []string{}}
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	seen := map[string]bool{}
	for _, host := range hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, host)
	}
	return out
}

type blocklistCategory struct {
	store *ConfigStore
}

func (c *blocklistCategory) ID() CategoryID { return CategoryBlocklist }
func (c *blocklistCategory) Title() string  { return "Blocklist" }
func (c *blocklistCategory) Link() string   { return "https://configrelay.local/blocklist" }

func (c *blocklistCategory) Build(ctx context.Context, meta Metadata) (Payload, error) {
	d := DefaultBlocklist()
	if _, err := c.store.Get(keyBlocklistHosts, &d.Hosts); err != nil {
		return Payload{}, err
	}
	d.Hosts = normalizeHosts(d.Hosts)
	data, err := marshalData(c.ID(), d)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: c.ID(), Data: data, Meta: meta}, nil
}

func (c *blocklistCategory) Parse(item RemoteItem) (*Payload, int64, error) {
	p, clock, err := decodeItem(c.ID(), item)
	if err != nil {
		return nil, 0, err
	}
	var d BlocklistData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, 0, &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	d.Hosts = normalizeHosts(d.Hosts)
	data, err := marshalData(c.ID(), d)
	if err != nil {
		return nil, 0, err
	}
	p.Data = data
	return p, clock, nil
}

func (c *blocklistCategory) Apply(ctx context.Context, p Payload) error {
	var d BlocklistData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	return c.store.Set(keyBlocklistHosts, normalizeHosts(d.Hosts))
}

func (c *blocklistCategory) Reset(ctx context.Context) error {
	return c.store.Set(keyBlocklistHosts, DefaultBlocklist().Hosts)
}

// --- profiles ---

type ProfilesData struct {
	Profiles map[string]SettingsData `json:"profiles"`
}

func DefaultProfiles() ProfilesData {
	return ProfilesData{Profiles: map[string]SettingsData{}}
}

func normalizeProfiles(profiles map[string]SettingsData) map[string]SettingsData {
	out := make(map[string]SettingsData, len(profiles))
	for name, settings := range profiles {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out[name] = normalizeSettings(settings)
	}
	return out
}

type profilesCategory struct {
	store *ConfigStore
}

func (c *profilesCategory) ID() CategoryID { return CategoryProfiles }
func (c *profilesCategory) Title() string  { return "Profiles" }
func (c *profilesCategory) Link() string   { return "https://configrelay.local/profiles" }

func (c *profilesCategory) Build(ctx context.Context, meta Metadata) (Payload, error) {
	d := DefaultProfiles()
	if _, err := c.store.Get(keyProfiles, &d.Profiles); err != nil {
		return Payload{}, err
	}
	d.Profiles = normalizeProfiles(d.Profiles)
	data, err := marshalData(c.ID(), d)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: c.ID(), Data: data, Meta: meta}, nil
}

func (c *profilesCategory) Parse(item RemoteItem) (*Payload, int64, error) {
	p, clock, err := decodeItem(c.ID(), item)
	if err != nil {
		return nil, 0, err
	}
	var d ProfilesData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, 0, &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	d.Profiles = normalizeProfiles(d.Profiles)
	data, err := marshalData(c.ID(), d)
	if err != nil {
		return nil, 0, err
	}
	p.Data = data
	return p, clock, nil
}

func (c *profilesCategory) Apply(ctx context.Context, p Payload) error {
	var d ProfilesData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	return c.store.Set(keyProfiles, normalizeProfiles(d.Profiles))
}

func (c *profilesCategory) Reset(ctx context.Context) error {
	return c.store.Set(keyProfiles, DefaultProfiles().Profiles)
}

// --- save location ---

type SaveLocationData struct {
	Path string `json:"path"`
}

func DefaultSaveLocation() SaveLocationData {
	return SaveLocationData{Path: "Apps/Configrelay"}
}

func normalizeSaveLocationPath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return DefaultSaveLocation().Path
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return DefaultSaveLocation().Path
	}
	return cleaned
}

type saveLocationCategory struct {
	store   *ConfigStore
	folders FolderResolver
	logger  Logger
}

func (c *saveLocationCategory) ID() CategoryID { return CategorySaveLocation }
func (c *saveLocationCategory) Title() string  { return "Save Location" }
func (c *saveLocationCategory) Link() string   { return "https://configrelay.local/savelocation" }

func (c *saveLocationCategory) Build(ctx context.Context, meta Metadata) (Payload, error) {
	d := DefaultSaveLocation()
	if _, err := c.store.Get(keySaveLocationPath, &d.Path); err != nil {
		return Payload{}, err
	}
	d.Path = normalizeSaveLocationPath(d.Path)
	data, err := marshalData(c.ID(), d)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: c.ID(), Data: data, Meta: meta}, nil
}

func (c *saveLocationCategory) Parse(item RemoteItem) (*Payload, int64, error) {
	p, clock, err := decodeItem(c.ID(), item)
	if err != nil {
		return nil, 0, err
	}
	var d SaveLocationData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, 0, &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	d.Path = normalizeSaveLocationPath(d.Path)
	data, err := marshalData(c.ID(), d)
	if err != nil {
		return nil, 0, err
	}
	p.Data = data
	return p, clock, nil
}

func (c *saveLocationCategory) Apply(ctx context.Context, p Payload) error {
	var d SaveLocationData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return &ParseError{Category: c.ID(), Reason: "data does not decode"}
	}
	d.Path = normalizeSaveLocationPath(d.Path)
	if err := c.store.Set(keySaveLocationPath, d.Path); err != nil {
		return err
	}
	// Resolver failures fall back to the previously stored folder id; the
	// path itself is already applied.
	folderID, err := c.folders.EnsurePath(ctx, d.Path)
	if err != nil {
		c.logger.Printf("ensure save location %q failed: %v", d.Path, err)
		return nil
	}
	if err := c.store.Set(keySaveLocationFolder, folderID); err != nil {
		return err
	}
	return nil
}

func (c *saveLocationCategory) Reset(ctx context.Context) error {
	return c.store.Set(keySaveLocationPath, DefaultSaveLocation().Path)
}
