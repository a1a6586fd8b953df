// Package group manages registered groups: chats promoted to tenants.
// Unlike the rest of persistent state, group records are stored outside
// the database as one JSON file, loaded in full at start and rewritten in
// full on every change.
package group

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Flags are the per-group feature toggles. Each is tri-state: nil means
// the group never set it, and the accessors on Group resolve nil to the
// documented default (fast path and follow-up on, web search off, trigger
// required). A plain bool here would make every freshly registered or
// hand-edited group silently opt out of the fast path.
type Flags struct {
	EnableWebSearch *bool `json:"enable_web_search,omitempty"`
	EnableFastPath  *bool `json:"enable_fast_path,omitempty"`
	EnableFollowUp  *bool `json:"enable_follow_up,omitempty"`
	RequireTrigger  *bool `json:"require_trigger,omitempty"`
}

// Mount is one additional host directory a group asks to have bound into
// its sandbox; every request passes the mount-allowlist validator before
// the sandbox runner sees it.
type Mount struct {
	ContainerPath string `json:"container_path"`
	HostPath      string `json:"host_path"`
	ReadOnly      bool   `json:"read_only"`
}

// Group is a chat promoted to a tenant.
type Group struct {
	ChatID             string  `json:"chat_id"`
	FolderName         string  `json:"folder_name"`
	Name               string  `json:"name"`
	TriggerToken       string  `json:"trigger_token"`
	PersonaKey         string  `json:"persona_key"`
	CustomSystemPrompt string  `json:"custom_system_prompt,omitempty"`
	ModelOverride      string  `json:"model_override,omitempty"`
	Flags              Flags   `json:"flags"`
	AdditionalMounts   []Mount `json:"additional_mounts,omitempty"`
	IsMain             bool    `json:"is_main"`
}

// FastPathEnabled reports whether this group may take the fast path:
// eligible unless explicitly set to false.
func (g *Group) FastPathEnabled() bool {
	return g.Flags.EnableFastPath == nil || *g.Flags.EnableFastPath
}

// FollowUpEnabled reports whether replies carry the follow-up-suggestion
// instruction block: on unless explicitly set to false.
func (g *Group) FollowUpEnabled() bool {
	return g.Flags.EnableFollowUp == nil || *g.Flags.EnableFollowUp
}

// WebSearchEnabled reports whether sandbox runs may reach the web: off
// unless explicitly enabled.
func (g *Group) WebSearchEnabled() bool {
	return g.Flags.EnableWebSearch != nil && *g.Flags.EnableWebSearch
}

// TriggerRequired reports whether a non-main group only receives messages
// starting with the assistant trigger: required unless explicitly set to
// false. Main ignores this entirely.
func (g *Group) TriggerRequired() bool {
	return g.Flags.RequireTrigger == nil || *g.Flags.RequireTrigger
}

// folderNamePattern is the alphanumeric/dash/underscore constraint on
// stable folder names, enforced again as a hard error by the sandbox
// runner at spawn time.
var folderNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrInvalidFolderName is returned when a folder name fails the pattern.
var ErrInvalidFolderName = errors.New("group: folder name must match ^[A-Za-z0-9_-]+$")

// Registry is the in-process, file-backed table of registered groups,
// keyed by chat id. Every exported method is the only mutator for the
// underlying map.
type Registry struct {
	mu       sync.RWMutex
	path     string
	byChatID map[string]*Group
}

// Load reads path (creating an empty registry file if absent) into memory.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, byChatID: make(map[string]*Group)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := r.save(); err != nil {
			return nil, err
		}
		return r, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read registered groups file %s", path)
	}

	var raw map[string]*Group
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse registered groups file %s", path)
	}
	r.byChatID = raw
	if r.byChatID == nil {
		r.byChatID = make(map[string]*Group)
	}
	return r, nil
}

// Get returns the group registered for a chat id, or nil.
func (r *Registry) Get(chatID string) *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byChatID[chatID]
}

// Main returns the distinguished main group, or nil if none is registered
// yet.
func (r *Registry) Main() *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byChatID {
		if g.IsMain {
			return g
		}
	}
	return nil
}

// List returns a snapshot of every registered group.
func (r *Registry) List() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.byChatID))
	for _, g := range r.byChatID {
		out = append(out, *g)
	}
	return out
}

// DeriveFolderName lowercases name and replaces every character outside
// [a-z0-9_-] with '_', producing the folder the register_group tool
// assigns a new tenant.
func DeriveFolderName(name string) string {
	lower := strings.ToLower(name)
	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Register adds or replaces a group and persists the registry. Returns
// ErrInvalidFolderName if FolderName fails the pattern.
func (r *Registry) Register(g Group) error {
	if !folderNamePattern.MatchString(g.FolderName) {
		return ErrInvalidFolderName
	}

	r.mu.Lock()
	r.byChatID[g.ChatID] = &g
	err := r.save()
	r.mu.Unlock()
	return err
}

// save must be called with r.mu held (read or write — callers that mutate
// hold the write lock already; Load calls it before any lock exists).
func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.byChatID, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal registered groups")
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create registered groups dir %s", dir)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write registered groups temp file %s", tmp)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errors.Wrapf(err, "rename registered groups file to %s", r.path)
	}
	return nil
}
