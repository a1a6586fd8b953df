// Package hoststate persists the two small host-side state documents that
// live outside the database: router_state.json (the per-chat watermark of
// the newest message already handed to an executor) and sessions.json (the
// per-group session token a prior sandbox run handed back). Both follow
// the same load-whole-file, rewrite-whole-file-atomically shape as the
// registered-groups registry.
package hoststate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// RouterState tracks message watermarks across restarts.
type RouterState struct {
	mu   sync.Mutex
	path string
	doc  routerStateDoc
}

type routerStateDoc struct {
	LastTimestamp      int64            `json:"last_timestamp"`
	LastAgentTimestamp map[string]int64 `json:"last_agent_timestamp"`
}

// LoadRouterState reads path, tolerating a missing file as empty state.
func LoadRouterState(path string) (*RouterState, error) {
	s := &RouterState{path: path, doc: routerStateDoc{LastAgentTimestamp: make(map[string]int64)}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read router state %s", path)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, errors.Wrapf(err, "parse router state %s", path)
	}
	if s.doc.LastAgentTimestamp == nil {
		s.doc.LastAgentTimestamp = make(map[string]int64)
	}
	return s, nil
}

// LastAgentTimestamp returns the watermark for chatID (zero if unseen).
func (s *RouterState) LastAgentTimestamp(chatID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.LastAgentTimestamp[chatID]
}

// Advance raises chatID's watermark (and the global last-timestamp) to ts,
// never lowering either, and persists. Out-of-order calls are safe.
func (s *RouterState) Advance(chatID string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts <= s.doc.LastAgentTimestamp[chatID] {
		return nil
	}
	s.doc.LastAgentTimestamp[chatID] = ts
	if ts > s.doc.LastTimestamp {
		s.doc.LastTimestamp = ts
	}
	return writeAtomic(s.path, s.doc)
}

// Sessions maps group folders to the opaque session token the last sandbox
// run returned, resumable on the next run when context mode is "group".
type Sessions struct {
	mu      sync.Mutex
	path    string
	byGroup map[string]string
}

// LoadSessions reads path, tolerating a missing file as empty state.
func LoadSessions(path string) (*Sessions, error) {
	s := &Sessions{path: path, byGroup: make(map[string]string)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read sessions file %s", path)
	}
	if err := json.Unmarshal(data, &s.byGroup); err != nil {
		return nil, errors.Wrapf(err, "parse sessions file %s", path)
	}
	if s.byGroup == nil {
		s.byGroup = make(map[string]string)
	}
	return s, nil
}

// Get returns the stored session token for a group folder, or "".
func (s *Sessions) Get(folder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byGroup[folder]
}

// Set stores (or, with an empty token, clears) a group's session token and
// persists.
func (s *Sessions) Set(folder, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		delete(s.byGroup, folder)
	} else {
		s.byGroup[folder] = token
	}
	return writeAtomic(s.path, s.byGroup)
}

func writeAtomic(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state document")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create state dir for %s", path)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write state temp file %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename state file to %s", path)
	}
	return nil
}
