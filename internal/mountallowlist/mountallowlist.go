// Package mountallowlist validates the extra host-directory mounts a
// group may declare before the sandbox runner turns them into bind
// mounts. The policy file is read once on first use and cached.
package mountallowlist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// AllowedRoot is one directory additional mounts may be rooted under.
type AllowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
}

// Policy is the on-disk allowlist schema.
type Policy struct {
	AllowedRoots    []AllowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	NonMainReadOnly bool          `json:"nonMainReadOnly"`
}

// defaultBlockedPatterns are merged with the policy's user-supplied list;
// these path-component names are never mountable regardless of policy.
var defaultBlockedPatterns = []string{
	".ssh", ".aws", ".gnupg", ".docker", ".kube",
	".env", ".git", "credentials", "secrets",
}

// Mount is a validated, accepted mount ready for the sandbox runner.
type Mount struct {
	ContainerPath string // rewritten to "/workspace/extra/<containerPath>"
	HostPath      string
	ReadOnly      bool
}

// Validator lazily loads and caches the policy file at path.
type Validator struct {
	mu     sync.Mutex
	path   string
	policy *Policy
}

// New creates a Validator that reads path on first Validate call.
func New(path string) *Validator {
	return &Validator{path: path}
}

func (v *Validator) load() (*Policy, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.policy != nil {
		return v.policy, nil
	}

	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, errors.Wrapf(err, "read mount allowlist %s", v.path)
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "parse mount allowlist %s", v.path)
	}
	v.policy = &p
	return v.policy, nil
}

// Validate checks one requested additional mount — container-path shape,
// real-path containment under an allowed root, blocked path components,
// read-only resolution — and returns the rewritten, accepted Mount, or an
// error naming which step rejected it. Callers treat any error as "omit this
// mount" rather than a hard failure of the whole sandbox spawn.
func (v *Validator) Validate(containerPath, hostPath string, requestReadOnly bool, isMainGroup bool) (*Mount, error) {
	policy, err := v.load()
	if err != nil {
		return nil, err
	}

	if containerPath == "" || strings.HasPrefix(containerPath, "/") || strings.Contains(containerPath, "..") {
		return nil, errors.Errorf("mount path %q fails shape validation", containerPath)
	}

	realHost, err := filepath.EvalSymlinks(hostPath)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve real path of %s", hostPath)
	}

	var matchedRoot *AllowedRoot
	for i := range policy.AllowedRoots {
		root := &policy.AllowedRoots[i]
		realRoot, err := filepath.EvalSymlinks(root.Path)
		if err != nil {
			continue
		}
		// Strict prefix: mounting an allowed root itself is rejected, only
		// paths under it qualify.
		if strings.HasPrefix(realHost, realRoot+string(filepath.Separator)) {
			matchedRoot = root
			break
		}
	}
	if matchedRoot == nil {
		return nil, errors.Errorf("mount %s is not under any allowed root", realHost)
	}

	blocked := append([]string{}, defaultBlockedPatterns...)
	blocked = append(blocked, policy.BlockedPatterns...)
	for _, component := range strings.Split(realHost, string(filepath.Separator)) {
		for _, pattern := range blocked {
			if component == pattern {
				return nil, errors.Errorf("mount %s contains blocked path component %q", realHost, component)
			}
		}
	}

	readOnly := requestReadOnly
	if policy.NonMainReadOnly && !isMainGroup {
		readOnly = true
	}
	if !matchedRoot.AllowReadWrite {
		readOnly = true
	}

	return &Mount{
		ContainerPath: "/workspace/extra/" + containerPath,
		HostPath:      realHost,
		ReadOnly:      readOnly,
	}, nil
}
