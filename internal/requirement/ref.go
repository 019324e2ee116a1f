// Package requirement models requirement records and the cross-repo
// references between them: parsing, the remote registry, and dependency
// validation with graceful degradation for unreachable remotes.
package requirement

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrEmptyRef rejects an empty reference string.
var ErrEmptyRef = errors.New("requirement: reference cannot be empty")

// Ref points at a requirement, either local or in another repository.
//
// Formats:
//
//	REQ-SW-001                     local
//	sync:REQ-SYNC-001              aliased remote
//	rtmx-ai/rtmx-sync:REQ-SYNC-001 full repository path
type Ref struct {
	ID    string
	Alias string
	Repo  string
}

// IsLocal reports whether the reference targets the local repository.
func (r Ref) IsLocal() bool {
	return r.Alias == "" && r.Repo == ""
}

// IsCrossRepo reports whether the reference targets another repository.
func (r Ref) IsCrossRepo() bool {
	return !r.IsLocal()
}

// String renders the reference back into its parse form.
func (r Ref) String() string {
	if r.Repo != "" {
		return r.Repo + ":" + r.ID
	}
	if r.Alias != "" {
		return r.Alias + ":" + r.ID
	}
	return r.ID
}

var (
	// Full repository form: org/repo:REQ-ID. Checked before the alias
	// form because it also contains a single colon.
	fullRepoPattern = regexp.MustCompile(`^([a-zA-Z0-9_-]+/[a-zA-Z0-9._-]+):(.+)$`)
	aliasPattern    = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9_-]*):(.+)$`)
)

// ParseRef parses a requirement reference string. Whitespace is
// trimmed; requirement ID case is preserved. Strings with more than one
// colon are invalid.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, ErrEmptyRef
	}

	switch strings.Count(raw, ":") {
	case 0:
		return Ref{ID: raw}, nil
	case 1:
		if m := fullRepoPattern.FindStringSubmatch(raw); m != nil {
			return Ref{ID: m[2], Repo: m[1]}, nil
		}
		if m := aliasPattern.FindStringSubmatch(raw); m != nil {
			return Ref{ID: m[2], Alias: m[1]}, nil
		}
		// A colon that matches neither pattern stays part of a local ID.
		return Ref{ID: raw}, nil
	default:
		return Ref{}, fmt.Errorf("requirement: invalid reference format: %q", raw)
	}
}

// ParseDeps splits a dependency list. Both pipe-separated and
// space-separated forms occur in requirement databases.
func ParseDeps(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var parts []string
	if strings.Contains(raw, "|") {
		parts = strings.Split(raw, "|")
	} else {
		parts = strings.Fields(raw)
	}
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// FormatDeps renders a dependency set in the canonical pipe-separated
// form, sorted for stable output.
func FormatDeps(deps []string) string {
	sorted := make([]string, len(deps))
	copy(sorted, deps)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
