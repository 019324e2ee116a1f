package requirement

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRemoteExists rejects adding a remote under an alias already taken.
var ErrRemoteExists = errors.New("requirement: remote alias already configured")

// ErrRemoteNotFound reports an unknown remote alias.
var ErrRemoteNotFound = errors.New("requirement: remote not found")

// Remote names another repository this one federates with.
type Remote struct {
	Alias   string `json:"alias"`
	Repo    string `json:"repo"`
	BaseURL string `json:"base_url,omitempty"`
}

// Remotes is the registry of configured remote repositories, safe for
// concurrent use. Cross-repo references resolve through it by alias or
// by full repository path.
type Remotes struct {
	mu      sync.RWMutex
	byAlias map[string]Remote
}

// NewRemotes builds a registry seeded with the given remotes.
func NewRemotes(seed []Remote) *Remotes {
	r := &Remotes{byAlias: make(map[string]Remote, len(seed))}
	for _, rem := range seed {
		r.byAlias[rem.Alias] = rem
	}
	return r
}

// Add registers a remote. Fails when the alias is taken.
func (r *Remotes) Add(rem Remote) error {
	if rem.Alias == "" || rem.Repo == "" {
		return fmt.Errorf("requirement: remote needs alias and repo")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAlias[rem.Alias]; ok {
		return fmt.Errorf("%w: %s", ErrRemoteExists, rem.Alias)
	}
	r.byAlias[rem.Alias] = rem
	return nil
}

// Remove deletes a remote by alias.
func (r *Remotes) Remove(alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAlias[alias]; !ok {
		return fmt.Errorf("%w: %s", ErrRemoteNotFound, alias)
	}
	delete(r.byAlias, alias)
	return nil
}

// Get returns the remote for an alias.
func (r *Remotes) Get(alias string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rem, ok := r.byAlias[alias]
	return rem, ok
}

// Resolve matches a parsed reference to a configured remote, by alias
// or by full repository path.
func (r *Remotes) Resolve(ref Ref) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ref.Alias != "" {
		rem, ok := r.byAlias[ref.Alias]
		return rem, ok
	}
	if ref.Repo != "" {
		for _, rem := range r.byAlias {
			if rem.Repo == ref.Repo {
				return rem, true
			}
		}
	}
	return Remote{}, false
}

// List returns the remotes sorted by alias.
func (r *Remotes) List() []Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Remote, 0, len(r.byAlias))
	for _, rem := range r.byAlias {
		out = append(out, rem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}
