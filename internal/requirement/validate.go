package requirement

import (
	"context"
	"fmt"
)

// Fetcher loads a remote repository's requirement database. The
// convergence layer implements it over the peer transport.
type Fetcher interface {
	// FetchDatabase returns the remote database, or an error when the
	// remote is unreachable.
	FetchDatabase(ctx context.Context, remote Remote) (*Database, error)
}

// ValidateCrossRepo checks every cross-repo dependency in the database:
//
//   - an unknown alias, or a full repository path with no configured
//     remote, is an error;
//   - an unreachable remote is a warning, never an error, so offline
//     work stays possible;
//   - a requirement missing from a reachable remote is an error.
//
// Returns the collected errors and warnings.
func ValidateCrossRepo(ctx context.Context, db *Database, remotes *Remotes, fetch Fetcher) (errs, warnings []string) {
	// Each remote database loads at most once per validation pass.
	cache := make(map[string]*Database)

	load := func(rem Remote) *Database {
		if cached, ok := cache[rem.Alias]; ok {
			return cached
		}
		if fetch == nil {
			cache[rem.Alias] = nil
			return nil
		}
		remoteDB, err := fetch.FetchDatabase(ctx, rem)
		if err != nil {
			remoteDB = nil
		}
		cache[rem.Alias] = remoteDB
		return remoteDB
	}

	for _, req := range db.All() {
		for _, dep := range req.Dependencies {
			ref, err := ParseRef(dep)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", req.ID, err))
				continue
			}
			if ref.IsLocal() {
				continue
			}

			rem, ok := remotes.Resolve(ref)
			if !ok {
				if ref.Alias != "" {
					errs = append(errs, fmt.Sprintf("%s: unknown remote alias %q in dependency %q", req.ID, ref.Alias, dep))
				} else {
					errs = append(errs, fmt.Sprintf("%s: no remote configured for repository %q in dependency %q", req.ID, ref.Repo, dep))
				}
				continue
			}

			remoteDB := load(rem)
			if remoteDB == nil {
				warnings = append(warnings, fmt.Sprintf("%s: remote %q unavailable, cannot verify %q", req.ID, rem.Alias, dep))
				continue
			}
			if !remoteDB.Exists(ref.ID) {
				errs = append(errs, fmt.Sprintf("%s: dependency %q not found in remote %q", req.ID, ref.ID, rem.Alias))
			}
		}
	}
	return errs, warnings
}
