// Package repo defines the read-only view of Git repositories consumed by the announcer.
package repo

import "context"

// Ref is a branch and the commit it currently points at.
type Ref struct {
	Name string // Full ref name, e.g. refs/heads/master
	Head string // Hex commit id
}

// CommitIter yields commit ids one at a time. Next returns io.EOF once the sequence is exhausted.
// An iterator can not be restarted; ask the Source for a new one instead.
type CommitIter interface {
	Next() (string, error)
	Close()
}

// Source gives access to the tracked repositories.
type Source interface {
	// Repositories returns the names of all tracked repositories.
	Repositories() []string

	// ListRefs returns the tracked refs of a repository with their head commits.
	ListRefs(ctx context.Context, repository string) ([]Ref, error)

	// CommitAncestors returns the ancestors of a commit, the commit itself excluded.
	CommitAncestors(ctx context.Context, repository string, commit string) (CommitIter, error)
}
