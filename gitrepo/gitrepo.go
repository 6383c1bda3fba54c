// Package gitrepo exposes local Git repositories through repo.Source using go-git.
package gitrepo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"gitdht/datamodel/repo"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	log "github.com/sirupsen/logrus"
)

var ErrUnknownRepository = errors.New("unknown repository")
var ErrInvalidCommit = errors.New("invalid commit id")

var _ repo.Source = (*Source)(nil)

type repository struct {
	mu       sync.Mutex // go-git repositories are not safe for concurrent use
	repo     *git.Repository
	branches []string
}

// Source serves refs and history of a set of named repositories.
type Source struct {
	mu    sync.RWMutex
	repos map[string]*repository
}

func NewSource() *Source {
	return &Source{
		repos: make(map[string]*repository),
	}
}

// ValidatePatterns checks that every branch pattern is well formed.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if _, err := path.Match(p, "refs/heads/x"); err != nil {
			return fmt.Errorf("branch pattern %q: %w", p, err)
		}
	}
	return nil
}

// Add registers an already opened repository under the given name.
func (s *Source) Add(name string, r *git.Repository, branches []string) error {
	if err := ValidatePatterns(branches); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[name] = &repository{repo: r, branches: branches}
	return nil
}

// Open opens the repository at dir and registers it. A missing repository is logged and skipped.
func (s *Source) Open(name, dir string, branches []string) error {
	r, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		log.Warnf("Repo %s doesn't exist at %s, skipping", name, dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open repo %s at %s: %w", name, dir, err)
	}

	log.Infof("Tracking repo %s at %s (branches %v)", name, dir, branches)
	return s.Add(name, r, branches)
}

func (s *Source) Repositories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.repos))
	for name := range s.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Source) get(name string) (*repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.repos[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRepository, name)
	}
	return r, nil
}

func (r *repository) tracks(name plumbing.ReferenceName) bool {
	for _, p := range r.branches {
		if ok, _ := path.Match(p, name.String()); ok {
			return true
		}
		if ok, _ := path.Match(p, name.Short()); ok {
			return true
		}
	}
	return false
}

func (s *Source) ListRefs(ctx context.Context, name string) ([]repo.Ref, error) {
	r, err := s.get(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	iter, err := r.repo.Branches()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var refs []repo.Ref
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ref.Type() != plumbing.HashReference || !r.tracks(ref.Name()) {
			return nil
		}
		refs = append(refs, repo.Ref{Name: ref.Name().String(), Head: ref.Hash().String()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (s *Source) CommitAncestors(ctx context.Context, name string, commit string) (repo.CommitIter, error) {
	r, err := s.get(name)
	if err != nil {
		return nil, err
	}

	if b, err := hex.DecodeString(commit); err != nil || len(b) != 20 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommit, commit)
	}

	r.mu.Lock()
	start, err := r.repo.CommitObject(plumbing.NewHash(commit))
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("commit %s in %s: %w", commit, name, err)
	}

	return &ancestorIter{
		ctx:   ctx,
		owner: r,
		start: start.Hash,
		iter:  object.NewCommitPreorderIter(start, nil, nil),
	}, nil
}

// ancestorIter walks parents in pre-order, leaving out the starting commit.
type ancestorIter struct {
	ctx   context.Context
	owner *repository
	start plumbing.Hash
	iter  object.CommitIter
}

func (a *ancestorIter) Next() (string, error) {
	for {
		if err := a.ctx.Err(); err != nil {
			return "", err
		}

		a.owner.mu.Lock()
		c, err := a.iter.Next()
		a.owner.mu.Unlock()
		if err != nil {
			return "", err
		}
		if c.Hash == a.start {
			continue
		}
		return c.Hash.String(), nil
	}
}

func (a *ancestorIter) Close() {
	a.iter.Close()
}
