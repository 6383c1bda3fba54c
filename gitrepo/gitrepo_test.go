package gitrepo

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepo creates an in-memory repository with n linear commits on master.
func newTestRepo(t *testing.T, n int) (*git.Repository, []plumbing.Hash) {
	t.Helper()

	fs := memfs.New()
	r, err := git.Init(memory.NewStorage(), fs)
	require.NoError(t, err)

	w, err := r.Worktree()
	require.NoError(t, err)

	var hashes []plumbing.Hash
	for i := 0; i < n; i++ {
		require.NoError(t, util.WriteFile(fs, "file", []byte{byte(i)}, 0o644))
		_, err = w.Add("file")
		require.NoError(t, err)

		h, err := w.Commit("commit", &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(int64(1700000000+i), 0)},
		})
		require.NoError(t, err)
		hashes = append(hashes, h)
	}

	return r, hashes
}

func TestListRefsMatchesPatterns(t *testing.T) {
	r, hashes := newTestRepo(t, 2)
	require.NoError(t, r.Storer.SetReference(plumbing.NewHashReference("refs/heads/main", hashes[0])))
	require.NoError(t, r.Storer.SetReference(plumbing.NewHashReference("refs/heads/feature/x", hashes[1])))
	require.NoError(t, r.Storer.SetReference(plumbing.NewHashReference("refs/heads/other", hashes[1])))

	s := NewSource()
	require.NoError(t, s.Add("r", r, []string{"main", "master", "feature/*"}))
	assert.Equal(t, []string{"r"}, s.Repositories())

	refs, err := s.ListRefs(context.Background(), "r")
	require.NoError(t, err)

	got := map[string]string{}
	for _, ref := range refs {
		got[ref.Name] = ref.Head
	}
	assert.Equal(t, map[string]string{
		"refs/heads/main":      hashes[0].String(),
		"refs/heads/master":    hashes[1].String(),
		"refs/heads/feature/x": hashes[1].String(),
	}, got)
}

func TestCommitAncestorsIsLazyAndExclusive(t *testing.T) {
	r, hashes := newTestRepo(t, 4)

	s := NewSource()
	require.NoError(t, s.Add("r", r, []string{"master"}))

	iter, err := s.CommitAncestors(context.Background(), "r", hashes[3].String())
	require.NoError(t, err)
	defer iter.Close()

	var got []string
	for {
		c, err := iter.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, c)
	}

	assert.Equal(t, []string{hashes[2].String(), hashes[1].String(), hashes[0].String()}, got)
}

func TestCommitAncestorsErrors(t *testing.T) {
	r, _ := newTestRepo(t, 1)

	s := NewSource()
	require.NoError(t, s.Add("r", r, []string{"master"}))

	_, err := s.CommitAncestors(context.Background(), "r", "zz")
	assert.ErrorIs(t, err, ErrInvalidCommit)

	_, err = s.CommitAncestors(context.Background(), "nope", "zz")
	assert.ErrorIs(t, err, ErrUnknownRepository)

	_, err = s.ListRefs(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownRepository)
}

func TestOpenMissingRepositoryIsSkipped(t *testing.T) {
	s := NewSource()
	require.NoError(t, s.Open("ghost", t.TempDir(), []string{"master"}))
	assert.Empty(t, s.Repositories())
}

func TestValidatePatterns(t *testing.T) {
	assert.NoError(t, ValidatePatterns([]string{"master", "release/*"}))
	assert.Error(t, ValidatePatterns([]string{"["}))
}
