package announce

import (
	"context"
	"strings"

	"gitdht/datamodel/repo"
	"gitdht/oid"
)

const headsPrefix = "refs/heads/"

// NormalizeRef expands a short branch name to its full ref name. Names already under refs/ are kept.
func NormalizeRef(ref string) string {
	if strings.HasPrefix(ref, "refs/") {
		return ref
	}
	return headsPrefix + ref
}

// RefKey is the key peers announce while they carry ref of repository.
func RefKey(repository, ref string) oid.Oid {
	name := strings.ReplaceAll(NormalizeRef(ref), "/", ":")
	return oid.Hash([]byte(repository + ":" + name))
}

// CommitKey is the key peers announce while they hold commit, whatever ref points at it.
func CommitKey(repository, commit string) oid.Oid {
	return oid.Hash([]byte(repository + ":" + strings.ToLower(commit)))
}

// RepoKey is the key peers announce while they carry any tracked ref of repository.
func RepoKey(repository string) oid.Oid {
	return oid.Hash([]byte(repository))
}

// RefKeys describes the keys derived for one tracked ref.
type RefKeys struct {
	Repository string
	Ref        string
	Head       string
	RefKey     oid.Oid
	CommitKey  oid.Oid
}

// DescribeRefs derives the keys of every ref the source tracks.
func DescribeRefs(ctx context.Context, source repo.Source) ([]RefKeys, error) {
	var out []RefKeys
	for _, name := range source.Repositories() {
		refs, err := source.ListRefs(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, r := range refs {
			out = append(out, RefKeys{
				Repository: name,
				Ref:        r.Name,
				Head:       r.Head,
				RefKey:     RefKey(name, r.Name),
				CommitKey:  CommitKey(name, r.Head),
			})
		}
	}
	return out, nil
}
