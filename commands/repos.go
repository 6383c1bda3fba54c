package commands

import (
	"sort"

	"gitdht/config"
	"gitdht/gitrepo"

	log "github.com/sirupsen/logrus"
)

// openRepositories opens every configured repository. Missing ones are skipped by the source.
func openRepositories(cfg *config.Config) *gitrepo.Source {
	names := make([]string, 0, len(cfg.Repos))
	for name := range cfg.Repos {
		names = append(names, name)
	}
	sort.Strings(names)

	source := gitrepo.NewSource()
	for _, name := range names {
		r := cfg.Repos[name]
		if err := source.Open(name, r.Path, r.Branches); err != nil {
			log.Fatalf("Failed to open repository %s at %s: %v", name, r.Path, err)
		}
	}
	return source
}
