package commands

import (
	"context"
	"time"

	"gitdht/config"
	"gitdht/datastore/leveldb"
	"gitdht/swarm/announce"

	log "github.com/sirupsen/logrus"
)

func RunInfo(ctx context.Context, cfg *config.Config) {
	log.Infof("Node ID: %s", cfg.Node.ID.String())

	contacts, err := leveldb.NewPeerIndex(cfg.DataStore.Contacts)
	if err != nil {
		log.Fatalf("Failed to open contact store: %v", err)
	}
	defer contacts.Close()

	peers, err := contacts.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate contacts: %v", err)
		return
	}
	log.Infof("Contacts: %d nodes known", len(peers))
	for _, p := range peers {
		log.Infof("Contact: %s, addr: %s, last seen: %v ago", p.ID.String(), p.Addr, time.Since(p.LastSeen).Round(time.Second))
	}

	source := openRepositories(cfg)
	for _, name := range source.Repositories() {
		log.Infof("Repo %s: key %s", name, announce.RepoKey(name).String())
	}

	refs, err := announce.DescribeRefs(ctx, source)
	if err != nil {
		log.Errorf("Failed to list refs: %v", err)
		return
	}
	for _, r := range refs {
		log.Infof("Ref %s %s at %s: ref key %s, commit key %s", r.Repository, r.Ref, r.Head, r.RefKey.String(), r.CommitKey.String())
	}
}
