package node

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// This is run via the RunWithTicker() helper
func (n *Node) expireAnnouncements(ctx context.Context) error {
	if removed := n.Index.ExpireOlderThan(time.Now()); removed > 0 {
		log.Debugf("Expired %d announcements, %d left", removed, n.Index.Len())
	}
	return nil
}

// refreshBuckets looks up a random ID in every bucket that saw no traffic for a refresh interval,
// then our own ID to keep the neighbourhood current.
func (n *Node) refreshBuckets(ctx context.Context) error {
	if !n.Bootstrapped() {
		return nil
	}

	targets := n.Table.RefreshTargets(n.cfg.DHT.RefreshInterval.Duration)
	for _, target := range targets {
		if _, err := n.Lookup.FindNode(ctx, target); err != nil {
			return err
		}
	}
	if _, err := n.Lookup.FindNode(ctx, n.self.ID); err != nil {
		return err
	}

	log.Debugf("Refreshed %d buckets, %d peers known", len(targets), n.Table.Len())
	return nil
}

func (n *Node) saveContacts(ctx context.Context) error {
	peers := n.Table.AllPeers()

	// Keep the previous run's contacts rather than wiping them with nothing
	if len(peers) == 0 {
		return nil
	}
	if err := n.Contacts.Replace(peers); err != nil {
		return fmt.Errorf("failed to save %d contacts: %w", len(peers), err)
	}
	log.Debugf("Saved %d contacts", len(peers))
	return nil
}
