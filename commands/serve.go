package commands

import (
	"context"
	"errors"
	"time"

	"gitdht/config"
	"gitdht/datastore/leveldb"
	"gitdht/helper/timer"
	"gitdht/net/crpc"
	"gitdht/net/mpubsub"
	"gitdht/status"
	"gitdht/swarm/node"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var _ status.Node = (*node.Node)(nil)

func RunServe(ctx context.Context, cfg *config.Config, printContacts bool) {
	// First run: pick our identity and keep it
	if created, err := EnsureNodeID(cfg); err != nil {
		log.Fatal(err)
	} else if created {
		log.Infof("Generated node ID %s, saved to %s", cfg.Node.ID.String(), cfg.Path())
	}

	// Contacts survive restarts
	contacts, err := leveldb.NewPeerIndex(cfg.DataStore.Contacts)
	if err != nil {
		log.Fatalf("Failed to open contact store: %v", err)
	}
	defer contacts.Close()

	source := openRepositories(cfg)
	if len(source.Repositories()) == 0 {
		log.Warnf("No repository to announce, serving the DHT only")
	}

	// Create the transport
	transport, err := crpc.Listen(cfg.Node.Listen, cfg.Node.ID, crpc.Options{
		Timeout:   cfg.DHT.RPCTimeout.Duration,
		Retries:   cfg.DHT.RPCRetries,
		RateLimit: cfg.DHT.RateLimit,
	})
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Node.Listen, err)
	}

	// Create pubsub
	var pubsub *mpubsub.PubSub
	if cfg.Discovery.Multicast {
		pubsub, err = mpubsub.Open(cfg.Discovery.Group)
		if err != nil {
			log.Warnf("LAN discovery disabled, can't join %s: %v", cfg.Discovery.Group, err)
			pubsub = nil
		}
	}

	// Create the node
	n, err := node.New(cfg, transport, contacts, source, pubsub)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Run(cctx)
	})

	if cfg.Status.Listen != "" {
		wg.Go(func() error {
			return status.NewServer(n).ListenAndServe(cctx, cfg.Status.Listen)
		})
	}

	if printContacts {
		wg.Go(func() error {
			return timer.RunWithTicker(cctx, timer.Interval{Duration: 30 * time.Second}, false, func(ctx context.Context) error {
				logContacts(n)
				return nil
			})
		})
	}

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Node failed: %v", err)
	}
	log.Infof("Node stopped")
}

// logContacts prints the routing table bucket by bucket.
func logContacts(n *node.Node) {
	self := n.Self()
	log.Infof("Contacts of %s: %d peers", self, len(n.RoutingPeers()))
	for i, b := range n.Buckets() {
		if len(b.Peers) == 0 {
			continue
		}
		log.Infof("Bucket %d [%s..%s], changed %v ago", i, b.Low.Short(), b.High.Short(), time.Since(b.Changed).Round(time.Second))
		for _, p := range b.Peers {
			log.Infof("  %s, last seen %v ago, rtt %v", p, time.Since(p.LastSeen).Round(time.Second), p.RTT)
		}
	}
}
