package commands

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"gitdht/config"
	"gitdht/helper/timer"
	"gitdht/net/crpc"
	"gitdht/oid"
	"gitdht/swarm/announce"
	"gitdht/swarm/node"

	log "github.com/sirupsen/logrus"
)

type SearchOptions struct {
	Repo   string
	Ref    string
	Commit string
	Term   string        // Raw string hashed into the key, overrides the other options
	Every  time.Duration // Repeat the search with this period, 0 searches once
}

// Key derives the key to search for.
func (o SearchOptions) Key() (oid.Oid, error) {
	switch {
	case o.Term != "":
		return oid.Hash([]byte(o.Term)), nil
	case o.Repo == "":
		return oid.Oid{}, fmt.Errorf("a repository or a search term is required")
	case o.Commit != "":
		return announce.CommitKey(o.Repo, o.Commit), nil
	case o.Ref != "":
		return announce.RefKey(o.Repo, o.Ref), nil
	default:
		return announce.RepoKey(o.Repo), nil
	}
}

// localSeed is the address of a node serving with the same config on this host.
func localSeed(listen string) (string, bool) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", false
	}
	if addr, err := netip.ParseAddr(host); host == "" || (err == nil && addr.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), true
}

func RunSearch(ctx context.Context, cfg *config.Config, opts SearchOptions) {
	key, err := opts.Key()
	if err != nil {
		log.Fatalf("Nothing to search: %v", err)
	}

	// Search with a throwaway identity so a local serving node keeps its own
	id, err := oid.Random()
	if err != nil {
		log.Fatalf("Failed to generate a node ID: %v", err)
	}
	cfg.Node.ID = id
	if seed, ok := localSeed(cfg.Node.Listen); ok {
		cfg.Bootstrap.Peers = append(cfg.Bootstrap.Peers, seed)
	}
	cfg.Node.Listen = ":0"
	cfg.Node.Advertise = ""

	transport, err := crpc.Listen(cfg.Node.Listen, id, crpc.Options{
		Timeout:   cfg.DHT.RPCTimeout.Duration,
		Retries:   cfg.DHT.RPCRetries,
		RateLimit: cfg.DHT.RateLimit,
	})
	if err != nil {
		log.Fatalf("Failed to open a socket: %v", err)
	}

	n, err := node.New(cfg, transport, nil, nil, nil)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- n.Run(cctx)
	}()

	wctx, wcancel := context.WithTimeout(cctx, cfg.DHT.LookupTimeout.Duration)
	err = n.WaitBootstrapped(wctx)
	wcancel()
	if err != nil {
		log.Fatalf("Could not join the DHT: %v", err)
	}

	log.Infof("Searching for %s", key.String())
	tracker := node.NewAvailabilityTracker()
	first := true

	search := func(ctx context.Context) error {
		peers, err := n.GetPeers(ctx, key)
		if err != nil {
			return err
		}

		added, removed := tracker.Update(key, peers)
		if first {
			first = false
			if len(peers) == 0 {
				log.Infof("No peer announces %s", key.Short())
			}
			for _, p := range peers {
				fmt.Printf("%s\t%s\n", p.ID, p.Addr)
			}
			return nil
		}
		for _, p := range added {
			fmt.Printf("+%s\t%s\n", p.ID, p.Addr)
		}
		for _, p := range removed {
			fmt.Printf("-%s\t%s\n", p.ID, p.Addr)
		}
		return nil
	}

	if opts.Every <= 0 {
		if err := search(cctx); err != nil {
			log.Errorf("Search failed: %v", err)
		}
	} else {
		timer.RunWithTicker(cctx, timer.Interval{Duration: opts.Every}, true, search)
	}

	cancel()
	if err := <-done; err != nil {
		log.Errorf("Node failed: %v", err)
	}
}
