package node

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"gitdht/config"
	"gitdht/datamodel/peer"
	"gitdht/datamodel/repo"
	"gitdht/helper/timer"
	"gitdht/net/crpc"
	"gitdht/net/mpubsub"
	"gitdht/oid"
	"gitdht/swarm/announce"
	"gitdht/swarm/client"
	"gitdht/swarm/lookup"
	"gitdht/swarm/routing"
	"gitdht/swarm/storage"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// ContactStore persists the routing table between runs.
type ContactStore interface {
	Enumerate() ([]*peer.Peer, error)
	Replace(peers []peer.Peer) error
}

type Node struct {
	// Our own ID and the address we announce
	self peer.Peer
	cfg  *config.Config

	// State
	Table    *routing.Table
	Index    *storage.Index
	Contacts ContactStore // nil when contacts are not persisted

	// Networking
	Transport *crpc.Transport
	PubSub    *mpubsub.PubSub // nil when LAN discovery is off
	Client    *client.Client

	// Engines
	Lookup    *lookup.Engine
	Announcer *announce.Engine // nil when no repository is tracked

	// RPC and PubSub implementations
	RpcHandlers    *Server
	PubSubHandlers *PubSub

	// Bootstrap state
	readyMu sync.Mutex
	ready   bool
	readyCh chan struct{} // closed while bootstrapped

	// SRV lookup, replaced in tests
	resolveSRV func(ctx context.Context, name string) ([]netip.AddrPort, error)

	// Helpers
	sg        singleflight.Group
	inserting atomic.Int32
}

func New(cfg *config.Config, transport *crpc.Transport, contacts ContactStore, source repo.Source, pubsub *mpubsub.PubSub) (*Node, error) {
	if cfg.Node.ID.IsZero() {
		return nil, errors.New("node id is not set")
	}
	if transport.Self() != cfg.Node.ID {
		return nil, fmt.Errorf("transport runs as %s, node is %s", transport.Self().Short(), cfg.Node.ID.Short())
	}

	self := peer.Peer{ID: cfg.Node.ID, Addr: transport.LocalAddr()}
	if cfg.Node.Advertise != "" {
		addr, err := netip.ParseAddrPort(cfg.Node.Advertise)
		if err != nil {
			return nil, fmt.Errorf("bad advertised address: %w", err)
		}
		self.Addr = addr
	}
	if self.Addr.Addr().IsUnspecified() {
		log.Warnf("Listening on %s, local search results will not carry a usable address; set node.advertise", self.Addr)
	}

	node := &Node{
		self:       self,
		cfg:        cfg,
		Contacts:   contacts,
		Transport:  transport,
		readyCh:    make(chan struct{}),
		resolveSRV: lookupSRV,
	}

	// Routing state
	node.Table = routing.NewTable(self.ID, routing.Options{K: cfg.DHT.K})
	node.Index = storage.NewIndex(storage.Options{
		Capacity:       cfg.DHT.StorageCapacity,
		MaxPeersPerKey: cfg.DHT.MaxPeersPerKey,
	})

	node.Client = client.New(transport, node.Table)
	node.Table.SetPinger(node.Client)

	node.Lookup = lookup.New(node.Client, node.Table, lookup.Config{
		K:         cfg.DHT.K,
		Alpha:     cfg.DHT.Alpha,
		Timeout:   cfg.DHT.LookupTimeout.Duration,
		MaxValues: cfg.DHT.MaxPeersPerKey,
	})

	if source != nil && len(source.Repositories()) > 0 {
		node.Announcer = announce.New(source, node.Lookup, node.Client, node.Index, announce.Config{
			Self:         self,
			TTL:          cfg.Announce.TTL.Duration,
			Interval:     cfg.Announce.Interval.Duration,
			PollInterval: cfg.Announce.PollInterval.Duration,
			HistoryDepth: cfg.Announce.HistoryDepth,
		})
	}

	// Set up RPC handlers
	node.RpcHandlers = &Server{node: node}
	transport.Handle(crpc.MsgPing, node.RpcHandlers.Ping)
	transport.Handle(crpc.MsgFindNode, node.RpcHandlers.FindNode)
	transport.Handle(crpc.MsgGetPeers, node.RpcHandlers.GetPeers)
	transport.Handle(crpc.MsgAnnouncePeer, node.RpcHandlers.AnnouncePeer)
	transport.SetObserver(node.observe)

	// Set up PubSub
	if pubsub != nil {
		node.PubSubHandlers = &PubSub{node: node}
		node.PubSub = pubsub
		if err := node.PubSub.Register(node.PubSubHandlers); err != nil {
			return nil, err
		}
	}

	log.Infof("I am %s, listening on %s", self.ID.String(), transport.LocalAddr())

	return node, nil
}

func (n *Node) Self() peer.Peer {
	return n.self
}

// observe is called by the transport for every decodable inbound message.
func (n *Node) observe(from netip.AddrPort, sender oid.Oid, rtt time.Duration) {
	if sender == n.self.ID {
		return
	}
	p := peer.Peer{ID: sender, Addr: from, RTT: rtt}
	if n.Table.Touch(p) {
		return
	}

	// Inserting may ping a bucket's oldest peer, keep that off the read loop
	n.inserting.Add(1)
	go func() {
		defer n.inserting.Add(-1)
		n.sg.Do(sender.String(), func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), n.pingTimeout())
			defer cancel()
			outcome := n.Table.InsertOrRefresh(ctx, p)
			if outcome == routing.Inserted || outcome == routing.Replaced {
				log.Debugf("node: %s %s", outcome, p)
			}
			return nil, nil
		})
	}()
}

// settle waits until the inserts triggered by messages received so far are done.
func (n *Node) settle(ctx context.Context) {
	for n.inserting.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (n *Node) pingTimeout() time.Duration {
	return n.cfg.DHT.RPCTimeout.Duration * time.Duration(n.cfg.DHT.RPCRetries+2)
}

// FindNode looks up the nodes closest to target.
func (n *Node) FindNode(ctx context.Context, target oid.Oid) (*lookup.Result, error) {
	return n.Lookup.FindNode(ctx, target)
}

// GetPeers returns the peers announcing key, our own index first, then what the network knows.
func (n *Node) GetPeers(ctx context.Context, key oid.Oid) ([]peer.Peer, error) {
	local := usablePeers(n.Index.GetPeers(key))

	res, err := n.Lookup.GetPeers(ctx, key)
	if err != nil {
		return local, err
	}
	if res.TimedOut {
		log.Infof("GetPeers(%s): lookup timed out, results may be incomplete", key.Short())
	}

	seen := make(map[oid.Oid]struct{}, len(local)+len(res.Values))
	peers := make([]peer.Peer, 0, len(local)+len(res.Values))
	for _, list := range [][]peer.Peer{local, res.Values} {
		for _, p := range list {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			peers = append(peers, p)
		}
	}
	return peers, nil
}

func (n *Node) RoutingPeers() []peer.Peer {
	return n.Table.AllPeers()
}

func (n *Node) Buckets() []routing.BucketInfo {
	return n.Table.Buckets()
}

func (n *Node) Announcements(key oid.Oid) []storage.Announcement {
	return n.Index.Announcements(key)
}

func (n *Node) StoredAnnouncements() int {
	return n.Index.Len()
}

func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Transport.Serve(cctx)
	})

	wg.Go(func() error {
		return n.superviseBootstrap(cctx)
	})

	wg.Go(func() error {
		interval := timer.Interval{Duration: n.cfg.DHT.ExpiryInterval.Duration}
		return timer.RunWithTicker(cctx, interval, false, n.expireAnnouncements)
	})

	wg.Go(func() error {
		interval := timer.Interval{
			Duration: n.cfg.DHT.RefreshInterval.Duration,
			Jitter:   n.cfg.DHT.RefreshInterval.Duration / 10,
		}
		return timer.RunWithTicker(cctx, interval, false, n.refreshBuckets)
	})

	if n.Contacts != nil {
		wg.Go(func() error {
			interval := timer.Interval{Duration: n.cfg.DataStore.SaveInterval.Duration}
			return timer.RunWithTicker(cctx, interval, false, n.saveContacts)
		})
	}

	if n.PubSub != nil {
		wg.Go(func() error {
			return n.PubSub.Listen(cctx)
		})

		wg.Go(func() error {
			interval := timer.Interval{
				Duration: n.cfg.Discovery.Interval.Duration,
				Jitter:   n.cfg.Discovery.Interval.Duration / 5,
			}
			return timer.RunWithTicker(cctx, interval, true, n.publishPeerAnnouncement)
		})
	}

	if n.Announcer != nil {
		wg.Go(func() error {
			if err := n.WaitBootstrapped(cctx); err != nil {
				return err
			}
			return n.Announcer.Run(cctx)
		})
	}

	err := wg.Wait()

	// Keep what we learned for the next start
	if n.Contacts != nil {
		if serr := n.saveContacts(context.Background()); serr != nil {
			log.Errorf("Failed to save contacts: %v", serr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
