package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"gitdht/metrics"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNoSeeds  = errors.New("no bootstrap seeds")
	ErrIsolated = errors.New("no reachable peer")
)

// lookupSRV resolves an SRV name like _bootstrap._udp.git-dht.com into addresses.
func lookupSRV(ctx context.Context, name string) ([]netip.AddrPort, error) {
	_, srvs, err := net.DefaultResolver.LookupSRV(ctx, "", "", name)
	if err != nil {
		return nil, err
	}

	var out []netip.AddrPort
	for _, srv := range srvs {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", srv.Target)
		if err != nil {
			log.Debugf("Can't resolve bootstrap host %s: %v", srv.Target, err)
			continue
		}
		for _, a := range addrs {
			out = append(out, netip.AddrPortFrom(a.Unmap(), srv.Port))
		}
	}
	return out, nil
}

func resolveHostPort(ctx context.Context, hostport string) ([]netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostport); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}, nil
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad port in %s: %w", hostport, err)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}

	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, netip.AddrPortFrom(a.Unmap(), uint16(port)))
	}
	return out, nil
}

// seeds gathers the addresses to bootstrap from: configured peers, the SRV record and the contacts
// saved by the previous run.
func (n *Node) seeds(ctx context.Context) []netip.AddrPort {
	local := n.Transport.LocalAddr()

	seen := make(map[netip.AddrPort]struct{})
	var out []netip.AddrPort
	add := func(addrs ...netip.AddrPort) {
		for _, a := range addrs {
			if !a.IsValid() || a.Port() == 0 || a == local || a == n.self.Addr {
				continue
			}
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}

	for _, hp := range n.cfg.Bootstrap.Peers {
		addrs, err := resolveHostPort(ctx, hp)
		if err != nil {
			log.Warnf("Can't resolve bootstrap peer %s: %v", hp, err)
			continue
		}
		add(addrs...)
	}

	if n.cfg.Bootstrap.Service != "" {
		addrs, err := n.resolveSRV(ctx, n.cfg.Bootstrap.Service)
		if err != nil {
			log.Debugf("SRV lookup of %s failed: %v", n.cfg.Bootstrap.Service, err)
		}
		add(addrs...)
	}

	if n.Contacts != nil {
		peers, err := n.Contacts.Enumerate()
		if err != nil {
			log.Warnf("Can't read saved contacts: %v", err)
		}
		for _, p := range peers {
			add(p.Addr)
		}
	}

	return out
}

// Bootstrap joins the network: it pings every seed, then looks up our own ID to fill the routing table.
func (n *Node) Bootstrap(ctx context.Context) error {
	seeds := n.seeds(ctx)
	if len(seeds) == 0 && n.Table.Len() == 0 {
		metrics.BootstrapAttempts.WithLabelValues("no_seeds").Inc()
		n.markIsolated()
		return ErrNoSeeds
	}

	var answered atomic.Int32
	var g errgroup.Group
	g.SetLimit(16)
	for _, addr := range seeds {
		addr := addr
		g.Go(func() error {
			if err := n.Client.PingAddr(ctx, addr); err != nil {
				log.Debugf("Bootstrap: seed %s did not answer: %v", addr, err)
				return nil
			}
			answered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	// Answers are inserted in the background
	n.settle(ctx)
	if n.Table.Len() == 0 {
		metrics.BootstrapAttempts.WithLabelValues("isolated").Inc()
		n.markIsolated()
		return fmt.Errorf("%w: none of %d seeds answered", ErrIsolated, len(seeds))
	}

	res, err := n.Lookup.FindNode(ctx, n.self.ID)
	if err != nil {
		return err
	}
	n.settle(ctx)

	metrics.BootstrapAttempts.WithLabelValues("ok").Inc()
	log.Infof("Bootstrapped: %d of %d seeds answered, %d nodes near us, %d in routing table",
		answered.Load(), len(seeds), len(res.Closest), n.Table.Len())
	n.setBootstrapped(true)
	return nil
}

func (n *Node) markIsolated() {
	metrics.Isolated.Set(1)
	n.setBootstrapped(false)
}

func (n *Node) setBootstrapped(ok bool) {
	n.readyMu.Lock()
	defer n.readyMu.Unlock()

	if ok {
		metrics.Isolated.Set(0)
	}
	if ok == n.ready {
		return
	}
	n.ready = ok
	if ok {
		close(n.readyCh)
	} else {
		n.readyCh = make(chan struct{})
	}
}

// Bootstrapped reports whether the node currently knows part of the network.
func (n *Node) Bootstrapped() bool {
	n.readyMu.Lock()
	defer n.readyMu.Unlock()
	return n.ready
}

// WaitBootstrapped blocks until the node is bootstrapped or ctx is done.
func (n *Node) WaitBootstrapped(ctx context.Context) error {
	n.readyMu.Lock()
	ch := n.readyCh
	n.readyMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// superviseBootstrap keeps the node connected. Bootstrap is retried with exponential backoff until a peer
// answers, then the routing table is watched and an empty table starts over.
func (n *Node) superviseBootstrap(ctx context.Context) error {
	retryMax := n.cfg.Bootstrap.RetryMax.Duration
	check := n.cfg.Bootstrap.CheckInterval.Duration

	for {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = min(time.Second, retryMax)
		b.MaxInterval = retryMax
		b.MaxElapsedTime = 0

		err := backoff.RetryNotify(func() error {
			err := n.Bootstrap(ctx)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			log.Warnf("Bootstrap failed: %v, retrying in %v", err, next.Round(time.Millisecond))
		})
		if err != nil {
			return err
		}

		ticker := time.NewTicker(check)
		for n.Table.Len() > 0 {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return ctx.Err()
			case <-ticker.C:
			}
		}
		ticker.Stop()

		log.Warnf("Routing table is empty, bootstrapping again")
		n.markIsolated()
	}
}
