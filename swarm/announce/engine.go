// Package announce keeps the DHT informed about the refs and commits this node can serve.
package announce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gitdht/datamodel/peer"
	"gitdht/datamodel/repo"
	"gitdht/helper/timer"
	"gitdht/metrics"
	"gitdht/oid"
	"gitdht/swarm/lookup"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultTTL          = 30 * time.Minute
	DefaultInterval     = 15 * time.Minute
	DefaultPollInterval = time.Minute
	DefaultHistoryDepth = 16
)

var (
	ErrNoTargets = errors.New("no nodes found to announce to")
	ErrNoQuorum  = errors.New("announce quorum not reached")
)

// Finder locates the nodes responsible for a key.
type Finder interface {
	FindNode(ctx context.Context, target oid.Oid) (*lookup.Result, error)
}

// Announcer sends ANNOUNCE_PEER to one node.
type Announcer interface {
	AnnouncePeer(ctx context.Context, to peer.Peer, key oid.Oid, port uint16) error
}

// LocalStore records our own announcements.
type LocalStore interface {
	Announce(key oid.Oid, p peer.Peer, ttl time.Duration)
}

type Config struct {
	Self         peer.Peer     // Our node as recorded in the local index
	TTL          time.Duration // Lifetime of an announcement on remote nodes
	Interval     time.Duration // Re-announce period of an unchanged ref, shorter than TTL
	PollInterval time.Duration // Period of the ref scan
	HistoryDepth int           // Ancestor commits announced per ref head
	Now          func() time.Time
}

type Stats struct {
	Announced int // Keys that reached a quorum
	Skipped   int // Keys announced recently
	Failed    int
}

type refState struct {
	head      string
	announced time.Time
}

type Engine struct {
	source    repo.Source
	finder    Finder
	announcer Announcer
	local     LocalStore
	cfg       Config

	// Recently announced keys, value is the announce time
	recent *cache.Cache

	mu   sync.Mutex
	refs map[string]refState
}

func New(source repo.Source, finder Finder, announcer Announcer, local LocalStore, cfg Config) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HistoryDepth < 0 {
		cfg.HistoryDepth = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		source:    source,
		finder:    finder,
		announcer: announcer,
		local:     local,
		cfg:       cfg,
		recent:    cache.New(cfg.Interval/2, cfg.Interval),
		refs:      make(map[string]refState),
	}
}

// Run scans the repositories every PollInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := timer.Interval{Duration: e.cfg.PollInterval, Jitter: e.cfg.PollInterval / 10}
	return timer.RunWithTicker(ctx, interval, true, func(ctx context.Context) error {
		_, err := e.RunCycle(ctx)
		return err
	})
}

func stateKey(repository, ref string) string {
	return repository + "\x00" + ref
}

// due reports whether a ref must be announced given its current head.
func (e *Engine) due(key string, head string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.refs[key]
	if !ok || st.head != head {
		return true
	}
	return e.cfg.Now().Sub(st.announced) >= e.cfg.Interval
}

func (e *Engine) done(key string, head string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs[key] = refState{head: head, announced: e.cfg.Now()}
}

// RunCycle announces every due ref once. Announce failures are counted and retried on the next cycle,
// only cancellation is returned as an error.
func (e *Engine) RunCycle(ctx context.Context) (Stats, error) {
	var stats Stats

	for _, name := range e.source.Repositories() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		lg := log.WithField("repo", name)
		refs, err := e.source.ListRefs(ctx, name)
		if err != nil {
			lg.Warnf("announce: can't list refs: %v", err)
			continue
		}

		anyDue := false
		for _, ref := range refs {
			sk := stateKey(name, ref.Name)
			if !e.due(sk, ref.Head) {
				continue
			}
			anyDue = true

			ok, err := e.announceRef(ctx, name, ref, &stats)
			if err != nil {
				return stats, err
			}
			if ok {
				e.done(sk, ref.Head)
				lg.Debugf("announce: %s at %s announced", ref.Name, ref.Head)
			}
		}

		// The repo key follows the cadence of its refs
		sk := stateKey(name, "")
		if len(refs) > 0 && (anyDue || e.due(sk, "")) {
			err := e.announceKey(ctx, RepoKey(name), "repo", &stats)
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			if err == nil {
				e.done(sk, "")
			} else {
				lg.Infof("announce: repo key failed: %v", err)
			}
		}
	}

	if stats.Announced > 0 || stats.Failed > 0 {
		log.Infof("announce: cycle done, %d announced, %d skipped, %d failed", stats.Announced, stats.Skipped, stats.Failed)
	}
	return stats, nil
}

// announceRef announces the ref key, the head commit and its history. The ref counts as announced when the
// ref key and the head commit key both reached a quorum, the history is best effort.
func (e *Engine) announceRef(ctx context.Context, name string, ref repo.Ref, stats *Stats) (bool, error) {
	lg := log.WithFields(log.Fields{"repo": name, "ref": ref.Name})

	ok := true
	if err := e.announceKey(ctx, RefKey(name, ref.Name), "ref", stats); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		lg.Infof("announce: ref key failed: %v", err)
		ok = false
	}
	if err := e.announceKey(ctx, CommitKey(name, ref.Head), "commit", stats); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		lg.Infof("announce: head commit %s failed: %v", ref.Head, err)
		ok = false
	}

	if e.cfg.HistoryDepth == 0 {
		return ok, nil
	}

	iter, err := e.source.CommitAncestors(ctx, name, ref.Head)
	if err != nil {
		lg.Warnf("announce: can't walk history of %s: %v", ref.Head, err)
		return ok, nil
	}
	defer iter.Close()

	for i := 0; i < e.cfg.HistoryDepth; i++ {
		commit, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			lg.Warnf("announce: history walk stopped: %v", err)
			break
		}
		if err := e.announceKey(ctx, CommitKey(name, commit), "commit", stats); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			lg.Debugf("announce: ancestor %s failed: %v", commit, err)
		}
	}
	return ok, nil
}

// announceKey stores key on the nodes closest to it.
func (e *Engine) announceKey(ctx context.Context, key oid.Oid, kind string, stats *Stats) error {
	now := e.cfg.Now()
	if v, ok := e.recent.Get(key.String()); ok {
		if at, _ := v.(time.Time); now.Sub(at) < e.cfg.Interval/2 {
			stats.Skipped++
			return nil
		}
	}

	// We serve the key ourselves whatever the outcome remotely
	if e.local != nil && !e.cfg.Self.ID.IsZero() {
		e.local.Announce(key, e.cfg.Self, e.cfg.TTL)
	}

	res, err := e.finder.FindNode(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			stats.Failed++
			metrics.Announces.WithLabelValues(kind, "error").Inc()
		}
		return err
	}

	targets := res.Closest
	if len(targets) == 0 {
		stats.Failed++
		metrics.Announces.WithLabelValues(kind, "no_targets").Inc()
		return ErrNoTargets
	}

	var acks atomic.Int32
	var g errgroup.Group
	for _, p := range targets {
		p := p
		g.Go(func() error {
			if err := e.announcer.AnnouncePeer(ctx, p, key, e.cfg.Self.Addr.Port()); err != nil {
				log.Debugf("announce: %s refused %s: %v", p, key.Short(), err)
				return nil
			}
			acks.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	quorum := len(targets)/2 + 1
	if n := int(acks.Load()); n < quorum {
		stats.Failed++
		metrics.Announces.WithLabelValues(kind, "no_quorum").Inc()
		return fmt.Errorf("%w: %d of %d nodes", ErrNoQuorum, n, len(targets))
	}

	e.recent.Set(key.String(), now, cache.DefaultExpiration)
	stats.Announced++
	metrics.Announces.WithLabelValues(kind, "ok").Inc()
	return nil
}
