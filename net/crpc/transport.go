// Package crpc implements a request/response protocol of CBOR datagrams over UDP.
// Requests are correlated with responses by transaction id and source address.
package crpc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"gitdht/metrics"
	"gitdht/oid"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/ratelimit"

	log "github.com/sirupsen/logrus"
)

const maxDatagramSize = 64 * 1024

const (
	DefaultTimeout = 2 * time.Second
	DefaultRetries = 2
)

var errAttemptTimeout = errors.New("attempt timed out")

// Request is an inbound request handed to a HandlerFunc.
type Request struct {
	From    netip.AddrPort
	Sender  oid.Oid
	Type    MessageType
	payload []byte
}

// Decode unmarshals the request payload into v.
func (r *Request) Decode(v any) error {
	return decodePayload(r.payload, v)
}

// HandlerFunc serves one request type. The returned value is sent back as RESPONSE, an error as ERROR.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Observer is told about the sender of every decodable inbound message.
// rtt is set for responses to our own requests and zero otherwise.
type Observer func(from netip.AddrPort, sender oid.Oid, rtt time.Duration)

type Options struct {
	Timeout   time.Duration // Wait for a response per attempt
	Retries   int           // Re-sends after the first attempt
	RateLimit int           // Outbound requests per second, 0 for unlimited
}

// pendingRequest is owned by the Call that registered it, the read loop only signals it.
type pendingRequest struct {
	txid     uint64
	to       netip.AddrPort
	kind     MessageType
	issued   time.Time
	sent     time.Time
	attempts int
	ch       chan *Message
}

type Transport struct {
	conn    *net.UDPConn
	self    oid.Oid
	opts    Options
	limiter ratelimit.Limiter

	mu       sync.Mutex // protects following fields
	txid     uint64
	pending  map[uint64]*pendingRequest
	handlers map[MessageType]HandlerFunc
	observer Observer

	closeOnce sync.Once
	done      chan struct{}
}

func New(conn *net.UDPConn, self oid.Oid, opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	limiter := ratelimit.NewUnlimited()
	if opts.RateLimit > 0 {
		limiter = ratelimit.New(opts.RateLimit)
	}

	return &Transport{
		conn:     conn,
		self:     self,
		opts:     opts,
		limiter:  limiter,
		txid:     rand.Uint64(),
		pending:  make(map[uint64]*pendingRequest),
		handlers: make(map[MessageType]HandlerFunc),
		done:     make(chan struct{}),
	}
}

// Listen opens a UDP socket on addr and wraps it into a Transport.
func Listen(addr string, self oid.Oid, opts Options) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	log.Infof("crpc: listening on %s", conn.LocalAddr())
	return New(conn, self, opts), nil
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (t *Transport) Self() oid.Oid {
	return t.self
}

func (t *Transport) LocalAddr() netip.AddrPort {
	return normalize(t.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

// Handle registers the handler of a request type.
func (t *Transport) Handle(typ MessageType, h HandlerFunc) {
	if !typ.IsRequest() {
		log.Panicf("crpc: can not register handler for %s", typ)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[typ] = h
}

func (t *Transport) SetObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = o
}

func (t *Transport) observe(from netip.AddrPort, sender oid.Oid, rtt time.Duration) {
	t.mu.Lock()
	o := t.observer
	t.mu.Unlock()
	if o != nil {
		o(from, sender, rtt)
	}
}

func (t *Transport) register(to netip.AddrPort, kind MessageType) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Skip ids still in flight after a wrap-around
	for {
		t.txid++
		if _, busy := t.pending[t.txid]; !busy {
			break
		}
	}

	pr := &pendingRequest{
		txid:   t.txid,
		to:     to,
		kind:   kind,
		issued: time.Now(),
		ch:     make(chan *Message, 1),
	}
	t.pending[pr.txid] = pr
	return pr
}

func (t *Transport) unregister(txid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, txid)
}

// Pending returns the number of requests awaiting a response.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Transport) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.Timeout / 4
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.opts.Retries)), ctx)
}

// Call sends a request and waits for the matching response, decoding its payload into reply.
// Unanswered requests are re-sent with the same transaction id; once retries are exhausted it returns ErrUnreachable.
// An ERROR answer is returned as RemoteError.
func (t *Transport) Call(ctx context.Context, to netip.AddrPort, typ MessageType, args any, reply any) error {
	if !typ.IsRequest() {
		return fmt.Errorf("crpc: %s is not a request type", typ)
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	var payload []byte
	if args != nil {
		var err error
		if payload, err = cbor.Marshal(args); err != nil {
			return err
		}
	}

	to = normalize(to)
	pr := t.register(to, typ)
	defer t.unregister(pr.txid)

	raw, err := encodeMessage(&Message{TxID: pr.txid, Type: typ, Sender: t.self, Payload: payload})
	if err != nil {
		return err
	}

	var resp *Message
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		t.limiter.Take()

		t.mu.Lock()
		pr.attempts++
		pr.sent = time.Now()
		attempts := pr.attempts
		t.mu.Unlock()
		if attempts > 1 {
			metrics.RPCRetries.Inc()
			log.Debugf("crpc: retrying %s to %s (txid %x, attempt %d)", typ, to, pr.txid, attempts)
		}

		if _, err := t.conn.WriteToUDPAddrPort(raw, to); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return backoff.Permanent(ErrClosed)
			}
			return err
		}

		timer := time.NewTimer(t.opts.Timeout)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-t.done:
			return backoff.Permanent(ErrClosed)
		case m := <-pr.ch:
			resp = m
			return nil
		case <-timer.C:
			return errAttemptTimeout
		}
	}

	err = backoff.Retry(attempt, t.newBackOff(ctx))
	switch {
	case err == nil:
	case ctx.Err() != nil:
		metrics.RPCRequests.WithLabelValues(typ.String(), "cancelled").Inc()
		return ctx.Err()
	case errors.Is(err, ErrClosed):
		return err
	default:
		metrics.RPCRequests.WithLabelValues(typ.String(), "unreachable").Inc()
		return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrUnreachable, typ, to, pr.attempts, err)
	}

	if resp.Type == MsgError {
		metrics.RPCRequests.WithLabelValues(typ.String(), "remote_error").Inc()
		e := ErrorPayload{}
		if err := decodePayload(resp.Payload, &e); err != nil {
			return err
		}
		return RemoteError(e.Message)
	}

	metrics.RPCRequests.WithLabelValues(typ.String(), "ok").Inc()
	metrics.RPCLatency.WithLabelValues(typ.String()).Observe(time.Since(pr.sent).Seconds())
	return decodePayload(resp.Payload, reply)
}

// Serve runs the read loop until the context is cancelled or the socket fails.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			log.Debugf("crpc: context cancelled, closing %s", t.conn.LocalAddr())
		case <-t.done:
		}
		t.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.done:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Errorf("crpc: read error on %s: %v", t.conn.LocalAddr(), err)
			return err
		}

		t.handleDatagram(ctx, buf[:n], normalize(from))
	}
}

func (t *Transport) handleDatagram(ctx context.Context, data []byte, from netip.AddrPort) {
	msg, err := decodeMessage(data)
	if err != nil {
		metrics.MalformedDatagrams.Inc()
		log.Debugf("crpc: dropping datagram from %s: %v", from, err)
		return
	}

	if msg.Type.IsRequest() {
		t.observe(from, msg.Sender, 0)
		t.serveRequest(ctx, msg, from)
		return
	}

	t.mu.Lock()
	pr, ok := t.pending[msg.TxID]
	if !ok || pr.to != from {
		t.mu.Unlock()
		metrics.UnmatchedResponses.Inc()
		log.Debugf("crpc: discarding %s from %s for unknown txid %x", msg.Type, from, msg.TxID)
		t.observe(from, msg.Sender, 0)
		return
	}
	rtt := time.Since(pr.sent)
	t.mu.Unlock()

	t.observe(from, msg.Sender, rtt)

	select {
	case pr.ch <- msg:
	default:
		// Duplicate answer to a retried request
	}
}

func (t *Transport) serveRequest(ctx context.Context, msg *Message, from netip.AddrPort) {
	t.mu.Lock()
	h := t.handlers[msg.Type]
	t.mu.Unlock()

	metrics.RPCInbound.WithLabelValues(msg.Type.String()).Inc()

	var reply any
	var callErr error
	if h == nil {
		callErr = fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("crpc: panic serving %s from %s: %v", msg.Type, from, r)
					callErr = fmt.Errorf("internal error serving %s", msg.Type)
				}
			}()
			reply, callErr = h(ctx, &Request{From: from, Sender: msg.Sender, Type: msg.Type, payload: msg.Payload})
		}()
	}

	// Requests we could not even decode are dropped without an answer
	if errors.Is(callErr, ErrMalformed) {
		metrics.MalformedDatagrams.Inc()
		log.Debugf("crpc: dropping %s from %s: %v", msg.Type, from, callErr)
		return
	}

	resp := &Message{TxID: msg.TxID, Type: MsgResponse, Sender: t.self}
	var err error
	if callErr != nil {
		resp.Type = MsgError
		resp.Payload, err = cbor.Marshal(&ErrorPayload{Message: callErr.Error()})
	} else if reply != nil {
		resp.Payload, err = cbor.Marshal(reply)
	}
	if err != nil {
		log.Errorf("crpc: error encoding reply to %s for %s: %v", msg.Type, from, err)
		return
	}

	raw, err := encodeMessage(resp)
	if err != nil {
		log.Errorf("crpc: error encoding response to %s: %v", from, err)
		return
	}
	if _, err := t.conn.WriteToUDPAddrPort(raw, from); err != nil {
		log.Debugf("crpc: error answering %s: %v", from, err)
	}
}

// Close shuts the socket down. Pending calls fail with ErrClosed.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}
