package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"buyscope/internal/chain"
	"buyscope/internal/metrics"
	"buyscope/internal/model"
)

const listenerBuffer = 64

// poolEvent is a raw pool log tagged with the framing it was subscribed under.
type poolEvent struct {
	conn  *ChainConnection
	sides model.PoolSides
	log   types.Log
}

// transport is one dialed backend plus its heartbeat.
type transport struct {
	backend chain.Backend
	heads   ethereum.Subscription
	cancel  context.CancelFunc
}

func (t *transport) stop() {
	if t == nil {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.heads != nil {
		t.heads.Unsubscribe()
	}
	if t.backend != nil {
		t.backend.Close()
	}
}

// ChainConnection is the live connection for one chain. The transport is
// swapped atomically on replacement; pool subscriptions are re-attached first.
type ChainConnection struct {
	Chain    string
	Endpoint string

	streaming    bool
	current      atomic.Pointer[transport]
	lastActivity atomic.Int64
	alive        atomic.Bool

	mu    sync.RWMutex
	pools map[string]*PoolSubscription
}

// Backend returns the current transport.
func (c *ChainConnection) Backend() chain.Backend {
	if t := c.current.Load(); t != nil {
		return t.backend
	}
	return nil
}

// Streaming reports whether the connection uses push subscriptions.
func (c *ChainConnection) Streaming() bool { return c.streaming }

// Alive reports whether the transport has not reported an error.
func (c *ChainConnection) Alive() bool { return c.alive.Load() }

// LastActivity returns the time of the last log or header received.
func (c *ChainConnection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *ChainConnection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// Pools returns subscribed pool addresses in sorted order.
func (c *ChainConnection) Pools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.pools))
	for pool := range c.pools {
		out = append(out, pool)
	}
	sort.Strings(out)
	return out
}

// Subscription returns the subscription for pool.
func (c *ChainConnection) Subscription(pool string) (*PoolSubscription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.pools[pool]
	return ps, ok
}

// PoolSubscription is the set of listeners attached to one pool.
type PoolSubscription struct {
	Pool  string
	Sides model.PoolSides

	transport *transport
	listeners map[model.ProtocolVersion]ethereum.Subscription
	done      chan struct{}
	once      sync.Once
}

func (p *PoolSubscription) detach() {
	p.once.Do(func() {
		close(p.done)
		for _, sub := range p.listeners {
			sub.Unsubscribe()
		}
	})
}

// Versions returns the protocol versions with an active listener.
func (p *PoolSubscription) Versions() []model.ProtocolVersion {
	out := make([]model.ProtocolVersion, 0, len(p.listeners))
	for v := range p.listeners {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// registryOptions configures a Registry.
type registryOptions struct {
	dialer     chain.Dialer
	topics     map[model.ProtocolVersion]common.Hash
	events     chan<- poolEvent
	inactivity time.Duration
	now        func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Registry owns one ChainConnection per chain.
type Registry struct {
	opts   registryOptions
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*ChainConnection
}

func newRegistry(opts registryOptions) *Registry {
	return &Registry{
		opts:   opts,
		logger: opts.logger.With(zap.String("component", "registry")),
		conns:  make(map[string]*ChainConnection),
	}
}

// Get returns the connection for chainName.
func (r *Registry) Get(chainName string) (*ChainConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[chainName]
	return conn, ok
}

// ListChains returns chains with a connection, sorted.
func (r *Registry) ListChains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for name := range r.conns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EnsureConnection returns a live connection for chainName, creating it on first use
// and replacing it when the streaming transport is stale. A failed replacement is
// logged and the existing connection is returned so the next pass can retry.
func (r *Registry) EnsureConnection(ctx context.Context, chainName, endpoint string) (*ChainConnection, error) {
	conn, ok := r.Get(chainName)
	if ok && conn.Endpoint != endpoint {
		r.logger.Info("endpoint changed, reconnecting", zap.String("chain", chainName))
		r.Teardown(chainName)
		ok = false
	}
	if !ok {
		created, err := r.connect(ctx, chainName, endpoint)
		if err != nil {
			r.opts.metrics.ConnectionFailures.WithLabelValues(chainName).Inc()
			return nil, err
		}
		r.mu.Lock()
		r.conns[chainName] = created
		r.mu.Unlock()
		return created, nil
	}

	if conn.streaming && r.stale(conn) {
		r.logger.Warn("streaming connection stale, replacing",
			zap.String("chain", chainName),
			zap.Bool("alive", conn.Alive()),
			zap.Time("last_activity", conn.LastActivity()),
		)
		if err := r.replace(ctx, conn); err != nil {
			r.opts.metrics.ConnectionFailures.WithLabelValues(chainName).Inc()
			r.logger.Error("connection replacement failed", zap.String("chain", chainName), zap.Error(err))
		} else {
			r.opts.metrics.ConnectionReplacements.WithLabelValues(chainName).Inc()
		}
	}
	return conn, nil
}

func (r *Registry) stale(conn *ChainConnection) bool {
	if !conn.Alive() {
		return true
	}
	return r.opts.now().Sub(conn.LastActivity()) > r.opts.inactivity
}

func (r *Registry) connect(ctx context.Context, chainName, endpoint string) (*ChainConnection, error) {
	backend, err := r.opts.dialer(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", chainName, err)
	}
	conn := &ChainConnection{
		Chain:     chainName,
		Endpoint:  endpoint,
		streaming: backend.Streaming(),
		pools:     make(map[string]*PoolSubscription),
	}
	t, err := r.startTransport(ctx, conn, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	conn.current.Store(t)
	conn.alive.Store(true)
	conn.touch(r.opts.now())

	r.logger.Info("chain connected",
		zap.String("chain", chainName),
		zap.Bool("streaming", conn.streaming),
	)
	return conn, nil
}

// startTransport wraps backend and, for streaming backends, starts the new-head heartbeat.
func (r *Registry) startTransport(ctx context.Context, conn *ChainConnection, backend chain.Backend) (*transport, error) {
	t := &transport{backend: backend}
	if !backend.Streaming() {
		return t, nil
	}

	heads := make(chan *types.Header, 16)
	sub, err := backend.SubscribeHeads(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("subscribe heads %s: %w", conn.Chain, err)
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	t.heads = sub
	t.cancel = cancel

	go func() {
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-heads:
				if conn.current.Load() == t {
					conn.touch(r.opts.now())
				}
			case err, ok := <-sub.Err():
				if ok && err != nil && conn.current.Load() == t {
					conn.alive.Store(false)
					r.logger.Warn("heartbeat subscription failed", zap.String("chain", conn.Chain), zap.Error(err))
				}
				return
			}
		}
	}()
	return t, nil
}

func (r *Registry) replace(ctx context.Context, conn *ChainConnection) error {
	backend, err := r.opts.dialer(ctx, conn.Endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", conn.Chain, err)
	}
	next, err := r.startTransport(ctx, conn, backend)
	if err != nil {
		backend.Close()
		return err
	}

	conn.mu.RLock()
	previous := make([]*PoolSubscription, 0, len(conn.pools))
	for _, ps := range conn.pools {
		previous = append(previous, ps)
	}
	conn.mu.RUnlock()

	rebuilt := make(map[string]*PoolSubscription, len(previous))
	for _, ps := range previous {
		nps, err := r.subscribe(ctx, conn, next, ps.Pool, ps.Sides)
		if err != nil {
			r.logger.Warn("resubscribe failed, pool will be retried next pass",
				zap.String("chain", conn.Chain),
				zap.String("pool", ps.Pool),
				zap.Error(err),
			)
			continue
		}
		rebuilt[ps.Pool] = nps
	}

	old := conn.current.Swap(next)
	conn.mu.Lock()
	conn.pools = rebuilt
	conn.mu.Unlock()
	conn.alive.Store(true)
	conn.touch(r.opts.now())

	for _, ps := range previous {
		ps.detach()
	}
	old.stop()

	r.opts.metrics.ActiveSubscriptions.WithLabelValues(conn.Chain).Set(float64(len(rebuilt)))
	r.logger.Info("connection replaced",
		zap.String("chain", conn.Chain),
		zap.Int("resubscribed", len(rebuilt)),
		zap.Int("previous", len(previous)),
	)
	return nil
}

// Attach subscribes every protocol version for pool on the current transport.
func (r *Registry) Attach(ctx context.Context, conn *ChainConnection, pool string, sides model.PoolSides) error {
	if _, ok := conn.Subscription(pool); ok {
		return nil
	}
	t := conn.current.Load()
	if t == nil {
		return fmt.Errorf("chain %s has no transport", conn.Chain)
	}
	ps, err := r.subscribe(ctx, conn, t, pool, sides)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	conn.pools[pool] = ps
	count := len(conn.pools)
	conn.mu.Unlock()

	r.opts.metrics.SubscriptionsAttached.WithLabelValues(conn.Chain).Inc()
	r.opts.metrics.ActiveSubscriptions.WithLabelValues(conn.Chain).Set(float64(count))
	return nil
}

// Detach removes the subscription for pool.
func (r *Registry) Detach(conn *ChainConnection, pool string) bool {
	conn.mu.Lock()
	ps, ok := conn.pools[pool]
	delete(conn.pools, pool)
	count := len(conn.pools)
	conn.mu.Unlock()
	if !ok {
		return false
	}
	ps.detach()
	r.opts.metrics.SubscriptionsDetached.WithLabelValues(conn.Chain).Inc()
	r.opts.metrics.ActiveSubscriptions.WithLabelValues(conn.Chain).Set(float64(count))
	return true
}

// Teardown detaches all subscriptions of chainName and closes its transport.
func (r *Registry) Teardown(chainName string) {
	r.mu.Lock()
	conn, ok := r.conns[chainName]
	delete(r.conns, chainName)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, pool := range conn.Pools() {
		r.Detach(conn, pool)
	}
	conn.current.Swap(nil).stop()
	r.logger.Info("chain torn down", zap.String("chain", chainName))
}

// CloseAll tears down every connection.
func (r *Registry) CloseAll() {
	for _, name := range r.ListChains() {
		r.Teardown(name)
	}
}

func (r *Registry) subscribe(ctx context.Context, conn *ChainConnection, t *transport, pool string, sides model.PoolSides) (*PoolSubscription, error) {
	ps := &PoolSubscription{
		Pool:      pool,
		Sides:     sides,
		transport: t,
		listeners: make(map[model.ProtocolVersion]ethereum.Subscription, len(r.opts.topics)),
		done:      make(chan struct{}),
	}
	address := common.HexToAddress(pool)

	for version, topic := range r.opts.topics {
		logs := make(chan types.Log, listenerBuffer)
		query := ethereum.FilterQuery{
			Addresses: []common.Address{address},
			Topics:    [][]common.Hash{{topic}},
		}
		sub, err := t.backend.SubscribeLogs(ctx, query, logs)
		if err != nil {
			ps.detach()
			return nil, fmt.Errorf("subscribe %s %s: %w", pool, version, err)
		}
		ps.listeners[version] = sub
		go r.forward(conn, ps, version, sub, logs)
	}
	return ps, nil
}

// forward moves logs from one listener into the shared event channel until detached.
func (r *Registry) forward(conn *ChainConnection, ps *PoolSubscription, version model.ProtocolVersion, sub ethereum.Subscription, logs <-chan types.Log) {
	for {
		select {
		case <-ps.done:
			return
		case log := <-logs:
			conn.touch(r.opts.now())
			select {
			case r.opts.events <- poolEvent{conn: conn, sides: ps.Sides, log: log}:
			case <-ps.done:
				return
			}
		case err, ok := <-sub.Err():
			if ok && err != nil && conn.streaming && conn.current.Load() == ps.transport {
				conn.alive.Store(false)
				r.logger.Warn("pool listener failed",
					zap.String("chain", conn.Chain),
					zap.String("pool", ps.Pool),
					zap.String("version", string(version)),
					zap.Error(err),
				)
			}
			return
		}
	}
}
