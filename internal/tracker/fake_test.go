package tracker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"buyscope/internal/chain"
	"buyscope/internal/dex"
	"buyscope/internal/dispatch"
	"buyscope/internal/enrich"
	"buyscope/internal/model"
	"buyscope/internal/settings"
)

type fakeSub struct {
	once         sync.Once
	err          chan error
	unsubscribed atomic.Bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{err: make(chan error, 1)}
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() {
		s.unsubscribed.Store(true)
		close(s.err)
	})
}

func (s *fakeSub) Err() <-chan error { return s.err }

type logSub struct {
	sub   *fakeSub
	query ethereum.FilterQuery
	ch    chan<- types.Log
}

// fakeWorld is the on-chain state shared by every backend dialed in a test.
type fakeWorld struct {
	mu      sync.Mutex
	tokens  map[common.Address][2]common.Address
	code    map[common.Address][]byte
	senders map[common.Hash]common.Address
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		tokens:  make(map[common.Address][2]common.Address),
		code:    make(map[common.Address][]byte),
		senders: make(map[common.Hash]common.Address),
	}
}

func (w *fakeWorld) setPool(pool, token0, token1 string) {
	w.mu.Lock()
	w.tokens[common.HexToAddress(pool)] = [2]common.Address{common.HexToAddress(token0), common.HexToAddress(token1)}
	w.mu.Unlock()
}

type fakeBackend struct {
	id        int
	streaming bool
	world     *fakeWorld

	mu       sync.Mutex
	logSubs  []*logSub
	headSubs []*fakeSub
	closed   bool
}

func (b *fakeBackend) Streaming() bool { return b.streaming }

func (b *fakeBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBackend) SubscribeLogs(_ context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newFakeSub()
	b.logSubs = append(b.logSubs, &logSub{sub: sub, query: query, ch: ch})
	return sub, nil
}

func (b *fakeBackend) SubscribeHeads(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	if !b.streaming {
		return nil, chain.ErrNotStreaming
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newFakeSub()
	b.headSubs = append(b.headSubs, sub)
	return sub, nil
}

// activeSubs counts live log subscriptions per pool address.
func (b *fakeBackend) activeSubs() map[common.Address]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[common.Address]int)
	for _, s := range b.logSubs {
		if !s.sub.unsubscribed.Load() {
			out[s.query.Addresses[0]]++
		}
	}
	return out
}

func (b *fakeBackend) totalSubs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logSubs)
}

// emit delivers log to every live subscription matching its address and topic0.
func (b *fakeBackend) emit(log types.Log) int {
	b.mu.Lock()
	subs := append([]*logSub(nil), b.logSubs...)
	b.mu.Unlock()
	delivered := 0
	for _, s := range subs {
		if s.sub.unsubscribed.Load() || s.query.Addresses[0] != log.Address || s.query.Topics[0][0] != log.Topics[0] {
			continue
		}
		s.ch <- log
		delivered++
	}
	return delivered
}

func (b *fakeBackend) CodeAt(_ context.Context, account common.Address) ([]byte, error) {
	b.world.mu.Lock()
	defer b.world.mu.Unlock()
	return b.world.code[account], nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	pairABI, err := dex.V2PairABI()
	if err != nil {
		return nil, err
	}
	method, err := pairABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	b.world.mu.Lock()
	tokens, ok := b.world.tokens[*msg.To]
	b.world.mu.Unlock()
	if !ok {
		return nil, errors.New("execution reverted")
	}
	switch method.Name {
	case "token0":
		return method.Outputs.Pack(tokens[0])
	case "token1":
		return method.Outputs.Pack(tokens[1])
	}
	return nil, errors.New("unexpected method")
}

func (b *fakeBackend) TransactionSender(_ context.Context, hash common.Hash) (common.Address, error) {
	b.world.mu.Lock()
	defer b.world.mu.Unlock()
	sender, ok := b.world.senders[hash]
	if !ok {
		return common.Address{}, chain.ErrTxNotFound
	}
	return sender, nil
}

func (b *fakeBackend) LatestBlockNumber(context.Context) (uint64, error) { return 1000, nil }

func (b *fakeBackend) FilterLogs(context.Context, uint64, uint64, []common.Address, []common.Hash) ([]types.Log, error) {
	return nil, nil
}

type fakeDialer struct {
	world     *fakeWorld
	streaming bool

	mu       sync.Mutex
	backends []*fakeBackend
	fail     bool
}

func (d *fakeDialer) dial(_ context.Context, _ string) (chain.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("connection refused")
	}
	b := &fakeBackend{id: len(d.backends), streaming: d.streaming, world: d.world}
	d.backends = append(d.backends, b)
	return b, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backends)
}

func (d *fakeDialer) backend(i int) *fakeBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backends[i]
}

type fakeMarket struct {
	mu      sync.Mutex
	pools   []model.PoolLiquidity
	stats   *model.PairStats
	native  float64
	cleared int
}

func (m *fakeMarket) TokenPoolsByLiquidity(context.Context, string, string) []model.PoolLiquidity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PoolLiquidity(nil), m.pools...)
}

func (m *fakeMarket) PairStats(context.Context, string, string) *model.PairStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		return nil
	}
	out := *m.stats
	return &out
}

func (m *fakeMarket) HasFallback(string) bool { return false }

func (m *fakeMarket) FallbackPairStats(context.Context, string, string) *model.PairStats { return nil }

func (m *fakeMarket) NativePrice(context.Context, string) float64 { return m.native }

func (m *fakeMarket) Prune() int { return 0 }

func (m *fakeMarket) Clear() {
	m.mu.Lock()
	m.cleared++
	m.mu.Unlock()
}

type recordingDeliverer struct {
	alerts chan model.Alert
}

func (d *recordingDeliverer) Deliver(_ context.Context, alert model.Alert) error {
	d.alerts <- alert
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	tracker   *Tracker
	store     *settings.MemoryStore
	dialer    *fakeDialer
	world     *fakeWorld
	market    *fakeMarket
	clock     *fakeClock
	delivered *recordingDeliverer
}

type harnessOption func(*Options)

func newHarness(t *testing.T, streaming bool, groups []model.GroupSettings, opts ...harnessOption) *harness {
	t.Helper()
	world := newFakeWorld()
	h := &harness{
		store:     settings.NewMemoryStore(groups...),
		dialer:    &fakeDialer{world: world, streaming: streaming},
		world:     world,
		market:    &fakeMarket{native: 600},
		clock:     &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		delivered: &recordingDeliverer{alerts: make(chan model.Alert, 16)},
	}

	options := Options{
		Chains: map[string]ChainSettings{
			"x":   {Endpoint: "wss://x.example"},
			"bsc": {Endpoint: "wss://bsc.example", AggregatorHeavy: true},
		},
		Now: h.clock.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}

	pipeline := enrich.NewPipeline(h.market, nil, enrich.Options{Now: h.clock.Now})
	tr, err := New(options, Deps{
		Store:      h.store,
		Market:     h.market,
		Dialer:     h.dialer.dial,
		Pipeline:   pipeline,
		Dispatcher: dispatch.NewDispatcher(dispatch.NewQueue(100), dispatch.Options{Tick: 5 * time.Millisecond}),
		Deliverer:  h.delivered,
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	h.tracker = tr
	t.Cleanup(func() {
		_ = tr.Shutdown(context.Background())
	})
	return h
}

func (h *harness) reconcile(t *testing.T) {
	t.Helper()
	if err := h.tracker.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}
