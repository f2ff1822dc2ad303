package scanner

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"buyscope/internal/chain"
	"buyscope/internal/dex"
	"buyscope/internal/model"
	"buyscope/internal/storage"
)

var (
	factory = common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd")
	token0  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	token1  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type filterCall struct {
	from, to uint64
}

type fakeBackend struct {
	mu       sync.Mutex
	head     uint64
	logs     []types.Log
	calls    []filterCall
	failures int
	closed   bool
}

func (b *fakeBackend) setHead(head uint64) {
	b.mu.Lock()
	b.head = head
	b.mu.Unlock()
}

func (b *fakeBackend) filterCalls() []filterCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]filterCall(nil), b.calls...)
}

func (b *fakeBackend) LatestBlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *fakeBackend) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, _ []common.Hash) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("upstream timeout")
	}
	b.calls = append(b.calls, filterCall{from: from, to: to})
	var out []types.Log
	for _, log := range b.logs {
		if log.BlockNumber >= from && log.BlockNumber <= to {
			out = append(out, log)
		}
	}
	return out, nil
}

func (b *fakeBackend) CodeAt(context.Context, common.Address) ([]byte, error) { return nil, nil }

func (b *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func (b *fakeBackend) TransactionSender(context.Context, common.Hash) (common.Address, error) {
	return common.Address{}, nil
}

func (b *fakeBackend) Streaming() bool { return false }

func (b *fakeBackend) SubscribeLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, chain.ErrNotStreaming
}

func (b *fakeBackend) SubscribeHeads(context.Context, chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, chain.ErrNotStreaming
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

type memorySink struct {
	mu    sync.Mutex
	pools []model.PoolCreation
}

func (s *memorySink) PutPoolBatch(_ context.Context, pools []model.PoolCreation) error {
	s.mu.Lock()
	s.pools = append(s.pools, pools...)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) snapshot() []model.PoolCreation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PoolCreation(nil), s.pools...)
}

func pairCreatedLog(t *testing.T, pool common.Address, block uint64, index uint) types.Log {
	t.Helper()
	factoryABI, err := dex.FactoryABI()
	require.NoError(t, err)
	event := factoryABI.Events["PairCreated"]
	data, err := event.Inputs.NonIndexed().Pack(pool, big.NewInt(1))
	require.NoError(t, err)
	return types.Log{
		Address: factory,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(common.LeftPadBytes(token0.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(token1.Bytes(), 32)),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
		Index:       index,
	}
}

func newTestScanner(t *testing.T, backend *fakeBackend, sink storage.PoolSink, state StateStore, cfg Config) *Scanner {
	t.Helper()
	cfg.Chain = "base"
	cfg.Endpoint = "https://rpc.example"
	cfg.Factories = []common.Address{factory}
	cfg.RetryBackoff = time.Millisecond
	dial := func(context.Context, string) (chain.Backend, error) { return backend, nil }
	s, err := New(cfg, dial, sink, state, nil, nil)
	require.NoError(t, err)
	return s
}

func TestScanStartsAtHeadThenCatchesUp(t *testing.T) {
	pool := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	backend := &fakeBackend{head: 100, logs: []types.Log{pairCreatedLog(t, pool, 103, 0)}}
	sink := &memorySink{}
	s := newTestScanner(t, backend, sink, nil, Config{BatchSize: 3})

	found, err := s.scan(context.Background(), backend)
	require.NoError(t, err)
	require.Zero(t, found)

	backend.setHead(105)
	found, err = s.scan(context.Background(), backend)
	require.NoError(t, err)
	require.Equal(t, 1, found)
	require.Equal(t, []filterCall{{100, 100}, {101, 103}, {104, 105}}, backend.filterCalls())

	pools := sink.snapshot()
	require.Len(t, pools, 1)
	require.Equal(t, strings.ToLower(pool.Hex()), pools[0].Pool)
	require.Equal(t, "v2", pools[0].Kind)
	require.Equal(t, "base", pools[0].Chain)
}

func TestScanSkipsDuplicatesAndUndecodable(t *testing.T) {
	pool := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	created := pairCreatedLog(t, pool, 11, 0)
	garbage := types.Log{Address: factory, Topics: []common.Hash{{0x01}}, BlockNumber: 11, Index: 1}
	removed := pairCreatedLog(t, pool, 11, 2)
	removed.Removed = true

	backend := &fakeBackend{head: 12, logs: []types.Log{created, garbage, removed}}
	sink := &memorySink{}
	s := newTestScanner(t, backend, sink, nil, Config{})
	s.last = 10

	found, err := s.scan(context.Background(), backend)
	require.NoError(t, err)
	require.Equal(t, 1, found)

	// The same log delivered again after a rewind is ignored.
	s.last = 10
	found, err = s.scan(context.Background(), backend)
	require.NoError(t, err)
	require.Zero(t, found)
	require.Len(t, sink.snapshot(), 1)
}

func TestScanRetriesFilterFailures(t *testing.T) {
	backend := &fakeBackend{head: 20, failures: 2}
	s := newTestScanner(t, backend, nil, nil, Config{MaxRetries: 2})
	s.last = 15

	_, err := s.scan(context.Background(), backend)
	require.NoError(t, err)
	require.Equal(t, uint64(20), s.last)

	backend.failures = 5
	backend.setHead(25)
	_, err = s.scan(context.Background(), backend)
	require.Error(t, err)
	require.Equal(t, uint64(20), s.last, "failed range must be rescanned")
}

func TestScanHonorsCancellation(t *testing.T) {
	backend := &fakeBackend{head: 20}
	s := newTestScanner(t, backend, nil, nil, Config{})
	s.last = 10

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.scan(ctx, backend)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, backend.filterCalls())
	require.Equal(t, uint64(10), s.last)
}

func TestCheckpointResume(t *testing.T) {
	state := NewFileStateStore(t.TempDir())
	backend := &fakeBackend{head: 40}
	s := newTestScanner(t, backend, nil, state, Config{})
	s.last = 30

	_, err := s.scan(context.Background(), backend)
	require.NoError(t, err)

	last, ok, err := state.LoadState(context.Background(), "scanner:base")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(40), last)

	resumed := newTestScanner(t, backend, nil, state, Config{})
	resumed.resume(context.Background())
	require.Equal(t, uint64(40), resumed.last)

	_, ok, err = state.LoadState(context.Background(), "scanner:eth")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunStopsOnCancelAndClosesBackend(t *testing.T) {
	backend := &fakeBackend{head: 5}
	s := newTestScanner(t, backend, nil, nil, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(backend.filterCalls()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("scanner did not stop")
	}
	backend.mu.Lock()
	closed := backend.closed
	backend.mu.Unlock()
	require.True(t, closed)
}

func TestRunRetriesDial(t *testing.T) {
	backend := &fakeBackend{head: 5}
	var mu sync.Mutex
	attempts := 0
	dial := func(context.Context, string) (chain.Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return backend, nil
	}
	s, err := New(Config{
		Chain:     "base",
		Endpoint:  "https://rpc.example",
		Factories: []common.Address{factory},
		Interval:  2 * time.Millisecond,
	}, dial, nil, nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(backend.filterCalls()) > 0 }, time.Second, 2*time.Millisecond)
}

func TestNewValidatesConfig(t *testing.T) {
	dial := func(context.Context, string) (chain.Backend, error) { return nil, nil }
	_, err := New(Config{Chain: "base", Endpoint: "https://rpc.example"}, dial, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Chain: "base", Factories: []common.Address{factory}}, dial, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Chain: "base", Endpoint: "x", Factories: []common.Address{factory}}, nil, nil, nil, nil, nil)
	require.Error(t, err)
}
