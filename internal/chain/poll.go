package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type logSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// logPoller emulates log subscriptions on a request/response transport. One loop
// serves every subscription of a connection: each tick issues a single head lookup
// and a single eth_getLogs over the union of subscribed addresses and topics, then
// routes each log to the subscriptions matching it.
// Transient poll failures are retried on the next tick and never end a subscription.
type logPoller struct {
	source   logSource
	interval time.Duration

	mu      sync.Mutex
	subs    map[*pollSub]struct{}
	started bool
	next    uint64
	quit    chan struct{}
	closed  bool
}

func newLogPoller(source logSource, interval time.Duration) *logPoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &logPoller{
		source:   source,
		interval: interval,
		subs:     make(map[*pollSub]struct{}),
		quit:     make(chan struct{}),
	}
}

// subscribe registers a subscription. The first one fixes the starting block at
// the current head and launches the loop.
func (p *logPoller) subscribe(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub := &pollSub{
		poller:    p,
		addresses: mapset.NewThreadUnsafeSet(query.Addresses...),
		topics:    mapset.NewThreadUnsafeSet[common.Hash](),
		ch:        ch,
		quit:      make(chan struct{}),
		err:       make(chan error, 1),
	}
	if len(query.Topics) > 0 {
		for _, topic := range query.Topics[0] {
			sub.topics.Add(topic)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("poller closed")
	}
	if !p.started {
		head, err := p.source.LatestBlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("latest block: %w", err)
		}
		p.next = head + 1
		p.started = true
		go p.run()
	}
	p.subs[sub] = struct{}{}
	return sub, nil
}

func (p *logPoller) remove(sub *pollSub) {
	p.mu.Lock()
	delete(p.subs, sub)
	p.mu.Unlock()
}

func (p *logPoller) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.quit)
	for sub := range p.subs {
		sub.closeErr()
	}
	p.subs = map[*pollSub]struct{}{}
}

func (p *logPoller) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// snapshot returns the live subscriptions with the union of their filters.
func (p *logPoller) snapshot() ([]*pollSub, []common.Address, []common.Hash, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := make([]*pollSub, 0, len(p.subs))
	addresses := mapset.NewThreadUnsafeSet[common.Address]()
	topics := mapset.NewThreadUnsafeSet[common.Hash]()
	anyAddress, anyTopic := false, false
	for sub := range p.subs {
		subs = append(subs, sub)
		anyAddress = anyAddress || sub.addresses.Cardinality() == 0
		anyTopic = anyTopic || sub.topics.Cardinality() == 0
		addresses = addresses.Union(sub.addresses)
		topics = topics.Union(sub.topics)
	}
	// An empty filter on any subscription widens the shared query to everything.
	var addressList []common.Address
	var topicList []common.Hash
	if !anyAddress {
		addressList = addresses.ToSlice()
	}
	if !anyTopic {
		topicList = topics.ToSlice()
	}
	return subs, addressList, topicList, p.next
}

// poll runs one tick. It returns the number of logs delivered.
func (p *logPoller) poll() int {
	subs, addresses, topics, next := p.snapshot()
	if len(subs) == 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*p.interval)
	defer cancel()
	latest, err := p.source.LatestBlockNumber(ctx)
	if err != nil || latest < next {
		return 0
	}
	logs, err := p.source.FilterLogs(ctx, next, latest, addresses, topics)
	if err != nil {
		return 0
	}

	delivered := 0
	for _, log := range logs {
		for _, sub := range subs {
			if !sub.matches(log) {
				continue
			}
			if !sub.deliver(log, p.quit) {
				continue
			}
			delivered++
		}
	}

	p.mu.Lock()
	p.next = latest + 1
	p.mu.Unlock()
	return delivered
}

type pollSub struct {
	poller    *logPoller
	addresses mapset.Set[common.Address]
	topics    mapset.Set[common.Hash]
	ch        chan<- types.Log

	once sync.Once
	quit chan struct{}
	err  chan error
}

func (s *pollSub) matches(log types.Log) bool {
	if s.addresses.Cardinality() > 0 && !s.addresses.Contains(log.Address) {
		return false
	}
	if s.topics.Cardinality() > 0 && (len(log.Topics) == 0 || !s.topics.Contains(log.Topics[0])) {
		return false
	}
	return true
}

func (s *pollSub) deliver(log types.Log, stop <-chan struct{}) bool {
	select {
	case s.ch <- log:
		return true
	case <-s.quit:
	case <-stop:
	}
	return false
}

func (s *pollSub) Unsubscribe() {
	s.poller.remove(s)
	s.closeErr()
}

func (s *pollSub) Err() <-chan error {
	return s.err
}

func (s *pollSub) closeErr() {
	s.once.Do(func() {
		close(s.quit)
		close(s.err)
	})
}
