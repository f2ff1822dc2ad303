package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrNotStreaming is returned for push-only operations on a polling transport.
	ErrNotStreaming = errors.New("transport is not streaming")
	// ErrTxNotFound is returned when the node does not know the transaction.
	ErrTxNotFound = errors.New("transaction not found")
)

const defaultPollInterval = 4 * time.Second

// Reader is the request/response surface used by classification and enrichment.
type Reader interface {
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionSender(ctx context.Context, txHash common.Hash) (common.Address, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// Backend is a live connection to one chain.
type Backend interface {
	Reader
	Streaming() bool
	SubscribeLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a Backend for an endpoint.
type Dialer func(ctx context.Context, endpoint string) (Backend, error)

// Client wraps go-ethereum RPC and provides helper methods.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	streaming bool

	pollInterval time.Duration
	poller       *logPoller

	mu      sync.RWMutex
	tsCache map[uint64]uint64
}

// Option customizes a Client.
type Option func(*Client)

// WithPollInterval sets the log polling cadence used by non-streaming transports.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// IsStreamingURL reports whether the endpoint scheme supports push subscriptions.
func IsStreamingURL(endpoint string) bool {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return true
	default:
		return false
	}
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string, opts ...Option) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		rpcClient:    rpcClient,
		ethClient:    ethclient.NewClient(rpcClient),
		streaming:    IsStreamingURL(rpcURL),
		pollInterval: defaultPollInterval,
		tsCache:      make(map[uint64]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.poller = newLogPoller(c, c.pollInterval)
	return c, nil
}

// NewDialer returns a Dialer producing Clients with the given options.
func NewDialer(opts ...Option) Dialer {
	return func(ctx context.Context, endpoint string) (Backend, error) {
		return NewClient(ctx, endpoint, opts...)
	}
}

// Close stops log polling and closes the underlying RPC client.
func (c *Client) Close() {
	if c.poller != nil {
		c.poller.close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// Streaming reports whether the client is connected over a push-capable transport.
func (c *Client) Streaming() bool {
	return c.streaming
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// HeaderByNumber returns the block header by number.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.ethClient.HeaderByNumber(ctx, number)
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.RLock()
	ts, ok := c.tsCache[number]
	c.mu.RUnlock()
	if ok {
		return ts, nil
	}

	header, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}

	ts = header.Time
	c.mu.Lock()
	c.tsCache[number] = ts
	c.mu.Unlock()

	return ts, nil
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return c.ethClient.FilterLogs(ctx, query)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// CodeAt returns the deployed bytecode at the latest block.
func (c *Client) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return c.ethClient.CodeAt(ctx, account, nil)
}

// TransactionSender returns the `from` field of a transaction as reported by the node.
func (c *Client) TransactionSender(ctx context.Context, txHash common.Hash) (common.Address, error) {
	var tx *struct {
		From common.Address `json:"from"`
	}
	if err := c.rpcClient.CallContext(ctx, &tx, "eth_getTransactionByHash", txHash); err != nil {
		return common.Address{}, fmt.Errorf("get transaction: %w", err)
	}
	if tx == nil {
		return common.Address{}, ErrTxNotFound
	}
	return tx.From, nil
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ethClient.TransactionReceipt(ctx, txHash)
}

// SubscribeLogs delivers matching logs to ch, pushing on streaming transports and polling otherwise.
// Polled subscriptions share one eth_getLogs loop per client.
func (c *Client) SubscribeLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if c.streaming {
		return c.ethClient.SubscribeFilterLogs(ctx, query, ch)
	}
	return c.poller.subscribe(ctx, query, ch)
}

// SubscribeHeads delivers new block headers on streaming transports.
func (c *Client) SubscribeHeads(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if !c.streaming {
		return nil, ErrNotStreaming
	}
	return c.ethClient.SubscribeNewHead(ctx, ch)
}
