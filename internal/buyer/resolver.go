// Package buyer attributes a swap recipient to the wallet that actually bought.
package buyer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"buyscope/internal/cache"
	"buyscope/internal/chain"
	"buyscope/internal/model"
)

// ErrSkip means the buyer cannot be attributed to an end-user wallet and the event must be dropped.
var ErrSkip = errors.New("buyer not attributable")

const defaultCodeTTL = 6 * time.Hour

// Resolver maps event recipients to end-user wallets.
type Resolver struct {
	aggregatorHeavy func(chain string) bool
	codeCache       *cache.TTL[string, bool]
	logger          *zap.Logger
}

// NewResolver builds a Resolver. aggregatorHeavy reports chains where routers hide the sender.
func NewResolver(aggregatorHeavy func(chain string) bool, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if aggregatorHeavy == nil {
		aggregatorHeavy = func(string) bool { return false }
	}
	return &Resolver{
		aggregatorHeavy: aggregatorHeavy,
		codeCache:       cache.NewTTL[string, bool](defaultCodeTTL),
		logger:          logger.With(zap.String("component", "buyer")),
	}
}

// Resolve returns the buyer wallet for recipient, or ErrSkip.
func (r *Resolver) Resolve(ctx context.Context, reader chain.Reader, chainName, recipient, txHash string) (string, error) {
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("%w: malformed recipient %q", ErrSkip, recipient)
	}
	recipient = model.NormalizeAddress(recipient)

	isContract, err := r.IsContract(ctx, reader, chainName, recipient)
	if err != nil {
		return "", fmt.Errorf("%w: code lookup: %v", ErrSkip, err)
	}
	if !isContract {
		return recipient, nil
	}

	if !r.aggregatorHeavy(chainName) {
		return "", fmt.Errorf("%w: recipient %s is a contract", ErrSkip, recipient)
	}

	sender, err := reader.TransactionSender(ctx, common.HexToHash(txHash))
	if err != nil {
		r.logger.Debug("tx sender lookup failed",
			zap.String("chain", chainName),
			zap.String("tx", txHash),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: tx lookup: %v", ErrSkip, err)
	}
	from := model.NormalizeAddress(sender.Hex())

	fromIsContract, err := r.IsContract(ctx, reader, chainName, from)
	if err != nil {
		return "", fmt.Errorf("%w: sender code lookup: %v", ErrSkip, err)
	}
	if fromIsContract {
		return "", fmt.Errorf("%w: tx sender %s is a contract", ErrSkip, from)
	}
	return from, nil
}

// IsContract reports whether address has deployed code, cached per chain and address.
func (r *Resolver) IsContract(ctx context.Context, reader chain.Reader, chainName, address string) (bool, error) {
	key := chainName + ":" + address
	if cached, ok := r.codeCache.Get(key); ok {
		return cached, nil
	}
	code, err := reader.CodeAt(ctx, common.HexToAddress(address))
	if err != nil {
		return false, err
	}
	isContract := len(code) > 0
	r.codeCache.Set(key, isContract)
	return isContract, nil
}

// Prune drops expired code lookups.
func (r *Resolver) Prune() int {
	return r.codeCache.Prune()
}

// Clear empties the code cache.
func (r *Resolver) Clear() {
	r.codeCache.Clear()
}
