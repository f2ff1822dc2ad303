package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"buyscope/internal/dex"
	"buyscope/internal/model"
	"buyscope/internal/swap"
)

// runPass executes one reconciliation pass behind a recover boundary.
func (t *Tracker) runPass(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile panic: %v", r)
		}
		t.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			t.metrics.ReconcilePasses.WithLabelValues("error").Inc()
			t.logger.Error("reconcile pass failed", zap.Error(err))
			return
		}
		t.metrics.ReconcilePasses.WithLabelValues("ok").Inc()
	}()
	return t.reconcile(ctx)
}

// reconcile diffs desired pool subscriptions against live state. Phases run in order:
// orphan chains, dead pools, discovery, per-chain sync.
func (t *Tracker) reconcile(ctx context.Context) error {
	groups := t.store.All()

	t.cleanupOrphanChains(groups)
	t.cleanupDeadPools(groups)

	if t.discover(ctx, groups) {
		groups = t.store.All()
	}

	desired := desiredPools(groups)
	chains := make([]string, 0, len(desired))
	for name := range desired {
		chains = append(chains, name)
	}
	sort.Strings(chains)

	for _, name := range chains {
		if err := ctx.Err(); err != nil {
			return err
		}
		pools := desired[name]
		if pools.Cardinality() == 0 {
			continue
		}
		t.syncChain(ctx, name, pools, groups)
	}
	return nil
}

// cleanupOrphanChains tears down connections for chains that are unconfigured or unreferenced.
func (t *Tracker) cleanupOrphanChains(groups map[string]model.GroupSettings) {
	referenced := mapset.NewThreadUnsafeSet[string]()
	for _, g := range groups {
		referenced.Add(g.Chain)
	}
	for _, name := range t.registry.ListChains() {
		_, configured := t.opts.Chains[name]
		if configured && referenced.Contains(name) {
			continue
		}
		t.logger.Info("tearing down orphan chain", zap.String("chain", name))
		t.registry.Teardown(name)
	}
}

// cleanupDeadPools detaches subscriptions whose pool no group references.
func (t *Tracker) cleanupDeadPools(groups map[string]model.GroupSettings) {
	referenced := desiredPools(groups)
	for _, name := range t.registry.ListChains() {
		conn, ok := t.registry.Get(name)
		if !ok {
			continue
		}
		pools := referenced[name]
		for _, pool := range conn.Pools() {
			if pools != nil && pools.Contains(pool) {
				continue
			}
			t.logger.Info("detaching unreferenced pool", zap.String("chain", name), zap.String("pool", pool))
			t.registry.Detach(conn, pool)
		}
	}
}

// discover fills empty pool lists from the market gateway. It reports whether any group changed.
func (t *Tracker) discover(ctx context.Context, groups map[string]model.GroupSettings) bool {
	changed := false
	for _, id := range sortedGroupIDs(groups) {
		g := groups[id]
		if len(g.PairAddresses) > 0 || g.TokenAddress == "" {
			continue
		}
		if _, ok := t.opts.Chains[g.Chain]; !ok {
			continue
		}
		pools := t.Discover(ctx, g.Chain, g.TokenAddress)
		if len(pools) == 0 {
			t.logger.Warn("pool discovery found nothing",
				zap.String("group", id),
				zap.String("chain", g.Chain),
				zap.String("token", g.TokenAddress),
			)
			continue
		}
		if err := t.store.SetPairAddresses(id, pools); err != nil {
			t.logger.Warn("store discovered pools failed", zap.String("group", id), zap.Error(err))
			continue
		}
		t.metrics.PoolsDiscovered.WithLabelValues(g.Chain).Add(float64(len(pools)))
		t.logger.Info("pools discovered", zap.String("group", id), zap.String("chain", g.Chain), zap.Int("pools", len(pools)))
		changed = true
	}
	if changed {
		t.store.MarkDirty()
	}
	return changed
}

// Discover returns the top pools for token above the liquidity floor, highest liquidity first.
func (t *Tracker) Discover(ctx context.Context, chainName, token string) []string {
	return SelectPools(t.market.TokenPoolsByLiquidity(ctx, chainName, token), t.opts.DiscoveryMinLiquidity, t.opts.DiscoveryLimit)
}

// SelectPools keeps at most limit valid pools with liquidity at or above minLiquidity.
func SelectPools(pools []model.PoolLiquidity, minLiquidity float64, limit int) []string {
	candidates := make([]model.PoolLiquidity, 0, len(pools))
	for _, p := range pools {
		if p.LiquidityUSD < minLiquidity || !common.IsHexAddress(p.Address) {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LiquidityUSD > candidates[j].LiquidityUSD
	})
	out := make([]string, 0, limit)
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, p := range candidates {
		if len(out) >= limit {
			break
		}
		addr := model.NormalizeAddress(p.Address)
		if !seen.Add(addr) {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (t *Tracker) syncChain(ctx context.Context, name string, pools mapset.Set[string], groups map[string]model.GroupSettings) {
	cfg, ok := t.opts.Chains[name]
	if !ok {
		t.logger.Warn("chain referenced by settings is not configured", zap.String("chain", name))
		return
	}
	logger := t.logger.With(zap.String("chain", name))

	conn, err := t.registry.EnsureConnection(ctx, name, cfg.Endpoint)
	if err != nil {
		logger.Error("chain connection unavailable", zap.Error(err))
		return
	}

	for _, pool := range conn.Pools() {
		if !pools.Contains(pool) {
			t.registry.Detach(conn, pool)
		}
	}

	wanted := pools.ToSlice()
	sort.Strings(wanted)
	for _, pool := range wanted {
		if _, ok := conn.Subscription(pool); ok {
			continue
		}
		if err := t.attachPool(ctx, conn, pool, groups); err != nil {
			logger.Warn("pool setup skipped", zap.String("pool", pool), zap.Error(err))
		}
	}
}

func (t *Tracker) attachPool(ctx context.Context, conn *ChainConnection, pool string, groups map[string]model.GroupSettings) error {
	if !common.IsHexAddress(pool) {
		return fmt.Errorf("malformed pool address")
	}
	target := targetTokenFor(groups, conn.Chain, pool)
	if target == "" {
		return fmt.Errorf("no group with a token tracks this pool")
	}

	backend := conn.Backend()
	if backend == nil {
		return fmt.Errorf("no transport")
	}
	token0, token1, err := dex.FetchPoolTokens(ctx, backend, common.HexToAddress(pool))
	if err != nil {
		return fmt.Errorf("read pool tokens: %w", err)
	}
	sides := model.PoolSides{
		Token0:      model.NormalizeAddress(token0.Hex()),
		Token1:      model.NormalizeAddress(token1.Hex()),
		TargetToken: target,
	}
	if err := swap.ValidateSides(sides); err != nil {
		return err
	}
	return t.registry.Attach(ctx, conn, pool, sides)
}

// targetTokenFor returns the token of the first group, by id, that tracks pool.
func targetTokenFor(groups map[string]model.GroupSettings, chainName, pool string) string {
	for _, id := range sortedGroupIDs(groups) {
		g := groups[id]
		if g.TokenAddress != "" && g.ReferencesPool(chainName, pool) {
			return model.NormalizeAddress(g.TokenAddress)
		}
	}
	return ""
}

// desiredPools is the union over groups of chain to lowercased pool addresses.
func desiredPools(groups map[string]model.GroupSettings) map[string]mapset.Set[string] {
	out := make(map[string]mapset.Set[string])
	for _, g := range groups {
		if g.Chain == "" {
			continue
		}
		set, ok := out[g.Chain]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			out[g.Chain] = set
		}
		for _, p := range g.PairAddresses {
			if p = model.NormalizeAddress(p); p != "" {
				set.Add(p)
			}
		}
	}
	return out
}

func sortedGroupIDs(groups map[string]model.GroupSettings) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
