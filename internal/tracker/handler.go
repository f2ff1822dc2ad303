package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"buyscope/internal/buyer"
	"buyscope/internal/dispatch"
	"buyscope/internal/model"
	"buyscope/internal/swap"
)

// consume fans pool events out to handlers, bounded by HandlerConcurrency.
func (t *Tracker) consume(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(t.opts.HandlerConcurrency)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			if ev.log.Removed {
				continue
			}
			key := ev.conn.Chain + ":" + ev.log.TxHash.Hex() + ":" + strconv.FormatUint(uint64(ev.log.Index), 10)
			if _, seen := t.seen.Get(key); seen {
				continue
			}
			t.seen.Set(key, struct{}{})

			g.Go(func() error {
				t.handleSafely(ctx, ev)
				return nil
			})
		}
	}
}

func (t *Tracker) handleSafely(ctx context.Context, ev poolEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.metrics.HandlerPanics.Inc()
			t.logger.Error("event handler panic",
				zap.String("chain", ev.conn.Chain),
				zap.String("tx", ev.log.TxHash.Hex()),
				zap.Any("panic", r),
			)
		}
	}()
	if err := t.handle(ctx, ev); err != nil {
		t.logger.Debug("event dropped",
			zap.String("chain", ev.conn.Chain),
			zap.String("pool", ev.log.Address.Hex()),
			zap.String("tx", ev.log.TxHash.Hex()),
			zap.Error(err),
		)
	}
}

// handle runs decode, classify, resolve, enrich and enqueue for one log.
func (t *Tracker) handle(ctx context.Context, ev poolEvent) error {
	chainName := ev.conn.Chain
	event, err := t.decoder.Decode(chainName, ev.log)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	t.metrics.SwapEvents.WithLabelValues(chainName, string(event.Version)).Inc()

	buy, ok, err := swap.Classify(event, ev.sides)
	if err != nil {
		return fmt.Errorf("classify: %w", err)
	}
	if !ok {
		return nil
	}
	t.metrics.BuysClassified.WithLabelValues(chainName).Inc()

	backend := ev.conn.Backend()
	if backend == nil {
		return fmt.Errorf("connection closed")
	}
	wallet, err := t.resolver.Resolve(ctx, backend, chainName, buy.Recipient, buy.TxHash)
	if err != nil {
		if errors.Is(err, buyer.ErrSkip) {
			t.metrics.BuyersSkipped.WithLabelValues(chainName).Inc()
		}
		return err
	}
	buy.Buyer = wallet

	groups := t.groupsForPool(chainName, buy.Pool)
	alerts := t.pipeline.Process(ctx, buy, backend, groups)
	for _, alert := range alerts {
		t.enqueue(alert)
	}
	if len(alerts) > 0 {
		t.logger.Info("buy alert queued",
			zap.String("chain", chainName),
			zap.String("pool", buy.Pool),
			zap.String("buyer", wallet),
			zap.Float64("usd", alerts[0].ValueUSD),
			zap.Int("groups", len(alerts)),
		)
	}
	return nil
}

func (t *Tracker) enqueue(alert model.Alert) {
	deliverer := t.deliverer
	t.dispatcher.Enqueue(dispatch.Job{
		GroupID: alert.GroupID,
		Run: func(ctx context.Context) error {
			return deliverer.Deliver(ctx, alert)
		},
	})
}

// groupsForPool returns every group tracking pool, ordered by id.
func (t *Tracker) groupsForPool(chainName, pool string) []model.GroupSettings {
	groups := t.store.All()
	out := make([]model.GroupSettings, 0, 1)
	for _, id := range sortedGroupIDs(groups) {
		if g := groups[id]; g.ReferencesPool(chainName, pool) {
			out = append(out, g)
		}
	}
	return out
}
