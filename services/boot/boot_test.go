package boot

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/exchange"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/buffer"
	"github.com/britej3/signalkey/services/engine"
	"github.com/britej3/signalkey/services/features"
	"github.com/britej3/signalkey/services/ledger"
	"github.com/britej3/signalkey/services/stream"
	"github.com/britej3/signalkey/services/strategy/catalog"
)

type quietPort struct {
	exchange.Port
	candles []market.Candle
}

func (p *quietPort) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	return p.candles, nil
}

func (p *quietPort) WatchTicker(ctx context.Context, symbol string, h func(market.Ticker)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *quietPort) WatchOHLCV(ctx context.Context, symbol, timeframe string, h func(market.Candle)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *quietPort) Close() error { return nil }

type seeds struct{}

func (seeds) BalanceSeed(userID string, mt market.Canonical) float64 { return 10000 }

type sinkBus struct{}

func (sinkBus) EmitToUser(userID, event string, data any)  {}
func (sinkBus) EmitToTopic(topic, event string, data any)  {}

func flatCandles(n int) []market.Candle {
	base := time.Unix(1700000000, 0).UTC()
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, market.Candle{
			Ts: base.Add(time.Duration(i) * 15 * time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 5,
		})
	}
	return out
}

type bootRig struct {
	store   *storage.Store
	streams *stream.Service
	svc     *Service
	cancel  context.CancelFunc
}

func newBootRig(t *testing.T, store *storage.Store) *bootRig {
	t.Helper()
	port := &quietPort{candles: flatCandles(120)}
	registry := exchange.NewRegistry(func(string, market.Type, *exchange.Credential) (exchange.Port, error) {
		return port, nil
	}, store)

	streams := stream.New(registry, nil)
	buffers := buffer.New(registry)
	feats := features.New(store, registry, catalog.Default())
	ldg := ledger.New(store, seeds{}, sinkBus{})
	eng := engine.New(store, ldg, registry, sinkBus{}, nil)

	svc := New(Config{AutotradeEvery: time.Hour, PriceEvery: time.Hour}, store, streams, buffers, feats, eng, sinkBus{})
	return &bootRig{store: store, streams: streams, svc: svc}
}

func createBot(t *testing.T, store *storage.Store, symbol, exchangeID string) *trade.Bot {
	t.Helper()
	bot := &trade.Bot{
		UserID: "u1", Name: symbol + "-bot", Symbol: symbol, Timeframe: "15m",
		MarketType: market.TypeSpot, ExchangeID: exchangeID, StrategyName: "RsiReversion",
		Mode: trade.ModeSimulated, Status: trade.StatusActive, Amount: 100,
	}
	require.NoError(t, store.CreateBot(bot))
	return bot
}

// S6 — recovery attaches exactly the union of stream keys, creates feature
// states, and emits no trades on flat data.
func TestBootRecovery(t *testing.T) {
	store, err := storage.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	b1 := createBot(t, store, "BTC/USDT", "binance")
	b2 := createBot(t, store, "ETH/USDT", "binance")
	b3 := createBot(t, store, "BTC/USDT", "okx")

	rig := newBootRig(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer rig.streams.Stop()

	require.NoError(t, rig.svc.Run(ctx))

	keys := rig.streams.ActiveKeys()
	sort.Strings(keys)
	expected := []string{
		"ohlcv:binance:spot:BTC/USDT:15m",
		"ohlcv:binance:spot:ETH/USDT:15m",
		"ohlcv:okx:spot:BTC/USDT:15m",
		"ticker:binance:spot:BTC/USDT",
		"ticker:binance:spot:ETH/USDT",
		"ticker:okx:spot:BTC/USDT",
	}
	require.Equal(t, expected, keys)

	for _, bot := range []*trade.Bot{b1, b2, b3} {
		state, err := store.FeatureStateForBot(bot.ID)
		require.NoError(t, err, "bot %s must have a feature state", bot.ID)
		require.NotEmpty(t, state.Features)
	}

	var trades []storage.TradeRow
	require.NoError(t, store.DB().Find(&trades).Error)
	require.Empty(t, trades, "flat data must not trade")
}

// Replay safety: a second recovery pass over the same state produces the
// same subscriptions and still no trades.
func TestBootRecoveryReplaySafe(t *testing.T) {
	store, err := storage.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	createBot(t, store, "BTC/USDT", "binance")

	rig := newBootRig(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer rig.streams.Stop()

	require.NoError(t, rig.svc.Run(ctx))
	keysFirst := rig.streams.ActiveKeys()
	sort.Strings(keysFirst)

	stateFirst, err := store.FeatureStateForBot(mustOnlyBot(t, store).ID)
	require.NoError(t, err)

	// Simulated restart: a fresh boot service reuses the same durable state.
	again := New(Config{AutotradeEvery: time.Hour, PriceEvery: time.Hour},
		store, rig.streams, rig.svc.buffers, rig.svc.features, rig.svc.engine, sinkBus{})
	require.NoError(t, again.Run(ctx))

	keysSecond := rig.streams.ActiveKeys()
	sort.Strings(keysSecond)
	require.Equal(t, keysFirst, keysSecond, "replay must not add stream keys")

	stateSecond, err := store.FeatureStateForBot(mustOnlyBot(t, store).ID)
	require.NoError(t, err)
	require.Equal(t, stateFirst.ID, stateSecond.ID, "replay must not recreate feature states")

	var trades []storage.TradeRow
	require.NoError(t, store.DB().Find(&trades).Error)
	require.Empty(t, trades)
}

func mustOnlyBot(t *testing.T, store *storage.Store) *trade.Bot {
	t.Helper()
	bots, err := store.ActiveBots()
	require.NoError(t, err)
	require.Len(t, bots, 1)
	return bots[0]
}

// Closed-candle pipeline: one strategy evaluation per closed candle per
// bot, stamped on the bot document.
func TestCandleClosePipelineStampsOnce(t *testing.T) {
	store, err := storage.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	bot := createBot(t, store, "BTC/USDT", "binance")

	rig := newBootRig(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer rig.streams.Stop()
	require.NoError(t, rig.svc.Run(ctx))

	base := time.Unix(1800000000, 0).UTC()
	cu := func(i int, close float64) market.CandleUpdate {
		return market.CandleUpdate{
			ExchangeID: "binance", MarketType: market.TypeSpot, Symbol: "BTC/USDT", Timeframe: "15m",
			Candle: market.Candle{Ts: base.Add(time.Duration(i) * 15 * time.Minute), Close: close, Open: close, High: close, Low: close},
		}
	}

	// First update establishes the boundary, second closes candle 0.
	rig.svc.handleCandleUpdate(ctx, cu(0, 100))
	rig.svc.handleCandleUpdate(ctx, cu(1, 101))

	loaded, err := store.BotByID(bot.ID)
	require.NoError(t, err)
	firstStamp := loaded.LastCandleTs
	require.False(t, firstStamp.IsZero(), "closed candle must stamp the bot")

	// Replaying the same forming candle must not re-process.
	rig.svc.handleCandleUpdate(ctx, cu(1, 101.5))
	loaded, _ = store.BotByID(bot.ID)
	require.Equal(t, firstStamp, loaded.LastCandleTs)

	// Next close advances the stamp.
	rig.svc.handleCandleUpdate(ctx, cu(2, 102))
	loaded, _ = store.BotByID(bot.ID)
	require.True(t, loaded.LastCandleTs.After(firstStamp))
}
