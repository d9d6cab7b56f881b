package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/exchange"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/ledger"
)

type seeds struct{}

func (seeds) BalanceSeed(userID string, mt market.Canonical) float64 { return 10000 }

type captureBus struct {
	events []string
}

func (c *captureBus) EmitToUser(userID, event string, data any) {
	c.events = append(c.events, event)
}

func (c *captureBus) EmitToTopic(topic, event string, data any) {}

type orderCall struct {
	side trade.Side
	qty  float64
}

type fakeUserPort struct {
	exchange.Port
	balance   float64
	orders    []orderCall
	failOrder int // fail the nth order (1-based), 0 = never
	fillPrice float64
}

func (p *fakeUserPort) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	return map[string]exchange.Balance{"USDT": {Free: p.balance, Total: p.balance}}, nil
}

func (p *fakeUserPort) CreateOrder(ctx context.Context, symbol string, side trade.Side, qty, price float64) (exchange.Order, error) {
	p.orders = append(p.orders, orderCall{side: side, qty: qty})
	if p.failOrder > 0 && len(p.orders) == p.failOrder {
		return exchange.Order{}, &exchange.Error{Kind: exchange.KindMarket, Op: "create_order", Err: errors.New("rejected")}
	}
	fill := p.fillPrice
	if fill <= 0 {
		fill = price
	}
	return exchange.Order{ID: "ord", Symbol: symbol, Side: side, AvgFillPrice: fill, FilledQty: qty}, nil
}

type fakeUserExchanges struct {
	port *fakeUserPort
	err  error
}

func (f *fakeUserExchanges) ForUser(ctx context.Context, userID, exchangeID string, mt market.Type) (exchange.Port, error) {
	return f.port, f.err
}

type testRig struct {
	store  *storage.Store
	ledger *ledger.Ledger
	engine *Engine
	bus    *captureBus
	port   *fakeUserPort
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	store, err := storage.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	bus := &captureBus{}
	ldg := ledger.New(store, seeds{}, bus)
	port := &fakeUserPort{balance: 100000}
	eng := New(store, ldg, &fakeUserExchanges{port: port}, bus, nil)
	return &testRig{store: store, ledger: ldg, engine: eng, bus: bus, port: port}
}

func (r *testRig) newSimBot(t *testing.T, balance float64) *trade.Bot {
	t.Helper()
	bot := &trade.Bot{
		UserID: "u1", Name: "bot", Symbol: "BTC/USDT", Timeframe: "15m",
		MarketType: market.TypeSpot, ExchangeID: "binance", StrategyName: "RsiReversion",
		Mode: trade.ModeSimulated, Status: trade.StatusActive, Amount: 100,
	}
	require.NoError(t, r.store.CreateBot(bot))
	require.NoError(t, r.ledger.Set("u1", market.CanonicalCEX, "USDT", balance))
	return bot
}

func (r *testRig) balance(t *testing.T) float64 {
	t.Helper()
	amount, err := r.ledger.Available("u1", market.CanonicalCEX, "USDT")
	require.NoError(t, err)
	return amount
}

func buy(price float64) trade.SignalData {
	return trade.SignalData{Decision: trade.DecisionBuy, Price: price}
}

func sell(price float64) trade.SignalData {
	return trade.SignalData{Decision: trade.DecisionSell, Price: price}
}

// S1 — accumulation then flip, simulated.
func TestAccumulationThenFlip(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	ctx := context.Background()

	// OPEN long at 100.
	exec, err := rig.engine.ProcessSignal(ctx, bot.ID, buy(100))
	require.NoError(t, err)
	require.Equal(t, trade.ActionOpen, exec.Action)
	require.InDelta(t, 1.0, exec.PositionQty, 1e-9)
	require.InDelta(t, 100.0, exec.PositionAvg, 1e-9)
	require.InDelta(t, 900, rig.balance(t), 1e-6)

	// DCA at 90.
	exec, err = rig.engine.ProcessSignal(ctx, bot.ID, buy(90))
	require.NoError(t, err)
	require.Equal(t, trade.ActionDCA, exec.Action)
	require.InDelta(t, 2.1111, exec.PositionQty, 1e-3)
	require.InDelta(t, 94.7368, exec.PositionAvg, 1e-3)
	require.InDelta(t, 800, rig.balance(t), 1e-6)

	// FLIP to short at 110: close long (realized ≈ 32.22), open short.
	exec, err = rig.engine.ProcessSignal(ctx, bot.ID, sell(110))
	require.NoError(t, err)
	require.Equal(t, trade.ActionFlip, exec.Action)
	require.Equal(t, trade.SideSell, exec.Side)
	require.InDelta(t, 32.22, exec.RealizedPnl, 0.01)
	require.InDelta(t, 100.0/110.0, exec.PositionQty, 1e-6)
	require.InDelta(t, 110, exec.PositionAvg, 1e-9)

	// Ledger: 800 + (200 + 32.22) - 100 = 932.22.
	require.InDelta(t, 932.22, rig.balance(t), 0.01)

	// Bot document reflects the short.
	loaded, err := rig.store.BotByID(bot.ID)
	require.NoError(t, err)
	require.Equal(t, trade.SideSell, loaded.Side)
	require.InDelta(t, 100.0/110.0, loaded.Position.Qty, 1e-6)
	require.InDelta(t, 32.22, loaded.TotalPnl, 0.01)

	// Audit trail: three trades in execution order.
	trades, err := rig.store.TradesForBot(bot.ID)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	require.Equal(t, "BUY", trades[0].Side)
	require.Equal(t, "BUY", trades[1].Side)
	require.Equal(t, "SELL", trades[2].Side)

	// Old position closed, one fresh OPEN short remains.
	open, err := rig.store.OpenPositionForBot(bot.ID)
	require.NoError(t, err)
	require.Equal(t, "SELL", open.Side)
}

// S2 — profit guard blocks automatic losing flips, alerts bypass it.
func TestProfitGuard(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	ctx := context.Background()

	_, err := rig.engine.ProcessSignal(ctx, bot.ID, buy(100))
	require.NoError(t, err)
	balanceBefore := rig.balance(t)
	tradesBefore, _ := rig.store.TradesForBot(bot.ID)

	// SELL at 95: -5% unrealized, automatic → blocked.
	exec, err := rig.engine.ProcessSignal(ctx, bot.ID, sell(95))
	require.NoError(t, err)
	require.True(t, exec.Blocked)
	require.Equal(t, ReasonProfitGuard, exec.Reason)

	// Nothing moved.
	require.InDelta(t, balanceBefore, rig.balance(t), 1e-9)
	tradesAfter, _ := rig.store.TradesForBot(bot.ID)
	require.Len(t, tradesAfter, len(tradesBefore))
	loaded, _ := rig.store.BotByID(bot.ID)
	require.Equal(t, trade.SideBuy, loaded.Side)

	// Same signal as an alert executes the flip.
	exec, err = rig.engine.ProcessSignal(ctx, bot.ID, trade.SignalData{
		Decision: trade.DecisionSell, Price: 95, IsAlert: true,
	})
	require.NoError(t, err)
	require.False(t, exec.Blocked)
	require.Equal(t, trade.ActionFlip, exec.Action)
	require.InDelta(t, -5, exec.RealizedPnl, 1e-9)
}

func TestProfitGuardSymmetricForShorts(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	ctx := context.Background()

	_, err := rig.engine.ProcessSignal(ctx, bot.ID, sell(100))
	require.NoError(t, err)

	// Short losing at 101 (+1% against): automatic BUY flip blocked.
	exec, err := rig.engine.ProcessSignal(ctx, bot.ID, buy(101))
	require.NoError(t, err)
	require.True(t, exec.Blocked)
	require.Equal(t, ReasonProfitGuard, exec.Reason)

	// Profitable short flip passes.
	exec, err = rig.engine.ProcessSignal(ctx, bot.ID, buy(95))
	require.NoError(t, err)
	require.False(t, exec.Blocked)
}

func TestBalanceGate(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 50) // below the bot amount
	ctx := context.Background()

	exec, err := rig.engine.ProcessSignal(ctx, bot.ID, buy(100))
	require.NoError(t, err)
	require.True(t, exec.Blocked)
	require.Equal(t, ReasonInsufficientBalance, exec.Reason)

	trades, _ := rig.store.TradesForBot(bot.ID)
	require.Empty(t, trades)
}

func TestInactiveBotRejected(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	require.NoError(t, rig.store.SetBotStatus(bot.ID, trade.StatusPaused))

	exec, err := rig.engine.ProcessSignal(context.Background(), bot.ID, buy(100))
	require.NoError(t, err)
	require.True(t, exec.Blocked)
	require.Equal(t, ReasonBotNotActive, exec.Reason)
}

func TestUnknownSymbolRefused(t *testing.T) {
	rig := newRig(t)
	bot := &trade.Bot{
		UserID: "u1", Symbol: market.NormalizeSymbol("GIBBERISH"), Timeframe: "15m",
		MarketType: market.TypeSpot, ExchangeID: "binance",
		Mode: trade.ModeSimulated, Status: trade.StatusActive, Amount: 100,
	}
	require.NoError(t, rig.store.CreateBot(bot))

	exec, err := rig.engine.ProcessSignal(context.Background(), bot.ID, buy(100))
	require.NoError(t, err)
	require.True(t, exec.Blocked)
	require.Equal(t, ReasonUnknownSymbol, exec.Reason)
}

func TestWaitSignalIsNoop(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)

	exec, err := rig.engine.ProcessSignal(context.Background(), bot.ID, trade.SignalData{
		Decision: trade.DecisionWait, Price: 100,
	})
	require.NoError(t, err)
	require.Nil(t, exec)
}

func TestRealFlipSubmitsTwoOrders(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	bot.Mode = trade.ModeReal
	bot.Side = trade.SideBuy
	bot.Position = trade.PositionState{Qty: 2, AvgPrice: 100}
	require.NoError(t, rig.store.SaveBot(bot))

	exec, err := rig.engine.ProcessSignal(context.Background(), bot.ID, sell(110))
	require.NoError(t, err)
	require.False(t, exec.Blocked)
	require.Len(t, rig.port.orders, 2)

	// Closing half first: SELL the held 2 units, then the opening SELL.
	require.Equal(t, trade.SideSell, rig.port.orders[0].side)
	require.InDelta(t, 2.0, rig.port.orders[0].qty, 1e-9)
	require.Equal(t, trade.SideSell, rig.port.orders[1].side)
	require.InDelta(t, 20.0, exec.RealizedPnl, 1e-9) // (110-100)*2
}

func TestRealFlipAbortsWhenCloseFails(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	bot.Mode = trade.ModeReal
	bot.Side = trade.SideBuy
	bot.Position = trade.PositionState{Qty: 2, AvgPrice: 100}
	require.NoError(t, rig.store.SaveBot(bot))
	rig.port.failOrder = 1

	exec, err := rig.engine.ProcessSignal(context.Background(), bot.ID, sell(110))
	require.NoError(t, err)
	require.True(t, exec.Blocked)
	require.Equal(t, ReasonOrderFailed, exec.Reason)
	require.Len(t, rig.port.orders, 1, "second half must not run after a failed close")

	trades, _ := rig.store.TradesForBot(bot.ID)
	require.Empty(t, trades, "no audit row for an aborted flip")
}

func TestManualCloseAndOwnership(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	ctx := context.Background()

	_, err := rig.engine.ProcessSignal(ctx, bot.ID, buy(100))
	require.NoError(t, err)

	_, err = rig.engine.Close(ctx, bot.ID, "intruder", 105)
	require.ErrorIs(t, err, trade.ErrNotOwner)

	exec, err := rig.engine.Close(ctx, bot.ID, "u1", 105)
	require.NoError(t, err)
	require.InDelta(t, 5, exec.RealizedPnl, 1e-9)

	loaded, _ := rig.store.BotByID(bot.ID)
	require.Equal(t, trade.SideNone, loaded.Side)
	require.Zero(t, loaded.Position.Qty)
	// 900 + 100 principal + 5 pnl
	require.InDelta(t, 1005, rig.balance(t), 1e-6)
}

func TestReverseBypassesGuard(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	ctx := context.Background()

	_, err := rig.engine.ProcessSignal(ctx, bot.ID, buy(100))
	require.NoError(t, err)

	exec, err := rig.engine.Reverse(ctx, bot.ID, "u1", 90) // -10%, way past the guard
	require.NoError(t, err)
	require.False(t, exec.Blocked)
	require.Equal(t, trade.ActionFlip, exec.Action)
	require.Equal(t, trade.SideSell, exec.Side)
}

func TestSubWalletAllocationAndSpend(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	ctx := context.Background()

	policy := storage.BotWalletPolicy{
		Enabled:             true,
		PerBotAllocationPct: 20,
		MinAllocationUSDT:   50,
		MaxAllocationUSDT:   300,
	}
	require.NoError(t, rig.engine.AllocateSubWallet(bot, policy))
	require.InDelta(t, 200, bot.WalletAllocated, 1e-9) // 20% of 1000
	require.InDelta(t, 800, rig.balance(t), 1e-6)

	// Spending hits the sub-wallet, not the global balance.
	_, err := rig.engine.ProcessSignal(ctx, bot.ID, buy(100))
	require.NoError(t, err)
	require.InDelta(t, 800, rig.balance(t), 1e-6)

	loaded, _ := rig.store.BotByID(bot.ID)
	require.InDelta(t, 100, loaded.WalletAvailable, 1e-9)

	// Flip credits principal + pnl into the wallet, then spends on the short.
	exec, err := rig.engine.ProcessSignal(ctx, bot.ID, trade.SignalData{
		Decision: trade.DecisionSell, Price: 110, IsAlert: true,
	})
	require.NoError(t, err)
	require.False(t, exec.Blocked)

	loaded, _ = rig.store.BotByID(bot.ID)
	require.InDelta(t, 10, loaded.WalletRealizedPnl, 1e-6)
	// 100 + (100 principal + 10 pnl) - 100 short open
	require.InDelta(t, 110, loaded.WalletAvailable, 1e-6)

	// Close the short, then exhaust the wallet to hit the gate.
	_, err = rig.engine.Close(ctx, bot.ID, "u1", 110)
	require.NoError(t, err)
	loaded, _ = rig.store.BotByID(bot.ID)
	loaded.WalletAvailable = 20
	require.NoError(t, rig.store.SaveBot(loaded))

	blockedExec, err := rig.engine.ProcessSignal(ctx, bot.ID, buy(100))
	require.NoError(t, err)
	require.True(t, blockedExec.Blocked)
	require.Equal(t, ReasonInsufficientBalance, blockedExec.Reason)

	// Release returns the wallet to the global pool.
	loaded, _ = rig.store.BotByID(bot.ID)
	require.NoError(t, rig.engine.ReleaseSubWallet(loaded))
	require.InDelta(t, 820, rig.balance(t), 1e-6)
}

func TestSignalAuditRowWritten(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)

	_, err := rig.engine.ProcessSignal(context.Background(), bot.ID, buy(100))
	require.NoError(t, err)

	var rows []storage.SignalRow
	require.NoError(t, rig.store.DB().Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, "AUTO_RSIREVERSION", rows[0].Source)
	require.Equal(t, "BUY", rows[0].Decision)
}

func TestCreateBotEnforcesLimits(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	require.NoError(t, rig.store.SaveAppConfig(&storage.AppConfig{
		UserID: "u1", IsAutoEnabled: true, TradingMode: "demo",
		InvestmentLimits: storage.InvestmentLimits{CexMaxAmount: 150, DexMaxAmount: 50},
		BotStrategy:      storage.BotStrategyConfig{MaxActiveBots: 1},
	}))

	over := &trade.Bot{
		UserID: "u1", Symbol: "BTC/USDT", Timeframe: "15m", MarketType: market.TypeSpot,
		ExchangeID: "binance", StrategyName: "RsiReversion",
		Mode: trade.ModeSimulated, Amount: 500,
	}
	require.ErrorIs(t, rig.engine.CreateBot(ctx, over), trade.ErrInvalidAmount)

	ok := &trade.Bot{
		UserID: "u1", Symbol: "btc-usdt", Timeframe: "15m", MarketType: market.TypeSpot,
		ExchangeID: "binance", StrategyName: "RsiReversion",
		Mode: trade.ModeSimulated, Amount: 100,
	}
	require.NoError(t, rig.engine.CreateBot(ctx, ok))
	require.Equal(t, "BTC/USDT", ok.Symbol, "symbol must be normalized on creation")
	require.Equal(t, trade.StatusActive, ok.Status)

	second := &trade.Bot{
		UserID: "u1", Symbol: "ETH/USDT", Timeframe: "15m", MarketType: market.TypeSpot,
		ExchangeID: "binance", StrategyName: "RsiReversion",
		Mode: trade.ModeSimulated, Amount: 100,
	}
	require.ErrorIs(t, rig.engine.CreateBot(ctx, second), trade.ErrMaxBotsReached)
}

func TestDeleteBotCascadesAndReleasesWallet(t *testing.T) {
	rig := newRig(t)
	bot := rig.newSimBot(t, 1000)
	ctx := context.Background()

	require.NoError(t, rig.engine.AllocateSubWallet(bot, storage.BotWalletPolicy{
		Enabled: true, PerBotAllocationPct: 10, MinAllocationUSDT: 50, MaxAllocationUSDT: 200,
	}))
	require.InDelta(t, 900, rig.balance(t), 1e-6)

	require.ErrorIs(t, rig.engine.DeleteBot(ctx, bot.ID, "someone-else"), trade.ErrNotOwner)

	require.NoError(t, rig.engine.DeleteBot(ctx, bot.ID, "u1"))
	_, err := rig.store.BotByID(bot.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.InDelta(t, 1000, rig.balance(t), 1e-6, "sub-wallet funds return on deletion")
}
