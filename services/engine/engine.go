// Package engine turns signals into position changes. One signal at a time
// per bot (per-bot serializer); signals for different bots run
// concurrently. Simulated and real execution share the same FSM:
//
//	IDLE --BUY--> LONG --BUY--> LONG (DCA)
//	LONG --SELL--> SHORT (FLIP, profit-guarded)
//	and symmetrically for SHORT.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/exchange"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/ledger"
	"github.com/britej3/signalkey/services/notify"
)

// profitGuardThreshold is the unrealized PnL% below which an automatic
// signal may not flip the position.
const profitGuardThreshold = -0.5

// Block reasons surfaced on rejected executions.
const (
	ReasonBotNotActive        = "bot_not_active"
	ReasonUnknownSymbol       = "unknown_symbol"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonProfitGuard         = "profit_guard"
	ReasonAuthError           = "auth_error"
	ReasonOrderFailed         = "order_failed"
)

type Exchanges interface {
	ForUser(ctx context.Context, userID, exchangeID string, marketType market.Type) (exchange.Port, error)
}

type Notifier interface {
	EmitToUser(userID, event string, data any)
	EmitToTopic(topic, event string, data any)
}

// Alerter pushes a best-effort trade message over the orchestrator's
// channel; failures never affect the execution.
type Alerter interface {
	SendTradeAlert(userID string, t *trade.Trade) error
}

type Engine struct {
	store     *storage.Store
	ledger    *ledger.Ledger
	exchanges Exchanges
	bus       Notifier
	alerts    Alerter
	bootstrap Bootstrapper
	log       *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store *storage.Store, ldg *ledger.Ledger, exchanges Exchanges, bus Notifier, alerts Alerter) *Engine {
	return &Engine{
		store:     store,
		ledger:    ldg,
		exchanges: exchanges,
		bus:       bus,
		alerts:    alerts,
		log:       logrus.WithField("component", "execution_engine"),
		locks:     make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(botID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[botID] = l
	}
	return l
}

// ProcessSignal runs the full flow: status check, balance gate, action
// classification, profit guard, execution, persistence, notification.
// Blocked executions return with Blocked=true and touch nothing.
func (e *Engine) ProcessSignal(ctx context.Context, botID string, sig trade.SignalData) (*trade.Execution, error) {
	if !sig.Decision.Actionable() {
		return nil, nil
	}
	if sig.Price <= 0 {
		return nil, fmt.Errorf("invalid signal price %f", sig.Price)
	}

	lock := e.lockFor(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := e.store.BotByID(botID)
	if err != nil {
		return nil, err
	}
	if bot.Status != trade.StatusActive {
		return blocked(ReasonBotNotActive), nil
	}
	if market.IsUnknownSymbol(bot.Symbol) {
		return blocked(ReasonUnknownSymbol), nil
	}

	side := sig.Decision.Side()
	action := bot.Classify(side)

	e.log.WithFields(logrus.Fields{
		"bot":    bot.ID,
		"symbol": bot.Symbol,
		"mode":   strings.ToLower(string(bot.Mode)),
		"action": action,
		"side":   side,
	}).Info("🤖 Engine processing signal")

	// Balance gate.
	if ok, reason, err := e.checkBalance(ctx, bot); err != nil {
		return nil, err
	} else if !ok {
		return blocked(reason), nil
	}

	// Profit guard: automatic signals never flip into a loss.
	if action == trade.ActionFlip && !sig.IsAlert {
		pnl := bot.Position.UnrealizedPnlPercent(bot.Side, sig.Price)
		if pnl < profitGuardThreshold {
			e.log.WithFields(logrus.Fields{
				"bot": bot.ID, "pnl_pct": pnl, "from": bot.Side, "to": side,
			}).Warn("🛡️ Profit guard blocked flip")
			return blocked(ReasonProfitGuard), nil
		}
	}

	var exec *trade.Execution
	switch bot.Mode {
	case trade.ModeReal:
		exec, err = e.executeReal(ctx, bot, action, side, sig.Price)
	default:
		exec, err = e.executeSimulated(bot, action, side, sig.Price)
	}
	if err != nil {
		return nil, err
	}
	if exec.Blocked {
		return exec, nil
	}

	e.persistSignalAudit(bot, sig)
	e.finish(bot, exec)
	return exec, nil
}

func blocked(reason string) *trade.Execution {
	return &trade.Execution{Blocked: true, Reason: reason}
}

// checkBalance routes by mode: simulated reads the virtual ledger (or the
// bot's sub-wallet), real reads the live exchange. A missing real balance
// is a hard fail; the virtual ledger bootstraps itself on first read.
func (e *Engine) checkBalance(ctx context.Context, bot *trade.Bot) (bool, string, error) {
	quote := market.QuoteAsset(bot.Symbol)

	if bot.Mode != trade.ModeReal {
		available := 0.0
		if bot.HasSubWallet() {
			available = bot.WalletAvailable
		} else {
			var err error
			available, err = e.ledger.Available(bot.UserID, bot.MarketType.Canonical(), quote)
			if err != nil {
				return false, "", err
			}
		}
		if available < bot.Amount {
			e.log.WithFields(logrus.Fields{
				"bot": bot.ID, "available": available, "required": bot.Amount,
			}).Warn("❌ [SIM] Insufficient virtual balance")
			return false, ReasonInsufficientBalance, nil
		}
		return true, "", nil
	}

	port, err := e.exchanges.ForUser(ctx, bot.UserID, bot.ExchangeID, bot.MarketType)
	if err != nil {
		e.log.WithError(err).WithField("bot", bot.ID).Error("cannot reach user exchange")
		return false, ReasonAuthError, nil
	}
	balances, err := port.FetchBalance(ctx)
	if err != nil {
		if exchange.KindOf(err) == exchange.KindAuth {
			return false, ReasonAuthError, nil
		}
		return false, "", err
	}
	if balances[quote].Free < bot.Amount {
		e.log.WithFields(logrus.Fields{
			"bot": bot.ID, "available": balances[quote].Free, "required": bot.Amount,
		}).Warn("❌ [REAL] Insufficient exchange balance")
		return false, ReasonInsufficientBalance, nil
	}
	return true, "", nil
}

// persistSignalAudit records the autonomous signal row; audit only, never
// blocks the execution.
func (e *Engine) persistSignalAudit(bot *trade.Bot, sig trade.SignalData) {
	source := "AUTO_" + strings.ToUpper(bot.StrategyName)
	if sig.IsAlert {
		source = "ALERT"
	}
	row := &storage.SignalRow{
		UserID:     bot.UserID,
		BotID:      bot.ID,
		Source:     source,
		RawText:    fmt.Sprintf("Signal %s @ %f", sig.Decision, sig.Price),
		Status:     storage.SignalExecuting,
		Symbol:     bot.Symbol,
		MarketType: string(bot.MarketType),
		Decision:   sig.Decision.String(),
		Confidence: sig.Confidence,
	}
	if err := e.store.InsertSignal(row); err != nil {
		e.log.WithError(err).Warn("failed persisting signal audit row")
	}
}

// finish writes the audit trade, refreshes the bot document and notifies.
func (e *Engine) finish(bot *trade.Bot, exec *trade.Execution) {
	t := &trade.Trade{
		BotID:  bot.ID,
		UserID: bot.UserID,
		Symbol: bot.Symbol,
		Side:   exec.Side,
		Price:  exec.Price,
		Amount: exec.Amount,
		Pnl:    exec.RealizedPnl,
		Mode:   bot.Mode,
		Ts:     time.Now().UTC(),
	}
	if err := e.store.InsertTrade(t); err != nil {
		e.log.WithError(err).WithField("bot", bot.ID).Error("failed inserting trade row")
	}

	if err := e.store.UpdateBotAfterExecution(bot.ID, exec.Side, trade.PositionState{
		Qty: exec.PositionQty, AvgPrice: exec.PositionAvg,
	}, exec.RealizedPnl); err != nil {
		e.log.WithError(err).WithField("bot", bot.ID).Error("failed updating bot after execution")
	}

	if e.bus != nil {
		e.bus.EmitToUser(bot.UserID, notify.EventOperationUpdate, map[string]any{
			"id":     t.ID,
			"botId":  t.BotID,
			"symbol": t.Symbol,
			"side":   string(t.Side),
			"price":  t.Price,
			"amount": t.Amount,
			"pnl":    t.Pnl,
			"mode":   string(t.Mode),
			"ts":     t.Ts.Format(time.RFC3339),
		})
	}
	if e.alerts != nil {
		if err := e.alerts.SendTradeAlert(bot.UserID, t); err != nil {
			e.log.WithError(err).Debug("trade alert delivery failed")
		}
	}
}

// pauseOnInvariantBreach handles fatal accounting states: log with full
// context, pause the bot, emit bot_update, never auto-retry.
func (e *Engine) pauseOnInvariantBreach(bot *trade.Bot, balance float64) {
	e.log.WithFields(logrus.Fields{
		"bot":     bot.ID,
		"user":    bot.UserID,
		"symbol":  bot.Symbol,
		"balance": balance,
		"side":    bot.Side,
		"qty":     bot.Position.Qty,
	}).Error("💥 Invariant breach: negative virtual balance after completed trade, pausing bot")

	if err := e.store.SetBotStatus(bot.ID, trade.StatusPaused); err != nil {
		e.log.WithError(err).Error("failed pausing bot after invariant breach")
	}
	if e.bus != nil {
		e.bus.EmitToUser(bot.UserID, notify.EventBotUpdate, map[string]any{
			"id":     bot.ID,
			"status": string(trade.StatusPaused),
			"reason": "invariant_breach",
		})
	}
}
