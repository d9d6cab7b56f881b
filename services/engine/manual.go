package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/notify"
)

// Manual actions. Ownership is always verified; mode is respected.

// Close force-exits the position to IDLE at the given price, crediting
// principal and pnl.
func (e *Engine) Close(ctx context.Context, botID, userID string, price float64) (*trade.Execution, error) {
	lock := e.lockFor(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := e.ownedBot(botID, userID)
	if err != nil {
		return nil, err
	}
	if !bot.Position.Open() {
		return nil, trade.ErrPositionNotFound
	}

	if bot.Mode == trade.ModeReal {
		port, err := e.exchanges.ForUser(ctx, bot.UserID, bot.ExchangeID, bot.MarketType)
		if err != nil {
			return blocked(ReasonAuthError), nil
		}
		order, err := port.CreateOrder(ctx, bot.Symbol, bot.Side.Opposite(), bot.Position.Qty, price)
		if err != nil {
			return blocked(ReasonOrderFailed), nil
		}
		if order.AvgFillPrice > 0 {
			price = order.AvgFillPrice
		}
	}

	realized := bot.Position.RealizedPnl(bot.Side, price, bot.Position.Qty)

	if bot.Mode != trade.ModeReal {
		credit := bot.Position.Qty*bot.Position.AvgPrice + realized
		if _, err := e.debit(bot, bot.MarketType.Canonical(), market.QuoteAsset(bot.Symbol), -credit); err != nil {
			return nil, err
		}
		e.bookWalletPnl(bot, realized)

		if pos, perr := e.store.OpenPositionForBot(bot.ID); perr == nil {
			now := time.Now().UTC()
			pos.Status = "CLOSED"
			pos.ClosedAt = &now
			pos.ExitPrice = price
			pos.FinalPnl = realized
			pos.RealizedPnl += realized
			if serr := e.store.SavePosition(pos); serr != nil {
				e.log.WithError(serr).Warn("failed closing position document")
			}
		}
	}

	exec := &trade.Execution{
		Action:      trade.ActionFlip,
		Side:        bot.Side.Opposite(),
		Price:       price,
		Qty:         bot.Position.Qty,
		Amount:      bot.Position.Qty * bot.Position.AvgPrice,
		RealizedPnl: realized,
		Simulated:   bot.Mode != trade.ModeReal,
	}

	if err := e.store.UpdateBotAfterExecution(bot.ID, trade.SideNone, trade.PositionState{}, realized); err != nil {
		return nil, err
	}
	t := &trade.Trade{
		BotID: bot.ID, UserID: bot.UserID, Symbol: bot.Symbol, Side: exec.Side,
		Price: price, Amount: exec.Amount, Pnl: realized, Mode: bot.Mode, Ts: time.Now().UTC(),
	}
	if err := e.store.InsertTrade(t); err != nil {
		e.log.WithError(err).Warn("failed inserting close trade row")
	}
	if e.bus != nil {
		e.bus.EmitToUser(bot.UserID, notify.EventOperationUpdate, map[string]any{
			"botId": bot.ID, "side": string(exec.Side), "price": price,
			"pnl": realized, "reason": "manual_close",
			"ts": t.Ts.Format(time.RFC3339),
		})
	}
	e.log.WithFields(logrus.Fields{"bot": bot.ID, "pnl": realized}).Info("✅ Position closed manually")
	return exec, nil
}

// Increase performs an explicit DCA step on the current side.
func (e *Engine) Increase(ctx context.Context, botID, userID string, price float64) (*trade.Execution, error) {
	bot, err := e.ownedBot(botID, userID)
	if err != nil {
		return nil, err
	}
	if !bot.Position.Open() {
		return nil, trade.ErrPositionNotFound
	}
	decision := trade.DecisionBuy
	if bot.Side == trade.SideSell {
		decision = trade.DecisionSell
	}
	return e.ProcessSignal(ctx, botID, trade.SignalData{
		Decision:  decision,
		Price:     price,
		Reasoning: "manual_increase",
		IsAlert:   true,
	})
}

// Reverse force-flips to the opposite side, bypassing the profit guard.
func (e *Engine) Reverse(ctx context.Context, botID, userID string, price float64) (*trade.Execution, error) {
	bot, err := e.ownedBot(botID, userID)
	if err != nil {
		return nil, err
	}
	if !bot.Position.Open() {
		return nil, trade.ErrPositionNotFound
	}
	decision := trade.DecisionSell
	if bot.Side == trade.SideSell {
		decision = trade.DecisionBuy
	}
	return e.ProcessSignal(ctx, botID, trade.SignalData{
		Decision:  decision,
		Price:     price,
		Reasoning: "manual_reverse",
		IsAlert:   true,
	})
}

func (e *Engine) ownedBot(botID, userID string) (*trade.Bot, error) {
	bot, err := e.store.BotByID(botID)
	if err != nil {
		return nil, err
	}
	if bot.UserID != userID {
		return nil, trade.ErrNotOwner
	}
	return bot, nil
}

// --- sub-wallet allocation (simulated only) ---------------------------

// AllocateSubWallet moves clamp(global·pct, min, max) from the user's
// global quote balance into the bot's isolated wallet. Called at bot
// creation when the user's wallet policy is enabled.
func (e *Engine) AllocateSubWallet(bot *trade.Bot, policy storage.BotWalletPolicy) error {
	if !policy.Enabled || bot.Mode == trade.ModeReal {
		return nil
	}
	quote := market.QuoteAsset(bot.Symbol)
	canonical := bot.MarketType.Canonical()

	global, err := e.ledger.Available(bot.UserID, canonical, quote)
	if err != nil {
		return err
	}

	allocated := global * policy.PerBotAllocationPct / 100
	if allocated < policy.MinAllocationUSDT {
		allocated = policy.MinAllocationUSDT
	}
	if policy.MaxAllocationUSDT > 0 && allocated > policy.MaxAllocationUSDT {
		allocated = policy.MaxAllocationUSDT
	}
	if allocated > global {
		return fmt.Errorf("%w: allocation %.2f exceeds global balance %.2f",
			trade.ErrInsufficientBalance, allocated, global)
	}

	if _, err := e.ledger.Add(bot.UserID, canonical, quote, -allocated); err != nil {
		return err
	}
	bot.WalletAllocated = allocated
	bot.WalletAvailable = allocated
	if err := e.store.UpdateBotWallet(bot.ID, allocated, allocated, 0); err != nil {
		_, _ = e.ledger.Add(bot.UserID, canonical, quote, allocated)
		return err
	}
	e.log.WithFields(logrus.Fields{"bot": bot.ID, "allocated": allocated}).Info("👛 Sub-wallet allocated")
	return nil
}

// ReleaseSubWallet returns the remaining sub-wallet funds plus booked pnl
// to the global balance; called on bot deletion.
func (e *Engine) ReleaseSubWallet(bot *trade.Bot) error {
	if !bot.HasSubWallet() {
		return nil
	}
	refund := bot.WalletAvailable
	if refund == 0 && bot.WalletRealizedPnl == 0 {
		return nil
	}
	quote := market.QuoteAsset(bot.Symbol)
	if _, err := e.ledger.Add(bot.UserID, bot.MarketType.Canonical(), quote, refund); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"bot": bot.ID, "refund": refund, "realized_pnl": bot.WalletRealizedPnl,
	}).Info("👛 Sub-wallet released to global balance")
	return e.store.UpdateBotWallet(bot.ID, 0, 0, 0)
}
