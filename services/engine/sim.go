package engine

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/storage"
)

// executeSimulated runs the paper path: ledger debit/credit plus canonical
// position bookkeeping. Side effects are compensated on partial failure so
// the ledger never drifts from the position store.
func (e *Engine) executeSimulated(bot *trade.Bot, action trade.Action, side trade.Side, price float64) (*trade.Execution, error) {
	amount := bot.Amount
	qty := amount / price
	quote := market.QuoteAsset(bot.Symbol)
	canonical := bot.MarketType.Canonical()

	exec := &trade.Execution{
		Action:    action,
		Side:      side,
		Price:     price,
		Qty:       qty,
		Amount:    amount,
		Simulated: true,
	}

	pos, err := e.store.OpenPositionForBot(bot.ID)
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}

	// FLIP closes the old position first and credits principal + pnl back.
	if action == trade.ActionFlip && pos != nil {
		realized := bot.Position.RealizedPnl(bot.Side, price, pos.CurrentQty)
		credit := pos.CurrentQty*pos.AvgEntryPrice + realized

		if _, err := e.debit(bot, canonical, quote, -credit); err != nil {
			return nil, err
		}
		e.bookWalletPnl(bot, realized)
		e.log.WithFields(logrus.Fields{
			"bot": bot.ID, "credit": credit, "pnl": realized,
		}).Info("💵 [SIM FLIP] Capital returned to balance")

		now := time.Now().UTC()
		pos.Status = "CLOSED"
		pos.ClosedAt = &now
		pos.FinalPnl = realized
		pos.ExitPrice = price
		pos.RealizedPnl += realized
		if err := e.store.SavePosition(pos); err != nil {
			// Compensate the credit so ledger and positions stay consistent.
			_, _ = e.debit(bot, canonical, quote, credit)
			return nil, fmt.Errorf("closing position on flip: %w", err)
		}
		exec.RealizedPnl = realized
		pos = nil
	}

	// OPEN / DCA / the opening half of a FLIP: debit and average in.
	balance, err := e.debit(bot, canonical, quote, amount)
	if err != nil {
		return nil, err
	}

	if pos == nil {
		pos = &storage.Position{
			BotID:  bot.ID,
			UserID: bot.UserID,
			Symbol: bot.Symbol,
			Side:   string(side),
			Status: "OPEN",
		}
	}
	prevQty, prevAvg := pos.CurrentQty, pos.AvgEntryPrice
	newQty := prevQty + qty
	newAvg := price
	if newQty > 0 {
		newAvg = (prevQty*prevAvg + amount) / newQty
	}
	pos.CurrentQty = newQty
	pos.AvgEntryPrice = newAvg
	pos.InvestedAmount = prevQty*prevAvg + amount
	pos.TotalTrades++
	pos.Roi = trade.PositionState{Qty: newQty, AvgPrice: newAvg}.UnrealizedPnlPercent(side, price)

	if err := e.store.SavePosition(pos); err != nil {
		_, _ = e.debit(bot, canonical, quote, -amount)
		return nil, fmt.Errorf("saving position: %w", err)
	}

	exec.PositionQty = newQty
	exec.PositionAvg = newAvg
	exec.Roi = pos.Roi

	// A completed trade must never leave the global ledger negative; the
	// gate upstream guarantees it, so a negative here is a breach.
	if !bot.HasSubWallet() && balance < 0 {
		e.pauseOnInvariantBreach(bot, balance)
	}
	return exec, nil
}

// debit moves quote funds out of the bot's spending pool (positive amount =
// spend, negative = credit back) and returns the remaining pool balance.
func (e *Engine) debit(bot *trade.Bot, canonical market.Canonical, quote string, amount float64) (float64, error) {
	if bot.HasSubWallet() {
		bot.WalletAvailable -= amount
		if err := e.store.UpdateBotWallet(bot.ID, bot.WalletAllocated, bot.WalletAvailable, bot.WalletRealizedPnl); err != nil {
			return bot.WalletAvailable, err
		}
		return bot.WalletAvailable, nil
	}
	return e.ledger.Add(bot.UserID, canonical, quote, -amount)
}

// bookWalletPnl accumulates realized pnl on the bot's sub-wallet, where the
// funds stay until the bot is deleted.
func (e *Engine) bookWalletPnl(bot *trade.Bot, realized float64) {
	if !bot.HasSubWallet() || realized == 0 {
		return
	}
	bot.WalletRealizedPnl += realized
	if err := e.store.UpdateBotWallet(bot.ID, bot.WalletAllocated, bot.WalletAvailable, bot.WalletRealizedPnl); err != nil {
		e.log.WithError(err).WithField("bot", bot.ID).Warn("failed booking wallet pnl")
	}
}
