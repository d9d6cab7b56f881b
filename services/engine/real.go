package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/trade"
)

// executeReal submits market orders against the user's exchange instance.
// A FLIP is two orders: the closing one first, then the opening one; a
// failure in either half aborts with a blocked result, leaving the ledger
// untouched (real balances live on the exchange).
func (e *Engine) executeReal(ctx context.Context, bot *trade.Bot, action trade.Action, side trade.Side, price float64) (*trade.Execution, error) {
	port, err := e.exchanges.ForUser(ctx, bot.UserID, bot.ExchangeID, bot.MarketType)
	if err != nil {
		return blocked(ReasonAuthError), nil
	}

	amount := bot.Amount
	exec := &trade.Execution{
		Action: action,
		Side:   side,
		Price:  price,
		Amount: amount,
	}

	prevQty, prevAvg := bot.Position.Qty, bot.Position.AvgPrice

	if action == trade.ActionFlip && prevQty > 0 {
		closeSide := bot.Side.Opposite()
		e.log.WithFields(logrus.Fields{
			"bot": bot.ID, "symbol": bot.Symbol, "qty": prevQty, "side": closeSide,
		}).Info("🔄 REAL FLIP: closing current position")

		closeOrder, err := port.CreateOrder(ctx, bot.Symbol, closeSide, prevQty, price)
		if err != nil {
			e.log.WithError(err).WithField("bot", bot.ID).Error("flip close order failed")
			return blocked(ReasonOrderFailed), nil
		}
		closePx := closeOrder.AvgFillPrice
		if closePx <= 0 {
			closePx = price
		}
		exec.RealizedPnl = bot.Position.RealizedPnl(bot.Side, closePx, prevQty)
		prevQty, prevAvg = 0, 0
	}

	openOrder, err := port.CreateOrder(ctx, bot.Symbol, side, amount/price, price)
	if err != nil {
		e.log.WithError(err).WithField("bot", bot.ID).Error("open order failed")
		return blocked(ReasonOrderFailed), nil
	}

	fillPrice := openOrder.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	fillQty := openOrder.FilledQty
	if fillQty <= 0 {
		fillQty = amount / price
	}

	finalQty, finalAvg := fillQty, fillPrice
	if action == trade.ActionDCA {
		totalCost := prevQty*prevAvg + fillQty*fillPrice
		finalQty = prevQty + fillQty
		if finalQty > 0 {
			finalAvg = totalCost / finalQty
		}
	}

	exec.Price = fillPrice
	exec.Qty = fillQty
	exec.PositionQty = finalQty
	exec.PositionAvg = finalAvg
	exec.Roi = trade.PositionState{Qty: finalQty, AvgPrice: finalAvg}.UnrealizedPnlPercent(side, fillPrice)
	return exec, nil
}
