package spot

import (
	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/services/strategy"
)

const (
	rsiPeriod     = 14
	rsiOversold   = 30.0
	rsiOverbought = 70.0
)

// RsiReversion buys oversold and sells overbought closes. The spot variant
// uses the classic 30/70 bands.
type RsiReversion struct {
	strategy.Base
}

func NewRsiReversion() *RsiReversion { return &RsiReversion{} }

func (s *RsiReversion) Name() string { return "RsiReversion" }

func (s *RsiReversion) Features() []string {
	return []string{"rsi", "rsi_delta"}
}

func (s *RsiReversion) Apply(candles []market.Candle, pos *trade.PositionState) []strategy.Row {
	closes := strategy.Closes(candles)
	rsi := strategy.RSI(closes, rsiPeriod)

	rows := make([]strategy.Row, 0, len(candles))
	for i, c := range candles {
		features := map[string]float64{"rsi": rsi[i]}
		if i > 0 {
			features["rsi_delta"] = rsi[i] - rsi[i-1]
		} else {
			features["rsi_delta"] = rsi[i] // NaN at the head, filtered below
		}
		if !strategy.ValidRow(features) {
			continue
		}

		signal := trade.DecisionWait
		switch {
		case rsi[i] < rsiOversold:
			signal = trade.DecisionBuy
		case rsi[i] > rsiOverbought:
			signal = trade.DecisionSell
		}
		rows = append(rows, strategy.Row{Candle: c, Features: features, Signal: signal})
	}
	return rows
}
