package futures

import (
	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/services/strategy"
)

const (
	emaFastPeriod = 9
	emaSlowPeriod = 21
)

// TrendEma rides EMA crosses, long and short.
type TrendEma struct {
	strategy.Base
}

func NewTrendEma() *TrendEma { return &TrendEma{} }

func (s *TrendEma) Name() string { return "TrendEma" }

func (s *TrendEma) Features() []string {
	return []string{"ema_fast", "ema_slow", "ema_gap"}
}

func (s *TrendEma) Apply(candles []market.Candle, pos *trade.PositionState) []strategy.Row {
	closes := strategy.Closes(candles)
	fast := strategy.EMA(closes, emaFastPeriod)
	slow := strategy.EMA(closes, emaSlowPeriod)

	rows := make([]strategy.Row, 0, len(candles))
	for i, c := range candles {
		gap := 0.0
		if slow[i] != 0 {
			gap = (fast[i] - slow[i]) / slow[i] * 100
		}
		features := map[string]float64{
			"ema_fast": fast[i],
			"ema_slow": slow[i],
			"ema_gap":  gap,
		}
		if !strategy.ValidRow(features) {
			continue
		}

		signal := trade.DecisionWait
		if i > 0 {
			crossedUp := fast[i] > slow[i] && fast[i-1] <= slow[i-1]
			crossedDown := fast[i] < slow[i] && fast[i-1] >= slow[i-1]
			switch {
			case crossedUp:
				signal = trade.DecisionBuy
			case crossedDown:
				signal = trade.DecisionSell
			}
		}
		rows = append(rows, strategy.Row{Candle: c, Features: features, Signal: signal})
	}
	return rows
}
