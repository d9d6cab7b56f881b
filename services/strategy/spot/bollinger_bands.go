package spot

import (
	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/services/strategy"
)

const (
	bbPeriod = 20
	bbWidth  = 2.0
)

// BollingerBands fades band breaks: a close under the lower band signals
// entry, a close over the upper band signals exit/short.
type BollingerBands struct {
	strategy.Base
}

func NewBollingerBands() *BollingerBands { return &BollingerBands{} }

func (s *BollingerBands) Name() string { return "BollingerBands" }

func (s *BollingerBands) Features() []string {
	return []string{"bb_mid", "bb_upper", "bb_lower", "bb_pos"}
}

func (s *BollingerBands) Apply(candles []market.Candle, pos *trade.PositionState) []strategy.Row {
	closes := strategy.Closes(candles)
	mid := strategy.SMA(closes, bbPeriod)
	dev := strategy.StdDev(closes, bbPeriod)

	rows := make([]strategy.Row, 0, len(candles))
	for i, c := range candles {
		upper := mid[i] + bbWidth*dev[i]
		lower := mid[i] - bbWidth*dev[i]
		span := upper - lower

		bbPos := 0.5
		if span > 0 {
			bbPos = (c.Close - lower) / span
		}
		features := map[string]float64{
			"bb_mid":   mid[i],
			"bb_upper": upper,
			"bb_lower": lower,
			"bb_pos":   bbPos,
		}
		if !strategy.ValidRow(features) {
			continue
		}

		signal := trade.DecisionWait
		switch {
		case c.Close < lower:
			signal = trade.DecisionBuy
		case c.Close > upper:
			signal = trade.DecisionSell
		}
		rows = append(rows, strategy.Row{Candle: c, Features: features, Signal: signal})
	}
	return rows
}
