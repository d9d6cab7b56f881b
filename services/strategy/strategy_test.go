package strategy

import (
	"math"
	"testing"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
)

type named struct {
	Base
	name string
}

func (n named) Name() string      { return n.name }
func (n named) Features() []string { return nil }
func (n named) Apply(candles []market.Candle, pos *trade.PositionState) []Row {
	return nil
}

func TestRegistryDeterministicOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register("", named{name: "Zeta"})
	reg.Register("", named{name: "Alpha"})
	reg.Register("spot", named{name: "Mid"})

	names := reg.Names(market.TypeSpot)
	expected := []string{"Alpha", "Mid", "Zeta"}
	if len(names) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("order mismatch: expected %v, got %v", expected, names)
		}
	}
}

func TestRegistryMarketSpecificShadowsRoot(t *testing.T) {
	reg := NewRegistry()
	root := named{Base: Base{TickSpikePct: 1}, name: "Dup"}
	specific := named{Base: Base{TickSpikePct: 2}, name: "Dup"}
	reg.Register("", root)
	reg.Register("future", specific)

	got, ok := reg.Get("Dup", market.TypeFutures)
	if !ok || got != Strategy(specific) {
		t.Error("futures lookup must resolve the market-specific strategy first")
	}
	got, ok = reg.Get("Dup", market.TypeSpot)
	if !ok || got != Strategy(root) {
		t.Error("spot lookup should fall back to the root strategy")
	}
	if _, ok := reg.Get("Missing", market.TypeSpot); ok {
		t.Error("unknown strategy must miss")
	}
}

func TestBaseOnPriceTickSpike(t *testing.T) {
	b := Base{}

	if got := b.OnPriceTick(101, nil, TickContext{PrevPrice: 100}); got != trade.DecisionBuy {
		t.Errorf("+1%% spike should BUY, got %v", got)
	}
	if got := b.OnPriceTick(99, nil, TickContext{PrevPrice: 100}); got != trade.DecisionSell {
		t.Errorf("-1%% spike should SELL, got %v", got)
	}
	if got := b.OnPriceTick(100.1, nil, TickContext{PrevPrice: 100}); got != trade.DecisionWait {
		t.Errorf("small move should WAIT, got %v", got)
	}
	// Holding a position suppresses tick entries.
	pos := &trade.PositionState{Qty: 1, AvgPrice: 100}
	if got := b.OnPriceTick(110, pos, TickContext{PrevPrice: 100}); got != trade.DecisionWait {
		t.Errorf("open position must suppress tick signals, got %v", got)
	}
	// Missing context.
	if got := b.OnPriceTick(110, nil, TickContext{}); got != trade.DecisionWait {
		t.Error("no previous price means WAIT")
	}
}

func TestEMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	ema := EMA(values, 3)
	if !math.IsNaN(ema[0]) || !math.IsNaN(ema[1]) {
		t.Error("EMA must be NaN before the seed period")
	}
	if ema[2] != 2 {
		t.Errorf("EMA seed should be SMA(3)=2, got %f", ema[2])
	}
	// k = 0.5: ema[3] = 4*0.5 + 2*0.5 = 3
	if math.Abs(ema[3]-3) > 1e-9 {
		t.Errorf("expected ema[3]=3, got %f", ema[3])
	}
}

func TestRSIBounds(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = float64(i)
	}
	rsi := RSI(up, 14)
	if rsi[29] != 100 {
		t.Errorf("monotonic rise should pin RSI at 100, got %f", rsi[29])
	}

	down := make([]float64, 30)
	for i := range down {
		down[i] = float64(100 - i)
	}
	rsi = RSI(down, 14)
	if rsi[29] != 0 {
		t.Errorf("monotonic fall should pin RSI at 0, got %f", rsi[29])
	}
	if !math.IsNaN(rsi[5]) {
		t.Error("RSI must be NaN before the lookback is filled")
	}
}

func TestSMAAndStdDev(t *testing.T) {
	values := []float64{2, 4, 6, 8}
	sma := SMA(values, 2)
	if !math.IsNaN(sma[0]) || sma[1] != 3 || sma[3] != 7 {
		t.Errorf("unexpected SMA: %v", sma)
	}
	dev := StdDev(values, 2)
	if math.Abs(dev[1]-1) > 1e-9 {
		t.Errorf("stddev of {2,4} should be 1, got %f", dev[1])
	}
}

func TestValidRow(t *testing.T) {
	if ValidRow(map[string]float64{"a": 1, "b": math.NaN()}) {
		t.Error("NaN feature invalidates the row")
	}
	if !ValidRow(map[string]float64{"a": 1, "b": 2}) {
		t.Error("real-valued row should be valid")
	}
}
