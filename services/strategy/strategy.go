// Package strategy defines the polymorphic strategy contract and the
// registry the classifier pipeline loads them from. Discovery order is
// deterministic (alphabetical by name) because trained models map integer
// class IDs onto positions in that order.
package strategy

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
)

// Row is one candle augmented with its feature vector and the strategy's
// signal for it.
type Row struct {
	Candle   market.Candle
	Features map[string]float64
	Signal   trade.Decision
}

type TickContext struct {
	PrevPrice float64
}

type Strategy interface {
	Name() string
	Features() []string
	Apply(candles []market.Candle, pos *trade.PositionState) []Row
	OnPriceTick(price float64, pos *trade.PositionState, tctx TickContext) trade.Decision
}

// Base supplies the default intra-bar hook: a cheap percentage spike
// detector. Strategies holding a position never flip from a tick.
type Base struct {
	TickSpikePct float64
}

func (b Base) OnPriceTick(price float64, pos *trade.PositionState, tctx TickContext) trade.Decision {
	if price <= 0 || tctx.PrevPrice <= 0 {
		return trade.DecisionWait
	}
	if pos != nil && pos.Qty > 0 {
		return trade.DecisionWait
	}

	spike := b.TickSpikePct
	if spike <= 0 {
		spike = 0.8
	}
	change := (price - tctx.PrevPrice) / tctx.PrevPrice * 100
	if change >= spike {
		return trade.DecisionBuy
	}
	if change <= -spike {
		return trade.DecisionSell
	}
	return trade.DecisionWait
}

// Registry resolves strategies by (marketType, name). Market-specific
// registrations shadow root ones with the same name.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]map[string]Strategy // bucket ("" = root) -> name -> strategy
}

func NewRegistry() *Registry {
	return &Registry{sets: make(map[string]map[string]Strategy)}
}

// Register adds a strategy under a market bucket; bucket "" is the shared
// root set.
func (r *Registry) Register(bucket string, s Strategy) {
	bucket = strings.ToLower(bucket)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sets[bucket] == nil {
		r.sets[bucket] = make(map[string]Strategy)
	}
	r.sets[bucket][s.Name()] = s
}

func (r *Registry) Get(name string, marketType market.Type) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sets[marketType.Bucket()][name]; ok {
		return s, true
	}
	s, ok := r.sets[""][name]
	return s, ok
}

// List returns the strategies visible for a market type in deterministic
// alphabetical order.
func (r *Registry) List(marketType market.Type) []Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(map[string]Strategy)
	for name, s := range r.sets[""] {
		merged[name] = s
	}
	for name, s := range r.sets[marketType.Bucket()] {
		merged[name] = s
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		out = append(out, merged[name])
	}
	return out
}

func (r *Registry) Names(marketType market.Type) []string {
	list := r.List(marketType)
	names := make([]string, 0, len(list))
	for _, s := range list {
		names = append(names, s.Name())
	}
	return names
}

// --- indicator helpers -------------------------------------------------
// Slices are aligned with the input; positions without enough lookback are
// NaN and callers skip those rows.

func Closes(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	out[period-1] = seed

	k := 2.0 / (float64(period) + 1)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = values[i]*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// RSI uses Wilder's smoothing.
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		g, l := 0.0, 0.0
		if delta > 0 {
			g = delta
		} else {
			l = -delta
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func StdDev(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 1 || len(values) < period {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		var mean float64
		for j := i - period + 1; j <= i; j++ {
			mean += values[j]
		}
		mean /= float64(period)
		var variance float64
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - mean
			variance += d * d
		}
		out[i] = math.Sqrt(variance / float64(period))
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// ValidRow reports whether every feature value is a real number.
func ValidRow(features map[string]float64) bool {
	for _, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
