// Package catalog assembles the registry of built-in strategies. Keeping
// assembly out of the strategy package avoids an import cycle with the
// market-specific sets.
package catalog

import (
	"github.com/britej3/signalkey/services/strategy"
	"github.com/britej3/signalkey/services/strategy/futures"
	"github.com/britej3/signalkey/services/strategy/spot"
)

func Default() *strategy.Registry {
	reg := strategy.NewRegistry()

	reg.Register("spot", spot.NewRsiReversion())
	reg.Register("spot", spot.NewBollingerBands())

	reg.Register("future", futures.NewTrendEma())
	reg.Register("future", futures.NewRsiReversion())
	reg.Register("swap", futures.NewTrendEma())
	reg.Register("swap", futures.NewRsiReversion())

	return reg
}
