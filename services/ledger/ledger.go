// Package ledger is the canonical store of simulated funds. Every mutation
// lands on exactly one (user, canonical market, asset) row and emits a
// balance_update on the user's channel. The execution engine is the only
// runtime writer.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/services/notify"
)

type BalanceStore interface {
	BalanceAmount(userID string, mt market.Canonical, asset string) (decimal.Decimal, bool, error)
	SetBalance(userID string, mt market.Canonical, asset string, amount decimal.Decimal) (decimal.Decimal, error)
	AddBalance(userID string, mt market.Canonical, asset string, delta decimal.Decimal) (decimal.Decimal, error)
}

// SeedSource provides the first-read bootstrap amount per user and market
// (the app-config virtualBalances seeds).
type SeedSource interface {
	BalanceSeed(userID string, mt market.Canonical) float64
}

type Notifier interface {
	EmitToUser(userID, event string, data any)
}

type Ledger struct {
	store BalanceStore
	seeds SeedSource
	bus   Notifier
	log   *logrus.Entry
}

func New(store BalanceStore, seeds SeedSource, bus Notifier) *Ledger {
	return &Ledger{
		store: store,
		seeds: seeds,
		bus:   bus,
		log:   logrus.WithField("component", "virtual_ledger"),
	}
}

// Available returns the spendable amount, bootstrapping the row from the
// user's configured seed the first time it is read.
func (l *Ledger) Available(userID string, mt market.Canonical, asset string) (float64, error) {
	amount, found, err := l.store.BalanceAmount(userID, mt, asset)
	if err != nil {
		return 0, err
	}
	if found {
		f, _ := amount.Float64()
		return f, nil
	}

	seed := 10000.0
	if l.seeds != nil {
		seed = l.seeds.BalanceSeed(userID, mt)
	}
	stored, err := l.store.SetBalance(userID, mt, asset, decimal.NewFromFloat(seed))
	if err != nil {
		return 0, err
	}
	l.log.WithFields(logrus.Fields{"user": userID, "market": mt, "asset": asset, "seed": seed}).
		Info("💰 Virtual balance bootstrapped")
	l.emit(userID, mt, asset, stored)
	f, _ := stored.Float64()
	return f, nil
}

// Set writes an absolute amount.
func (l *Ledger) Set(userID string, mt market.Canonical, asset string, amount float64) error {
	stored, err := l.store.SetBalance(userID, mt, asset, decimal.NewFromFloat(amount))
	if err != nil {
		return err
	}
	l.emit(userID, mt, asset, stored)
	return nil
}

// Add applies a relative delta; negative results are legal mid-trade, the
// engine's gates keep completed trades non-negative.
func (l *Ledger) Add(userID string, mt market.Canonical, asset string, delta float64) (float64, error) {
	amount, err := l.store.AddBalance(userID, mt, asset, decimal.NewFromFloat(delta))
	if err != nil {
		return 0, err
	}
	l.emit(userID, mt, asset, amount)
	f, _ := amount.Float64()
	return f, nil
}

func (l *Ledger) emit(userID string, mt market.Canonical, asset string, amount decimal.Decimal) {
	if l.bus == nil {
		return
	}
	f, _ := amount.Float64()
	l.bus.EmitToUser(userID, notify.EventBalanceUpdate, map[string]any{
		"marketType": string(mt),
		"asset":      asset,
		"amount":     f,
		"updatedAt":  time.Now().UTC().Format(time.RFC3339),
	})
}
