// Package buffer keeps an in-memory rolling window of candles per
// (exchange, symbol, timeframe). Warm-up pulls REST history before any live
// update lands so strategies never start from a cold window.
package buffer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/infra/exchange"
)

const (
	maxCandles  = 500
	warmupLimit = 100
)

type Exchanges interface {
	Public(exchangeID string, marketType market.Type) (exchange.Port, error)
}

type entry struct {
	mu      sync.Mutex
	warmed  bool
	candles []market.Candle
}

type Service struct {
	exchanges Exchanges
	log       *logrus.Entry

	mu      sync.Mutex
	buffers map[string]*entry
}

func New(exchanges Exchanges) *Service {
	return &Service{
		exchanges: exchanges,
		log:       logrus.WithField("component", "data_buffer"),
		buffers:   make(map[string]*entry),
	}
}

func bufferKey(exchangeID, symbol, timeframe string) string {
	return fmt.Sprintf("%s_%s_%s", strings.ToLower(exchangeID), symbol, timeframe)
}

func (s *Service) entryFor(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buffers[key]
	if !ok {
		e = &entry{}
		s.buffers[key] = e
	}
	return e
}

// Initialize warms the buffer from REST history exactly once per key. The
// per-buffer mutex guarantees no live update is applied mid-warm-up.
func (s *Service) Initialize(ctx context.Context, exchangeID string, marketType market.Type, symbol, timeframe string) error {
	key := bufferKey(exchangeID, symbol, timeframe)
	e := s.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warmed && len(e.candles) > 0 {
		return nil
	}

	s.log.WithField("key", key).Info("🔥 Warming candle buffer")
	port, err := s.exchanges.Public(exchangeID, marketType)
	if err != nil {
		return err
	}
	candles, err := port.FetchOHLCV(ctx, symbol, timeframe, warmupLimit)
	if err != nil {
		return fmt.Errorf("buffer warm-up for %s: %w", key, err)
	}
	e.candles = append([]market.Candle(nil), candles...)
	e.warmed = true
	s.log.WithFields(logrus.Fields{"key": key, "candles": len(candles)}).Info("Buffer initialized")
	return nil
}

// Apply merges one incoming candle: newer timestamps append, an equal
// timestamp updates the last candle in place, older timestamps are ignored.
func (s *Service) Apply(exchangeID, symbol, timeframe string, c market.Candle) {
	key := bufferKey(exchangeID, symbol, timeframe)
	e := s.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.candles) == 0 {
		e.candles = append(e.candles, c)
		return
	}

	last := e.candles[len(e.candles)-1]
	switch {
	case c.Ts.After(last.Ts):
		e.candles = append(e.candles, c)
		if len(e.candles) > maxCandles {
			e.candles = e.candles[len(e.candles)-maxCandles:]
		}
	case c.Ts.Equal(last.Ts):
		e.candles[len(e.candles)-1] = c
	default:
		// stale candle, drop
	}
}

// Latest returns a copy of the current window.
func (s *Service) Latest(exchangeID, symbol, timeframe string) []market.Candle {
	key := bufferKey(exchangeID, symbol, timeframe)

	s.mu.Lock()
	e, ok := s.buffers[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]market.Candle, len(e.candles))
	copy(out, e.candles)
	return out
}

// Closed returns the window without the forming candle: everything up to
// and excluding the last entry. Strategies evaluate on closed candles only.
func (s *Service) Closed(exchangeID, symbol, timeframe string) []market.Candle {
	window := s.Latest(exchangeID, symbol, timeframe)
	if len(window) == 0 {
		return nil
	}
	return window[:len(window)-1]
}
