package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/infra/exchange"
)

// scriptedPort feeds handler callbacks from channels, mimicking a live
// exchange stream.
type scriptedPort struct {
	exchange.Port
	tickers chan market.Ticker
	candles chan market.Candle
	fails   int32 // number of times WatchX fails immediately before streaming
}

func (p *scriptedPort) WatchTicker(ctx context.Context, symbol string, h func(market.Ticker)) error {
	if atomic.AddInt32(&p.fails, -1) >= 0 {
		return errors.New("connection reset")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-p.tickers:
			if !ok {
				return errors.New("stream closed")
			}
			h(t)
		}
	}
}

func (p *scriptedPort) WatchOHLCV(ctx context.Context, symbol, timeframe string, h func(market.Candle)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-p.candles:
			if !ok {
				return errors.New("stream closed")
			}
			h(c)
		}
	}
}

func (p *scriptedPort) Close() error { return nil }

type fakeExchanges struct {
	mu       sync.Mutex
	port     *scriptedPort
	recycled int
}

func (f *fakeExchanges) Public(exchangeID string, mt market.Type) (exchange.Port, error) {
	return f.port, nil
}

func (f *fakeExchanges) RecyclePublic(exchangeID string, mt market.Type) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycled++
}

type eventSink struct {
	mu     sync.Mutex
	events []market.Event
}

func (s *eventSink) listener(e market.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, s.count())
}

func newScripted(fails int32) *scriptedPort {
	return &scriptedPort{
		tickers: make(chan market.Ticker, 16),
		candles: make(chan market.Candle, 16),
		fails:   fails,
	}
}

func TestSubscribeTickerDeduplicates(t *testing.T) {
	port := newScripted(0)
	svc := New(&fakeExchanges{port: port}, nil)
	defer svc.Stop()

	key1 := svc.SubscribeTicker("binance", market.TypeSpot, "BTC/USDT")
	key2 := svc.SubscribeTicker("Binance", market.TypeCEX, "BTC/USDT")
	if key1 != key2 {
		t.Fatalf("keys should collapse: %s vs %s", key1, key2)
	}
	if got := len(svc.ActiveKeys()); got != 1 {
		t.Fatalf("expected exactly 1 task, got %d", got)
	}
	if svc.Refs(key1) != 2 {
		t.Fatalf("expected refcount 2, got %d", svc.Refs(key1))
	}

	// First unsubscribe leaves the task alive.
	svc.Unsubscribe(key1)
	if len(svc.ActiveKeys()) != 1 || svc.Refs(key1) != 1 {
		t.Fatal("task must survive while one subscriber remains")
	}

	// Second cancels it.
	svc.Unsubscribe(key1)
	if len(svc.ActiveKeys()) != 0 {
		t.Fatal("task must be cancelled when the last subscriber leaves")
	}

	// Idempotent on unknown keys.
	svc.Unsubscribe(key1)
}

func TestTickerThrottleExactWindow(t *testing.T) {
	port := newScripted(0)
	now := time.Unix(1000, 0)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	svc := New(&fakeExchanges{port: port}, nil, WithClock(clock))
	defer svc.Stop()
	sink := &eventSink{}
	svc.AddListener(sink.listener)

	key := svc.SubscribeTicker("binance", market.TypeSpot, "BTC/USDT")

	port.tickers <- market.Ticker{Last: 100, Ts: now}
	sink.waitFor(t, 1)

	// 1.9s later: dropped by the throttle but cached.
	advance(1900 * time.Millisecond)
	port.tickers <- market.Ticker{Last: 101, Ts: now}
	time.Sleep(50 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("event at +1.9s must be dropped, got %d events", sink.count())
	}
	if latest, ok := svc.Latest(key); !ok || latest.Last != 101 {
		t.Fatalf("cache must keep the dropped value, got %v %v", latest, ok)
	}

	// 2.0s after the first emit: passes.
	advance(100 * time.Millisecond)
	port.tickers <- market.Ticker{Last: 102, Ts: now}
	sink.waitFor(t, 2)
}

func TestTickerReconnectsAfterFailure(t *testing.T) {
	port := newScripted(1) // first WatchTicker call fails
	fx := &fakeExchanges{port: port}
	svc := New(fx, nil)
	defer svc.Stop()
	sink := &eventSink{}
	svc.AddListener(sink.listener)

	svc.SubscribeTicker("binance", market.TypeSpot, "BTC/USDT")

	// After the 1s backoff the loop reconnects and streams.
	port.tickers <- market.Ticker{Last: 100, Ts: time.Now()}
	sink.waitFor(t, 1)

	fx.mu.Lock()
	recycled := fx.recycled
	fx.mu.Unlock()
	if recycled == 0 {
		t.Error("failed stream should recycle the exchange handle")
	}
}

func TestCandleOrderingDropsRegressions(t *testing.T) {
	port := newScripted(0)
	svc := New(&fakeExchanges{port: port}, nil)
	defer svc.Stop()
	sink := &eventSink{}
	svc.AddListener(sink.listener)

	svc.SubscribeCandles("binance", market.TypeSpot, "BTC/USDT", "15m")

	t0 := time.Unix(1700000000, 0).UTC()
	port.candles <- market.Candle{Ts: t0, Close: 1}
	port.candles <- market.Candle{Ts: t0.Add(15 * time.Minute), Close: 2}
	port.candles <- market.Candle{Ts: t0, Close: 3} // regression: dropped
	port.candles <- market.Candle{Ts: t0.Add(15 * time.Minute), Close: 4} // same ts: delivered

	sink.waitFor(t, 3)
	time.Sleep(50 * time.Millisecond)
	if sink.count() != 3 {
		t.Fatalf("expected 3 delivered candles, got %d", sink.count())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var lastTs time.Time
	for _, e := range sink.events {
		cu, ok := e.(market.CandleUpdate)
		if !ok {
			t.Fatalf("unexpected event type %T", e)
		}
		if cu.Candle.Ts.Before(lastTs) {
			t.Fatal("candle timestamps must be non-decreasing")
		}
		lastTs = cu.Candle.Ts
	}
}

func TestStopCancelsEverything(t *testing.T) {
	port := newScripted(0)
	svc := New(&fakeExchanges{port: port}, nil)

	svc.SubscribeTicker("binance", market.TypeSpot, "BTC/USDT")
	svc.SubscribeCandles("binance", market.TypeSpot, "ETH/USDT", "1m")

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unwind the stream loops")
	}
	if len(svc.ActiveKeys()) != 0 {
		t.Fatal("no tasks may survive Stop")
	}
}

func TestMemoryPriceCache(t *testing.T) {
	c := NewMemoryPriceCache()
	if _, ok := c.Latest("x"); ok {
		t.Fatal("empty cache should miss")
	}
	c.SetLatest("x", market.Ticker{Last: 5})
	if got, ok := c.Latest("x"); !ok || got.Last != 5 {
		t.Fatal("cache should return stored ticker")
	}
}
