// Package stream maintains one watch task per unique stream key and fans
// every item out to registered listeners. Subscribing twice to the same key
// shares the underlying task; a reference counter decides when the task
// actually dies.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/infra/exchange"
)

const (
	baseBackoff    = time.Second
	maxBackoff     = 30 * time.Second
	tickerThrottle = 2 * time.Second
)

// Exchanges is the slice of the registry the stream service needs.
type Exchanges interface {
	Public(exchangeID string, marketType market.Type) (exchange.Port, error)
	RecyclePublic(exchangeID string, marketType market.Type)
}

type Listener func(event market.Event)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	refs   int
}

type Service struct {
	exchanges Exchanges
	cache     PriceCache
	log       *logrus.Entry
	clock     func() time.Time

	mu        sync.Mutex
	listeners []Listener
	tasks     map[string]*task
}

type Option func(*Service)

// WithClock overrides the throttle clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func New(exchanges Exchanges, cache PriceCache, opts ...Option) *Service {
	s := &Service{
		exchanges: exchanges,
		cache:     cache,
		log:       logrus.WithField("component", "market_stream"),
		clock:     time.Now,
		tasks:     make(map[string]*task),
	}
	if s.cache == nil {
		s.cache = NewMemoryPriceCache()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// SubscribeTicker is idempotent per key: the first call spawns the watch
// task, later calls only bump the reference count.
func (s *Service) SubscribeTicker(exchangeID string, marketType market.Type, symbol string) string {
	key := market.TickerKey(exchangeID, marketType, symbol)
	s.subscribe(key, func(ctx context.Context) {
		s.tickerLoop(ctx, key, exchangeID, marketType, symbol)
	})
	return key
}

func (s *Service) SubscribeCandles(exchangeID string, marketType market.Type, symbol, timeframe string) string {
	key := market.CandleKey(exchangeID, marketType, symbol, timeframe)
	s.subscribe(key, func(ctx context.Context) {
		s.candleLoop(ctx, key, exchangeID, marketType, symbol, timeframe)
	})
	return key
}

func (s *Service) subscribe(key string, run func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[key]; ok {
		t.refs++
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{}), refs: 1}
	s.tasks[key] = t
	go func() {
		defer close(t.done)
		run(ctx)
	}()
	s.log.WithField("key", key).Info("📡 Stream subscription activated")
}

// Unsubscribe drops one reference; the task is cancelled only when nobody
// holds it anymore. Unknown keys are a no-op.
func (s *Service) Unsubscribe(key string) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.refs--
	if t.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.mu.Unlock()

	t.cancel()
	<-t.done
	s.log.WithField("key", key).Info("🛑 Stream subscription deactivated")
}

func (s *Service) ActiveKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	return keys
}

func (s *Service) Refs(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[key]; ok {
		return t.refs
	}
	return 0
}

// Latest returns the last ticker seen on a key, throttled or not.
func (s *Service) Latest(key string) (market.Ticker, bool) {
	return s.cache.Latest(key)
}

// Stop cancels every task and waits for the loops to unwind.
func (s *Service) Stop() {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for k, t := range s.tasks {
		tasks = append(tasks, t)
		delete(s.tasks, k)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

func (s *Service) notify(event market.Event) {
	s.mu.Lock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

// tickerLoop watches the exchange stream forever, reconnecting with
// exponential backoff. Emission is throttled to one update per 2s per key;
// the cache always keeps the freshest value so pollers never read stale
// prices because of the throttle.
func (s *Service) tickerLoop(ctx context.Context, key, exchangeID string, marketType market.Type, symbol string) {
	backoff := baseBackoff
	var lastEmit time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		port, err := s.exchanges.Public(exchangeID, marketType)
		if err != nil {
			s.log.WithError(err).WithField("key", key).Error("cannot obtain exchange instance")
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		var streamed atomic.Bool
		err = port.WatchTicker(ctx, symbol, func(t market.Ticker) {
			streamed.Store(true)
			s.cache.SetLatest(key, t)

			now := s.clock()
			if !lastEmit.IsZero() && now.Sub(lastEmit) < tickerThrottle {
				return
			}
			lastEmit = now
			s.notify(market.TickerUpdate{
				ExchangeID: exchangeID,
				MarketType: marketType,
				Symbol:     symbol,
				Ticker:     t,
			})
		})
		if ctx.Err() != nil {
			return
		}
		if streamed.Load() {
			backoff = baseBackoff
		}

		s.log.WithError(err).WithField("key", key).Error("ticker stream failed, reconnecting")
		s.exchanges.RecyclePublic(exchangeID, marketType)
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// candleLoop forwards every candle, partial or closed, with no throttling.
// Timestamps regressing below the last seen one are dropped so downstream
// buffers only ever see non-decreasing order.
func (s *Service) candleLoop(ctx context.Context, key, exchangeID string, marketType market.Type, symbol, timeframe string) {
	backoff := baseBackoff
	var lastTs time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		port, err := s.exchanges.Public(exchangeID, marketType)
		if err != nil {
			s.log.WithError(err).WithField("key", key).Error("cannot obtain exchange instance")
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		var streamed atomic.Bool
		err = port.WatchOHLCV(ctx, symbol, timeframe, func(c market.Candle) {
			streamed.Store(true)
			if c.Ts.Before(lastTs) {
				return
			}
			lastTs = c.Ts
			s.notify(market.CandleUpdate{
				ExchangeID: exchangeID,
				MarketType: marketType,
				Symbol:     symbol,
				Timeframe:  timeframe,
				Candle:     c,
			})
		})
		if ctx.Err() != nil {
			return
		}
		if streamed.Load() {
			backoff = baseBackoff
		}

		s.log.WithError(err).WithField("key", key).Error("candle stream failed, reconnecting")
		s.exchanges.RecyclePublic(exchangeID, marketType)
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
