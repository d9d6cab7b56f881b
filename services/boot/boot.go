// Package boot rehydrates the runtime after a restart: every ACTIVE bot
// gets its buffer warmed, its streams re-attached and its autotrade loop
// resumed, without duplicate side effects. It also owns the candle-close
// pipeline and the shared price stream.
package boot

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/buffer"
	"github.com/britej3/signalkey/services/engine"
	"github.com/britej3/signalkey/services/features"
	"github.com/britej3/signalkey/services/notify"
	"github.com/britej3/signalkey/services/stream"
)

type Notifier interface {
	EmitToUser(userID, event string, data any)
	EmitToTopic(topic, event string, data any)
}

type Config struct {
	AutotradeEvery time.Duration
	PriceEvery     time.Duration
}

func (c *Config) fill() {
	if c.AutotradeEvery <= 0 {
		c.AutotradeEvery = time.Minute
	}
	if c.PriceEvery <= 0 {
		c.PriceEvery = 5 * time.Second
	}
}

type Service struct {
	cfg      Config
	store    *storage.Store
	streams  *stream.Service
	buffers  *buffer.Service
	features *features.Service
	engine   *engine.Engine
	bus      Notifier
	log      *logrus.Entry

	mu        sync.Mutex
	analyzed  map[string]time.Time // candle key -> last processed candle ts
	wg        sync.WaitGroup
}

func New(cfg Config, store *storage.Store, streams *stream.Service, buffers *buffer.Service, feats *features.Service, eng *engine.Engine, bus Notifier) *Service {
	cfg.fill()
	return &Service{
		cfg:      cfg,
		store:    store,
		streams:  streams,
		buffers:  buffers,
		features: feats,
		engine:   eng,
		bus:      bus,
		log:      logrus.WithField("component", "boot_recovery"),
		analyzed: make(map[string]time.Time),
	}
}

// Run performs recovery and starts the long-lived loops. It returns after
// recovery; loops run until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.streams.AddListener(func(event market.Event) {
		if cu, ok := event.(market.CandleUpdate); ok {
			s.handleCandleUpdate(ctx, cu)
		}
	})

	bots, err := s.store.ActiveBots()
	if err != nil {
		return err
	}

	recovered := 0
	for _, bot := range bots {
		if err := s.recoverBot(ctx, bot); err != nil {
			s.log.WithError(err).WithField("bot", bot.ID).Error("failed recovering bot")
			continue
		}
		recovered++
	}
	s.log.WithField("bots", recovered).Info("✅ Boot recovery finished")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.priceStreamLoop(ctx)
	}()
	return nil
}

// Wait blocks until every loop spawned by Run has unwound.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) recoverBot(ctx context.Context, bot *trade.Bot) error {
	s.log.WithFields(logrus.Fields{
		"bot": bot.ID, "symbol": bot.Symbol, "timeframe": bot.Timeframe, "exchange": bot.ExchangeID,
	}).Info("🟢 Reactivating bot")

	if err := s.buffers.Initialize(ctx, bot.ExchangeID, bot.MarketType, bot.Symbol, bot.Timeframe); err != nil {
		s.log.WithError(err).WithField("bot", bot.ID).Warn("buffer warm-up failed, continuing with live data only")
	}

	s.streams.SubscribeTicker(bot.ExchangeID, bot.MarketType, bot.Symbol)
	s.streams.SubscribeCandles(bot.ExchangeID, bot.MarketType, bot.Symbol, bot.Timeframe)

	// Make sure the bot has a feature state; restarts must not re-bootstrap
	// an existing one.
	if _, err := s.store.FeatureStateForBot(bot.ID); err == storage.ErrNotFound {
		if err := s.features.InitializeForBot(ctx, bot); err != nil {
			s.log.WithError(err).WithField("bot", bot.ID).Warn("feature bootstrap failed")
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.autotradeLoop(ctx, bot.ID)
	}()
	return nil
}

// autotradeLoop periodically evaluates the strategy on the latest closed
// window and forwards actionable decisions to the engine.
func (s *Service) autotradeLoop(ctx context.Context, botID string) {
	ticker := time.NewTicker(s.cfg.AutotradeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bot, err := s.store.BotByID(botID)
		if err != nil {
			s.log.WithError(err).WithField("bot", botID).Info("🔴 Autotrade loop stopped, bot gone")
			return
		}
		if bot.Status != trade.StatusActive {
			s.log.WithField("bot", botID).Info("🔴 Autotrade loop stopped, bot inactive")
			return
		}

		cfg, err := s.store.AppConfigFor(bot.UserID)
		if err == nil && !cfg.IsAutoEnabled {
			s.log.WithFields(logrus.Fields{"bot": botID, "user": bot.UserID}).
				Info("⏸️ Autotrade disabled for user, stopping loop")
			return
		}

		window := s.buffers.Closed(bot.ExchangeID, bot.Symbol, bot.Timeframe)
		if len(window) == 0 {
			continue
		}
		decision, price, err := s.features.Decide(bot, window)
		if err != nil {
			s.log.WithError(err).WithField("bot", botID).Warn("strategy evaluation failed")
			continue
		}
		if !decision.Actionable() {
			continue
		}

		s.log.WithFields(logrus.Fields{"bot": botID, "decision": decision.String()}).Info("🤖 Strategy decision")
		if _, err := s.engine.ProcessSignal(ctx, botID, trade.SignalData{
			Decision:  decision,
			Price:     price,
			Reasoning: "Strategy: " + bot.StrategyName,
		}); err != nil {
			s.log.WithError(err).WithField("bot", botID).Error("signal processing failed")
		}
	}
}

// handleCandleUpdate feeds the buffer and, when a candle closes (a strictly
// newer timestamp arrives), runs the per-bot pipeline exactly once per
// closed candle: feature refresh, strategy evaluation, engine signal.
func (s *Service) handleCandleUpdate(ctx context.Context, cu market.CandleUpdate) {
	s.buffers.Apply(cu.ExchangeID, cu.Symbol, cu.Timeframe, cu.Candle)

	key := cu.Key()
	s.mu.Lock()
	prev, seen := s.analyzed[key]
	if seen && !cu.Candle.Ts.After(prev) {
		s.mu.Unlock()
		return
	}
	s.analyzed[key] = cu.Candle.Ts
	s.mu.Unlock()
	if !seen {
		// First observation of the stream only establishes the boundary.
		return
	}

	bots, err := s.store.ActiveBots()
	if err != nil {
		return
	}
	window := s.buffers.Closed(cu.ExchangeID, cu.Symbol, cu.Timeframe)
	if len(window) == 0 {
		return
	}
	closedTs := window[len(window)-1].Ts

	for _, bot := range bots {
		if bot.Symbol != cu.Symbol || bot.Timeframe != cu.Timeframe {
			continue
		}
		if !closedTs.After(bot.LastCandleTs) {
			continue // already processed this close
		}

		s.log.WithFields(logrus.Fields{"bot": bot.ID, "candle": closedTs}).Info("🕯️ Closed candle detected")
		if err := s.features.UpdateOnCandleClose(ctx, bot, window); err != nil {
			s.log.WithError(err).WithField("bot", bot.ID).Warn("feature update failed")
		}

		decision, price, err := s.features.Decide(bot, window)
		if err == nil && decision.Actionable() {
			if _, err := s.engine.ProcessSignal(ctx, bot.ID, trade.SignalData{
				Decision:  decision,
				Price:     price,
				Reasoning: "Strategy: " + bot.StrategyName,
			}); err != nil {
				s.log.WithError(err).WithField("bot", bot.ID).Error("signal processing failed")
			}
		}
		if err := s.store.SetBotLastCandleTs(bot.ID, closedTs); err != nil {
			s.log.WithError(err).WithField("bot", bot.ID).Warn("failed stamping candle ts")
		}
	}
}

// priceStreamLoop emits a PriceUpdate per bot every few seconds so clients
// see a live price even when the throttled ticker stream is quiet. Bots are
// grouped by (symbol, exchange) so one cache read serves all of them.
func (s *Service) priceStreamLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PriceEvery)
	defer ticker.Stop()
	s.log.Info("📡 Live price stream started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bots, err := s.store.ActiveBots()
		if err != nil || len(bots) == 0 {
			continue
		}

		type groupKey struct{ symbol, exchangeID string }
		groups := make(map[groupKey][]*trade.Bot)
		for _, bot := range bots {
			k := groupKey{bot.Symbol, bot.ExchangeID}
			groups[k] = append(groups[k], bot)
		}

		for k, members := range groups {
			key := market.TickerKey(k.exchangeID, members[0].MarketType, k.symbol)
			t, ok := s.streams.Latest(key)
			if !ok || t.Last <= 0 {
				continue
			}
			ts := time.Now().UTC().Format(time.RFC3339)
			for _, bot := range members {
				payload := map[string]any{
					"botId":      bot.ID,
					"symbol":     bot.Symbol,
					"exchangeId": bot.ExchangeID,
					"marketType": string(bot.MarketType.Canonical()),
					"price":      t.Last,
					"ts":         ts,
				}
				s.bus.EmitToUser(bot.UserID, notify.EventPriceUpdate, payload)
				s.bus.EmitToTopic(notify.PriceTopic(bot.ExchangeID, bot.MarketType, bot.Symbol), notify.EventPriceUpdate, payload)
			}
		}
	}
}
