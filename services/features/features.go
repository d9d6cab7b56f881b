// Package features persists the per-bot strategy feature snapshot: the
// ordered feature list, the latest vector, and the tail window of candles
// with their computed features. Bootstrap happens at bot creation from REST
// history; afterwards every closed candle refreshes the state document.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/exchange"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/pkg/retry"
	"github.com/britej3/signalkey/services/strategy"
)

const (
	bootstrapCandles = 200
	windowSize       = 120
)

// Extra model inputs appended after the strategy's own features; order is
// part of the trained-model contract.
var runtimeFeatures = []string{"in_position", "current_pnl"}

type Store interface {
	UpsertFeatureState(state *storage.BotFeatureState) error
	FeatureStateForBot(botID string) (*storage.BotFeatureState, error)
	UpsertFeatureHistory(rows []storage.BotFeatureHistory) (int, error)
}

type Exchanges interface {
	Public(exchangeID string, marketType market.Type) (exchange.Port, error)
}

type Service struct {
	store     Store
	exchanges Exchanges
	registry  *strategy.Registry
	log       *logrus.Entry
}

func New(store Store, exchanges Exchanges, registry *strategy.Registry) *Service {
	return &Service{
		store:     store,
		exchanges: exchanges,
		registry:  registry,
		log:       logrus.WithField("component", "feature_store"),
	}
}

// InitializeForBot bootstraps the feature state from public REST history.
// Any failure still leaves an empty state document behind so runtime
// candle-close updates can fill it later.
func (s *Service) InitializeForBot(ctx context.Context, bot *trade.Bot) error {
	strat, ok := s.registry.Get(bot.StrategyName, bot.MarketType)
	if !ok {
		s.upsertEmpty(bot)
		return fmt.Errorf("%w: %s", trade.ErrUnknownStrategy, bot.StrategyName)
	}

	candles, err := s.fetchHistory(ctx, bot)
	if err != nil {
		s.upsertEmpty(bot)
		return fmt.Errorf("feature bootstrap for bot %s: %w", bot.ID, err)
	}
	if len(candles) == 0 {
		s.upsertEmpty(bot)
		return fmt.Errorf("feature bootstrap for bot %s: empty history", bot.ID)
	}

	rows := strat.Apply(candles, &trade.PositionState{})
	if len(rows) == 0 {
		s.upsertEmpty(bot)
		return fmt.Errorf("feature bootstrap for bot %s: no valid feature rows", bot.ID)
	}

	names, window, latest := s.buildWindow(strat, rows, &trade.PositionState{})
	state := s.stateFor(bot)
	state.Features = names
	state.LatestFeatures = latest
	state.WindowCandles = window
	state.LastCandleTs = window[len(window)-1].Candle.Ts
	state.FeatureRows = len(rows)
	state.InitializedAt = time.Now().UTC()

	if err := s.store.UpsertFeatureState(state); err != nil {
		return err
	}

	history := make([]storage.BotFeatureHistory, 0, len(window))
	for _, wc := range window {
		history = append(history, storage.BotFeatureHistory{
			BotID:    bot.ID,
			CandleTs: wc.Candle.Ts,
			Candle:   wc.Candle,
			Features: wc.Features,
		})
	}
	written, err := s.store.UpsertFeatureHistory(history)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"bot":      bot.ID,
		"strategy": bot.StrategyName,
		"rows":     len(rows),
		"history":  written,
	}).Info("🧠 Feature state initialized")
	return nil
}

// UpdateOnCandleClose recomputes features over the supplied closed-candle
// window and refreshes the state document. The history collection is left
// to the backfill pass.
func (s *Service) UpdateOnCandleClose(ctx context.Context, bot *trade.Bot, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	strat, ok := s.registry.Get(bot.StrategyName, bot.MarketType)
	if !ok {
		return fmt.Errorf("%w: %s", trade.ErrUnknownStrategy, bot.StrategyName)
	}

	rows := strat.Apply(candles, &bot.Position)
	if len(rows) == 0 {
		return nil
	}

	names, window, latest := s.buildWindow(strat, rows, &bot.Position)
	state := s.stateFor(bot)
	state.Features = names
	state.LatestFeatures = latest
	state.WindowCandles = window
	state.LastCandleTs = window[len(window)-1].Candle.Ts
	state.FeatureRows = len(rows)
	return s.store.UpsertFeatureState(state)
}

// Decide evaluates the strategy over a closed-candle window and returns the
// decision on the last closed candle.
func (s *Service) Decide(bot *trade.Bot, candles []market.Candle) (trade.Decision, float64, error) {
	strat, ok := s.registry.Get(bot.StrategyName, bot.MarketType)
	if !ok {
		return trade.DecisionWait, 0, fmt.Errorf("%w: %s", trade.ErrUnknownStrategy, bot.StrategyName)
	}
	rows := strat.Apply(candles, &bot.Position)
	if len(rows) == 0 {
		return trade.DecisionWait, 0, nil
	}
	last := rows[len(rows)-1]
	return last.Signal, last.Candle.Close, nil
}

func (s *Service) fetchHistory(ctx context.Context, bot *trade.Bot) ([]market.Candle, error) {
	port, err := s.exchanges.Public(bot.ExchangeID, bot.MarketType)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, func() ([]market.Candle, error) {
		return port.FetchOHLCV(ctx, bot.Symbol, bot.Timeframe, bootstrapCandles)
	}, retry.WithRetryableFn(func(err error) bool {
		return exchange.KindOf(err) == exchange.KindNetwork || exchange.KindOf(err) == exchange.KindRateLimit
	}))
}

func (s *Service) buildWindow(strat strategy.Strategy, rows []strategy.Row, pos *trade.PositionState) ([]string, []storage.WindowCandle, map[string]float64) {
	names := append(append([]string(nil), strat.Features()...), runtimeFeatures...)

	inPosition := 0.0
	if pos != nil && pos.Qty > 0 {
		inPosition = 1.0
	}

	if len(rows) > windowSize {
		rows = rows[len(rows)-windowSize:]
	}
	window := make([]storage.WindowCandle, 0, len(rows))
	for _, row := range rows {
		features := make(map[string]float64, len(row.Features)+2)
		for k, v := range row.Features {
			features[k] = v
		}
		features["in_position"] = inPosition
		features["current_pnl"] = 0.0
		window = append(window, storage.WindowCandle{Candle: row.Candle, Features: features})
	}
	latest := window[len(window)-1].Features
	return names, window, latest
}

func (s *Service) stateFor(bot *trade.Bot) *storage.BotFeatureState {
	state, err := s.store.FeatureStateForBot(bot.ID)
	if err != nil || state == nil {
		state = &storage.BotFeatureState{BotID: bot.ID}
	}
	state.UserID = bot.UserID
	state.StrategyName = bot.StrategyName
	state.Symbol = bot.Symbol
	state.ExchangeID = bot.ExchangeID
	state.Timeframe = bot.Timeframe
	state.MarketType = string(bot.MarketType.Canonical())
	return state
}

func (s *Service) upsertEmpty(bot *trade.Bot) {
	state := s.stateFor(bot)
	state.Features = []string{}
	state.LatestFeatures = map[string]float64{}
	state.WindowCandles = []storage.WindowCandle{}
	state.InitializedAt = time.Now().UTC()
	if err := s.store.UpsertFeatureState(state); err != nil {
		s.log.WithError(err).WithField("bot", bot.ID).Error("failed writing empty feature state")
	}
}
