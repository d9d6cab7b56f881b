// Package telegram turns raw channel messages into monitored per-signal
// bots: analyze, validate, snapshot the plan, then drive each bot through
// waiting_entry → active → closed/expired.
package telegram

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/infra/exchange"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/notify"
)

const (
	defaultProximityPct = 0.005
	defaultCriticalPoll = 500 * time.Millisecond
	defaultPassivePoll  = 500 * time.Millisecond
	defaultSweepEvery   = time.Minute
)

type PriceSource interface {
	SubscribeTicker(exchangeID string, marketType market.Type, symbol string) string
	Unsubscribe(key string)
	Latest(key string) (market.Ticker, bool)
}

type Exchanges interface {
	ForUser(ctx context.Context, userID, exchangeID string, marketType market.Type) (exchange.Port, error)
	SymbolSupported(ctx context.Context, exchangeID string, marketType market.Type, symbol string) (bool, error)
}

type Notifier interface {
	EmitToUser(userID, event string, data any)
}

type Config struct {
	ProximityPct float64
	PassivePoll  time.Duration
	CriticalPoll time.Duration
	SweepEvery   time.Duration
}

func (c *Config) fill() {
	if c.ProximityPct <= 0 {
		c.ProximityPct = defaultProximityPct
	}
	if c.PassivePoll <= 0 {
		c.PassivePoll = defaultPassivePoll
	}
	if c.CriticalPoll <= 0 {
		c.CriticalPoll = defaultCriticalPoll
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = defaultSweepEvery
	}
}

type Orchestrator struct {
	cfg       Config
	store     *storage.Store
	prices    PriceSource
	exchanges Exchanges
	bus       Notifier
	ai        Analyzer
	log       *logrus.Entry

	mu        sync.Mutex
	workflows map[string]*workflowHandle
}

type workflowHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, store *storage.Store, prices PriceSource, exchanges Exchanges, bus Notifier, ai Analyzer) *Orchestrator {
	cfg.fill()
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		prices:    prices,
		exchanges: exchanges,
		bus:       bus,
		ai:        ai,
		log:       logrus.WithField("component", "telegram_orchestrator"),
		workflows: make(map[string]*workflowHandle),
	}
}

// Start rehydrates workflows for every live telegram bot; used both at
// boot and after the orchestrator restarts.
func (o *Orchestrator) Start(ctx context.Context) error {
	bots, err := o.store.ActiveTelegramBots()
	if err != nil {
		return err
	}
	for i := range bots {
		o.startWorkflow(ctx, bots[i].ID)
	}
	o.log.WithField("workflows", len(bots)).Info("📬 Telegram orchestrator started")
	return nil
}

// Stop cancels every running workflow and waits for them to unwind.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	handles := make([]*workflowHandle, 0, len(o.workflows))
	for id, h := range o.workflows {
		handles = append(handles, h)
		delete(o.workflows, id)
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
	}
}

// ProcessRawSignal runs the full intake path for one inbound message.
func (o *Orchestrator) ProcessRawSignal(ctx context.Context, userID, source, chatID, rawText string) error {
	cfg, err := o.store.AppConfigFor(userID)
	if err != nil {
		return err
	}

	sig := &storage.SignalRow{
		UserID:  userID,
		Source:  source,
		RawText: rawText,
		Status:  storage.SignalProcessing,
	}
	if err := o.store.InsertSignal(sig); err != nil {
		return err
	}
	o.emitSignal(userID, notify.EventSignalNew, sig.ID, map[string]any{
		"source": source, "status": sig.Status,
	})

	if !cfg.IsAutoEnabled {
		return o.failSignal(userID, sig.ID, storage.SignalCancelled, "Auto-processing disabled by user")
	}

	analyses, err := o.ai.Analyze(ctx, rawText, cfg)
	if err != nil {
		return o.failSignal(userID, sig.ID, storage.SignalFailed, fmt.Sprintf("analysis failed: %v", err))
	}

	for i, analysis := range analyses {
		signalID := sig.ID
		if i > 0 {
			extra := &storage.SignalRow{
				UserID: userID, Source: source, RawText: rawText, Status: storage.SignalProcessing,
			}
			if err := o.store.InsertSignal(extra); err != nil {
				o.log.WithError(err).Warn("failed inserting extra signal row")
				continue
			}
			signalID = extra.ID
		}
		o.handleAnalysis(ctx, userID, source, chatID, signalID, cfg, analysis)
	}
	return nil
}

func (o *Orchestrator) handleAnalysis(ctx context.Context, userID, source, chatID, signalID string, cfg *storage.AppConfig, analysis Analysis) {
	symbol := market.NormalizeSymbol(analysis.Symbol)

	update := map[string]any{
		"symbol":      symbol,
		"market_type": analysis.MarketType,
		"direction":   analysis.Direction,
		"decision":    analysis.Decision,
		"confidence":  analysis.Confidence,
	}

	if !analysis.Approved() {
		update["status"] = storage.SignalRejected
		o.updateAndEmit(userID, signalID, update)
		return
	}
	if !analysis.IsSafe {
		update["status"] = storage.SignalRejectedUnsafe
		o.updateAndEmit(userID, signalID, update)
		return
	}

	// Duplicate guard: one live bot per (user, symbol).
	if dup, err := o.store.HasActiveTelegramBot(userID, symbol); err == nil && dup {
		o.log.WithFields(logrus.Fields{"user": userID, "symbol": symbol}).Info("🚫 Duplicate signal skipped")
		update["status"] = storage.SignalRejected
		update["execution_message"] = fmt.Sprintf("Duplicate trade: %s already has an active operation.", symbol)
		o.updateAndEmit(userID, signalID, update)
		return
	}

	// Per-user cap (0 = unlimited).
	if max := cfg.BotStrategy.MaxActiveTelegramBots; max > 0 {
		if n, err := o.store.CountActiveTelegramBots(userID); err == nil && n >= int64(max) {
			update["status"] = storage.SignalRejected
			update["execution_message"] = fmt.Sprintf("Max active telegram bots reached (%d).", max)
			o.updateAndEmit(userID, signalID, update)
			return
		}
	}

	exchangeID := analysis.Parameters.ExchangeID
	if exchangeID == "" {
		exchangeID = "binance"
	}
	marketType := market.Type(analysis.MarketType)
	if !marketType.IsValid() {
		marketType = market.TypeSpot
	}

	if ok, err := o.exchanges.SymbolSupported(ctx, exchangeID, marketType, symbol); err != nil || !ok {
		update["status"] = storage.SignalRejected
		update["execution_message"] = fmt.Sprintf("Symbol %s not supported on %s (%s)", symbol, exchangeID, marketType)
		o.updateAndEmit(userID, signalID, update)
		return
	}

	bot, err := o.createBot(userID, source, chatID, signalID, cfg, analysis, symbol, exchangeID, marketType)
	if err != nil {
		o.log.WithError(err).Error("failed creating telegram bot")
		update["status"] = storage.SignalFailed
		update["execution_message"] = err.Error()
		o.updateAndEmit(userID, signalID, update)
		return
	}

	update["status"] = storage.SignalExecuting
	update["trade_id"] = bot.ID
	o.updateAndEmit(userID, signalID, update)

	if o.bus != nil {
		o.bus.EmitToUser(userID, notify.EventTelegramTradeNew, o.botPayload(bot))
	}
	o.startWorkflow(ctx, bot.ID)
}

// createBot snapshots the plan and lays down the item rows: one entry, one
// SL, one TP per level with monotonic level index ordered by closeness to
// entry.
func (o *Orchestrator) createBot(userID, source, chatID, signalID string, cfg *storage.AppConfig, analysis Analysis, symbol, exchangeID string, marketType market.Type) (*storage.TelegramBot, error) {
	params := analysis.Parameters

	mode := "simulated"
	if cfg.TradingMode == "live" {
		mode = "real"
	}

	tps := make([]storage.TakeProfitLevel, 0, len(params.TakeProfits))
	for _, tp := range params.TakeProfits {
		if tp.Price <= 0 || tp.Percent <= 0 {
			continue
		}
		// Direction sanity: LONG TPs above entry, SHORT TPs below.
		if params.EntryPrice > 0 {
			if analysis.Direction == "LONG" && tp.Price <= params.EntryPrice {
				continue
			}
			if analysis.Direction == "SHORT" && tp.Price >= params.EntryPrice {
				continue
			}
		}
		tp.Status = storage.ItemStatusPending
		tps = append(tps, tp)
	}
	if params.EntryPrice > 0 {
		sort.Slice(tps, func(i, j int) bool {
			return math.Abs(tps[i].Price-params.EntryPrice) < math.Abs(tps[j].Price-params.EntryPrice)
		})
	}

	bot := &storage.TelegramBot{
		UserID:     userID,
		SignalID:   signalID,
		Source:     source,
		ChatID:     chatID,
		Symbol:     symbol,
		Side:       analysis.Direction,
		MarketType: string(marketType),
		ExchangeID: exchangeID,
		Mode:       mode,
		Status:     storage.TGStatusWaitingEntry,
		Config: storage.TelegramBotConfig{
			EntryPrice:  params.EntryPrice,
			StopLoss:    params.StopLoss,
			TakeProfits: tps,
			Leverage:    params.Leverage,
			Investment:  investmentOrDefault(params.Investment),
		},
	}
	if params.ValidForMinutes > 0 {
		expires := time.Now().UTC().Add(time.Duration(params.ValidForMinutes) * time.Minute)
		bot.ExpiresAt = &expires
	}
	if err := o.store.CreateTelegramBot(bot); err != nil {
		return nil, err
	}

	items := []storage.TelegramTradeItem{
		{BotID: bot.ID, UserID: userID, Kind: storage.ItemKindEntry, Level: 0,
			TargetPrice: params.EntryPrice, Status: storage.ItemStatusActive},
		{BotID: bot.ID, UserID: userID, Kind: storage.ItemKindSL, Level: 0,
			TargetPrice: params.StopLoss, Status: storage.ItemStatusActive},
	}
	for i, tp := range tps {
		items = append(items, storage.TelegramTradeItem{
			BotID: bot.ID, UserID: userID, Kind: storage.ItemKindTP, Level: i + 1,
			TargetPrice: tp.Price, Percent: tp.Percent, Status: storage.ItemStatusPending,
		})
	}
	if err := o.store.ReplaceTelegramItems(bot.ID, items); err != nil {
		return nil, err
	}
	o.log.WithFields(logrus.Fields{
		"bot": bot.ID, "symbol": symbol, "side": bot.Side, "mode": mode, "tps": len(tps),
	}).Info("📨 Telegram bot created")
	return bot, nil
}

func investmentOrDefault(v float64) float64 {
	if v > 0 {
		return v
	}
	return 100
}

func (o *Orchestrator) updateAndEmit(userID, signalID string, update map[string]any) {
	if err := o.store.UpdateSignal(signalID, update); err != nil {
		o.log.WithError(err).WithField("signal", signalID).Warn("failed updating signal")
	}
	o.emitSignal(userID, notify.EventSignalUpdate, signalID, update)
}

func (o *Orchestrator) emitSignal(userID, event, signalID string, data map[string]any) {
	if o.bus == nil {
		return
	}
	payload := map[string]any{"id": signalID, "createdAt": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range data {
		payload[k] = v
	}
	o.bus.EmitToUser(userID, event, payload)
}

func (o *Orchestrator) failSignal(userID, signalID, status, message string) error {
	o.updateAndEmit(userID, signalID, map[string]any{
		"status":            status,
		"execution_message": message,
	})
	return nil
}

func (o *Orchestrator) botPayload(bot *storage.TelegramBot) map[string]any {
	return map[string]any{
		"id":         bot.ID,
		"symbol":     bot.Symbol,
		"side":       bot.Side,
		"marketType": bot.MarketType,
		"exchangeId": bot.ExchangeID,
		"mode":       bot.Mode,
		"status":     bot.Status,
		"config":     bot.Config,
		"createdAt":  bot.CreatedAt.Format(time.RFC3339),
	}
}
