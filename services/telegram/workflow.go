package telegram

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/notify"
)

// startWorkflow spawns the per-bot monitoring task. Idempotent per bot ID.
func (o *Orchestrator) startWorkflow(ctx context.Context, botID string) {
	o.mu.Lock()
	if _, running := o.workflows[botID]; running {
		o.mu.Unlock()
		return
	}
	wfCtx, cancel := context.WithCancel(context.Background())
	handle := &workflowHandle{cancel: cancel, done: make(chan struct{})}
	o.workflows[botID] = handle
	o.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer func() {
			o.mu.Lock()
			if o.workflows[botID] == handle {
				delete(o.workflows, botID)
			}
			o.mu.Unlock()
		}()
		o.runWorkflow(wfCtx, botID)
	}()
}

func (o *Orchestrator) cancelWorkflow(botID string) {
	o.mu.Lock()
	handle, ok := o.workflows[botID]
	if ok {
		delete(o.workflows, botID)
	}
	o.mu.Unlock()
	if ok {
		handle.cancel()
		<-handle.done
	}
}

// runWorkflow drives one bot: passive wait on the ticker stream until price
// approaches entry, then the ~500ms critical loop until the bot resolves.
func (o *Orchestrator) runWorkflow(ctx context.Context, botID string) {
	bot, err := o.store.TelegramBotByID(botID)
	if err != nil {
		o.log.WithError(err).WithField("bot", botID).Error("workflow cannot load bot")
		return
	}

	key := o.prices.SubscribeTicker(bot.ExchangeID, market.Type(bot.MarketType), bot.Symbol)
	defer o.prices.Unsubscribe(key)

	log := o.log.WithFields(logrus.Fields{"bot": bot.ID, "symbol": bot.Symbol})

	if bot.Status == storage.TGStatusWaitingEntry {
		log.WithField("entry", bot.Config.EntryPrice).Info("📡 Passive watch started")
		if !o.waitForProximity(ctx, key, bot.Config.EntryPrice) {
			return
		}
		log.Info("🎯 Entry zone reached, switching to critical monitoring")
	}

	ticker := time.NewTicker(o.cfg.CriticalPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Reload so sweeper/API mutations are visible to the loop.
		bot, err = o.store.TelegramBotByID(botID)
		if err != nil {
			log.WithError(err).Error("workflow lost its bot")
			return
		}
		if bot.Status != storage.TGStatusWaitingEntry && bot.Status != storage.TGStatusActive {
			log.WithField("status", bot.Status).Info("workflow finished")
			return
		}

		t, ok := o.prices.Latest(key)
		if !ok || t.Last <= 0 {
			continue
		}
		done := o.step(ctx, bot, t.Last)
		if done {
			return
		}
	}
}

// waitForProximity suspends until the price comes within the configured
// threshold of entry. No tight polling: one cheap cache read per passive
// poll interval.
func (o *Orchestrator) waitForProximity(ctx context.Context, key string, target float64) bool {
	if target <= 0 {
		return true
	}
	ticker := time.NewTicker(o.cfg.PassivePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		t, ok := o.prices.Latest(key)
		if !ok || t.Last <= 0 {
			continue
		}
		if math.Abs(t.Last-target)/target <= o.cfg.ProximityPct {
			return true
		}
	}
}

// step applies one price observation: entry trigger, pnl bookkeeping, SL,
// TP ladder. Returns true once the bot reached a terminal state.
func (o *Orchestrator) step(ctx context.Context, bot *storage.TelegramBot, price float64) bool {
	updates := map[string]any{"current_price": price}
	long := bot.Side == "LONG"

	// Entry trigger.
	if bot.Status == storage.TGStatusWaitingEntry {
		entry := bot.Config.EntryPrice
		hit := (long && price >= entry) || (!long && price <= entry)
		if !hit {
			o.persistAndEmit(bot, updates, nil, "")
			return false
		}

		if bot.Mode == "real" {
			if err := o.realOrder(ctx, bot, openSide(long), bot.Config.Investment/price); err != nil {
				o.log.WithError(err).WithField("bot", bot.ID).Error("real entry failed")
				return false
			}
		}
		now := time.Now().UTC()
		bot.Status = storage.TGStatusActive
		bot.ActualEntryPrice = price
		updates["status"] = bot.Status
		updates["actual_entry_price"] = price
		updates["executed_at"] = now
		o.markItems(bot.ID, storage.ItemKindEntry, []string{storage.ItemStatusActive}, storage.ItemStatusHit)
		o.log.WithFields(logrus.Fields{"bot": bot.ID, "price": price}).Info("🚀 Entry filled")
	}

	// Unrealized PnL% against the actual fill.
	actualEntry := bot.ActualEntryPrice
	if actualEntry <= 0 {
		actualEntry = bot.Config.EntryPrice
	}
	pnl := 0.0
	if actualEntry > 0 {
		if long {
			pnl = (price - actualEntry) / actualEntry * 100
		} else {
			pnl = (actualEntry - price) / actualEntry * 100
		}
	}
	bot.Pnl = pnl
	updates["pnl"] = pnl

	// Stop loss.
	sl := bot.Config.StopLoss
	if sl > 0 && ((long && price <= sl) || (!long && price >= sl)) {
		if bot.Mode == "real" {
			qty := bot.Config.Investment / actualEntry
			if err := o.realOrder(ctx, bot, closeSide(long), qty); err != nil {
				o.log.WithError(err).WithField("bot", bot.ID).Error("real stop-loss close failed")
			}
		}
		o.markItems(bot.ID, storage.ItemKindSL, []string{storage.ItemStatusActive}, storage.ItemStatusHit)
		o.cancelPending(bot.ID)
		o.closeBot(bot, updates, price, "stop_loss")
		return true
	}

	// Take-profit ladder.
	tpChanged := false
	allHit := len(bot.Config.TakeProfits) > 0
	for i := range bot.Config.TakeProfits {
		tp := &bot.Config.TakeProfits[i]
		if tp.Status != storage.ItemStatusPending {
			continue
		}
		hit := (long && price >= tp.Price) || (!long && price <= tp.Price)
		if !hit {
			allHit = false
			continue
		}
		if bot.Mode == "real" {
			qty := bot.Config.Investment * tp.Percent / 100 / actualEntry
			if err := o.realOrder(ctx, bot, closeSide(long), qty); err != nil {
				o.log.WithError(err).WithField("bot", bot.ID).Error("real take-profit close failed")
				allHit = false
				continue
			}
		}
		tp.Status = storage.ItemStatusHit
		tpChanged = true
		o.markTPLevel(bot.ID, i+1)
		o.log.WithFields(logrus.Fields{"bot": bot.ID, "tp": tp.Price, "percent": tp.Percent}).Info("💰 Take profit hit")
	}

	var tpSnapshot []storage.TakeProfitLevel
	if tpChanged {
		if err := o.store.SaveTelegramBotConfig(bot.ID, bot.Config); err != nil {
			o.log.WithError(err).WithField("bot", bot.ID).Warn("failed saving tp snapshot")
		}
		tpSnapshot = bot.Config.TakeProfits
		if allHit {
			o.closeBot(bot, updates, price, "all_tps_hit")
			o.persistAndEmit(bot, updates, tpSnapshot, "all_tps_hit")
			return true
		}
	}

	o.persistAndEmit(bot, updates, tpSnapshot, "")
	return false
}

func openSide(long bool) trade.Side {
	if long {
		return trade.SideBuy
	}
	return trade.SideSell
}

func closeSide(long bool) trade.Side {
	if long {
		return trade.SideSell
	}
	return trade.SideBuy
}

func (o *Orchestrator) realOrder(ctx context.Context, bot *storage.TelegramBot, side trade.Side, qty float64) error {
	port, err := o.exchanges.ForUser(ctx, bot.UserID, bot.ExchangeID, market.Type(bot.MarketType))
	if err != nil {
		return err
	}
	_, err = port.CreateOrder(ctx, bot.Symbol, side, qty, 0)
	return err
}

func (o *Orchestrator) closeBot(bot *storage.TelegramBot, updates map[string]any, price float64, reason string) {
	now := time.Now().UTC()
	bot.Status = storage.TGStatusClosed
	updates["status"] = storage.TGStatusClosed
	updates["exit_price"] = price
	updates["exit_reason"] = reason
	updates["closed_at"] = now
	o.log.WithFields(logrus.Fields{"bot": bot.ID, "price": price, "reason": reason}).Info("✅ Telegram trade closed")

	if reason == "stop_loss" {
		o.persistAndEmit(bot, updates, nil, reason)
	}
	if o.bus != nil {
		o.bus.EmitToUser(bot.UserID, notify.EventOperationUpdate, map[string]any{
			"botId":      bot.ID,
			"symbol":     bot.Symbol,
			"side":       bot.Side,
			"exitPrice":  price,
			"exitReason": reason,
			"pnl":        bot.Pnl,
			"mode":       bot.Mode,
			"ts":         now.Format(time.RFC3339),
		})
	}
}

func (o *Orchestrator) persistAndEmit(bot *storage.TelegramBot, updates map[string]any, tps []storage.TakeProfitLevel, exitReason string) {
	if err := o.store.UpdateTelegramBot(bot.ID, updates); err != nil {
		o.log.WithError(err).WithField("bot", bot.ID).Warn("failed persisting workflow update")
	}
	if o.bus == nil {
		return
	}
	payload := map[string]any{
		"id":           bot.ID,
		"status":       bot.Status,
		"currentPrice": updates["current_price"],
		"pnl":          bot.Pnl,
	}
	if tps != nil {
		payload["takeProfits"] = tps
	}
	if exitReason != "" {
		payload["exitReason"] = exitReason
	}
	o.bus.EmitToUser(bot.UserID, notify.EventTelegramTradeUpdate, payload)
}

func (o *Orchestrator) markItems(botID, kind string, from []string, to string) {
	items, err := o.store.TelegramItems(botID)
	if err != nil {
		return
	}
	for _, item := range items {
		if item.Kind != kind {
			continue
		}
		for _, s := range from {
			if item.Status == s {
				now := time.Now().UTC()
				updates := map[string]any{"status": to}
				if to == storage.ItemStatusHit {
					updates["hit_at"] = now
				}
				_ = o.store.UpdateTelegramItem(item.ID, updates)
				break
			}
		}
	}
}

func (o *Orchestrator) markTPLevel(botID string, level int) {
	items, err := o.store.TelegramItems(botID)
	if err != nil {
		return
	}
	for _, item := range items {
		if item.Kind == storage.ItemKindTP && item.Level == level && item.Status == storage.ItemStatusPending {
			now := time.Now().UTC()
			_ = o.store.UpdateTelegramItem(item.ID, map[string]any{
				"status": storage.ItemStatusHit,
				"hit_at": now,
			})
			return
		}
	}
}

func (o *Orchestrator) cancelPending(botID string) {
	_ = o.store.CancelTelegramItems(botID, storage.ItemKindTP, []string{storage.ItemStatusPending})
}
