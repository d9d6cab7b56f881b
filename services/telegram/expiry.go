package telegram

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/notify"
)

const expiryBatch = 20

// RunExpirySweeper walks expired bots roughly once a minute, asks the AI
// collaborator whether to close or extend each, and applies the decision.
// The claim is an atomic expiryHandledAt stamp, so concurrent sweepers
// never double-handle a bot.
func (o *Orchestrator) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepEvery)
	defer ticker.Stop()

	o.log.Info("⏰ Expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.SweepExpired(ctx); err != nil {
				o.log.WithError(err).Error("expiry sweep failed")
			}
		}
	}
}

// SweepExpired handles one batch of expired bots; exported so boot and
// tests can trigger a pass directly.
func (o *Orchestrator) SweepExpired(ctx context.Context) error {
	now := time.Now().UTC()
	bots, err := o.store.ExpiredUnhandled(now, expiryBatch)
	if err != nil {
		return err
	}

	for i := range bots {
		bot := &bots[i]
		claimed, err := o.store.ClaimExpiry(bot.ID, now)
		if err != nil {
			o.log.WithError(err).WithField("bot", bot.ID).Error("expiry claim failed")
			continue
		}
		if !claimed {
			continue
		}
		o.handleExpired(ctx, bot)
	}
	return nil
}

func (o *Orchestrator) handleExpired(ctx context.Context, bot *storage.TelegramBot) {
	price := 0.0
	key := market.TickerKey(bot.ExchangeID, market.Type(bot.MarketType), bot.Symbol)
	if t, ok := o.prices.Latest(key); ok {
		price = t.Last
	}

	decision, err := o.ai.DecideExpiry(ctx, bot, price)
	if err != nil {
		o.log.WithError(err).WithField("bot", bot.ID).Warn("expiry analysis failed, closing")
		decision = ExpiryDecision{Action: "close", Reason: "analysis_error"}
	}

	record := map[string]any{"action": decision.Action, "reason": decision.Reason}

	if decision.Action == "update" {
		o.applyExpiryUpdate(bot, decision, record)
		return
	}
	o.applyExpiryClose(bot, record)
}

// applyExpiryClose expires the bot and cancels every remaining item. No
// positions are touched; the bot's running workflow, if any, is cancelled
// and awaited.
func (o *Orchestrator) applyExpiryClose(bot *storage.TelegramBot, record map[string]any) {
	if err := o.store.RecordExpiryDecision(bot.ID, record, storage.TGStatusExpired); err != nil {
		o.log.WithError(err).WithField("bot", bot.ID).Error("failed expiring bot")
		return
	}
	for _, kind := range []string{storage.ItemKindEntry, storage.ItemKindSL} {
		_ = o.store.CancelTelegramItems(bot.ID, kind, []string{storage.ItemStatusActive})
	}
	_ = o.store.CancelTelegramItems(bot.ID, storage.ItemKindTP, []string{storage.ItemStatusPending})

	if o.bus != nil {
		o.bus.EmitToUser(bot.UserID, notify.EventTelegramTradeUpdate, map[string]any{
			"id":     bot.ID,
			"status": storage.TGStatusExpired,
		})
	}
	o.log.WithFields(logrus.Fields{"bot": bot.ID, "symbol": bot.Symbol}).Info("⌛ Telegram bot expired")
	o.cancelWorkflow(bot.ID)
}

// applyExpiryUpdate swaps the SL and/or TP ladder atomically and leaves the
// bot running with its extended plan.
func (o *Orchestrator) applyExpiryUpdate(bot *storage.TelegramBot, decision ExpiryDecision, record map[string]any) {
	cfg := bot.Config

	if decision.NewStopLoss != nil {
		cfg.StopLoss = *decision.NewStopLoss
		if err := o.store.ReplaceStopLoss(bot.ID, bot.UserID, *decision.NewStopLoss); err != nil {
			o.log.WithError(err).WithField("bot", bot.ID).Error("failed replacing stop loss")
			return
		}
	}
	if len(decision.NewTakeProfits) > 0 {
		for i := range decision.NewTakeProfits {
			decision.NewTakeProfits[i].Status = storage.ItemStatusPending
		}
		cfg.TakeProfits = decision.NewTakeProfits
		if err := o.store.ReplaceTakeProfits(bot.ID, bot.UserID, decision.NewTakeProfits); err != nil {
			o.log.WithError(err).WithField("bot", bot.ID).Error("failed replacing take profits")
			return
		}
	}

	if err := o.store.SaveTelegramBotConfig(bot.ID, cfg); err != nil {
		o.log.WithError(err).WithField("bot", bot.ID).Error("failed saving extended config")
		return
	}
	if err := o.store.RecordExpiryDecision(bot.ID, record, ""); err != nil {
		o.log.WithError(err).WithField("bot", bot.ID).Warn("failed recording expiry decision")
	}

	if o.bus != nil {
		o.bus.EmitToUser(bot.UserID, notify.EventTelegramTradeUpdate, map[string]any{
			"id":          bot.ID,
			"status":      bot.Status,
			"stopLoss":    cfg.StopLoss,
			"takeProfits": cfg.TakeProfits,
		})
	}
	o.log.WithFields(logrus.Fields{"bot": bot.ID, "symbol": bot.Symbol}).Info("🔁 Telegram bot extended past expiry")
}
