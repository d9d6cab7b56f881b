package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/services/notify"
)

// Bootstrapper prepares the feature state for a freshly created bot.
type Bootstrapper interface {
	InitializeForBot(ctx context.Context, bot *trade.Bot) error
}

// SetFeatureBootstrapper wires the feature store in after construction;
// optional, bot creation works without it.
func (e *Engine) SetFeatureBootstrapper(b Bootstrapper) {
	e.bootstrap = b
}

// CreateBot validates the request against the user's limits, persists the
// bot, carves out its sub-wallet when the policy asks for one, and kicks
// off the feature bootstrap.
func (e *Engine) CreateBot(ctx context.Context, bot *trade.Bot) error {
	bot.Symbol = market.NormalizeSymbol(bot.Symbol)
	if err := bot.Validate(); err != nil {
		return err
	}

	cfg, err := e.store.AppConfigFor(bot.UserID)
	if err != nil {
		return err
	}

	limit := cfg.InvestmentLimits.CexMaxAmount
	if bot.MarketType.Canonical() == market.CanonicalDEX {
		limit = cfg.InvestmentLimits.DexMaxAmount
	}
	if limit > 0 && bot.Amount > limit {
		return fmt.Errorf("%w: %.2f exceeds the %.2f limit", trade.ErrInvalidAmount, bot.Amount, limit)
	}

	if max := cfg.BotStrategy.MaxActiveBots; max > 0 {
		n, err := e.store.CountActiveBots(bot.UserID)
		if err != nil {
			return err
		}
		if n >= int64(max) {
			return trade.ErrMaxBotsReached
		}
	}

	if bot.Status == "" {
		bot.Status = trade.StatusActive
	}
	if err := e.store.CreateBot(bot); err != nil {
		return err
	}

	if err := e.AllocateSubWallet(bot, cfg.BotWalletPolicy); err != nil {
		// The bot exists but cannot trade against an unfunded wallet; undo.
		if derr := e.store.DeleteBotCascade(bot.ID); derr != nil {
			e.log.WithError(derr).WithField("bot", bot.ID).Error("failed rolling back bot after allocation failure")
		}
		return err
	}

	if e.bootstrap != nil {
		if err := e.bootstrap.InitializeForBot(ctx, bot); err != nil {
			e.log.WithError(err).WithField("bot", bot.ID).Warn("feature bootstrap failed, runtime updates will fill it")
		}
	}

	if e.bus != nil {
		e.bus.EmitToUser(bot.UserID, notify.EventBotCreated, map[string]any{
			"id":       bot.ID,
			"symbol":   bot.Symbol,
			"strategy": bot.StrategyName,
			"mode":     string(bot.Mode),
			"amount":   bot.Amount,
		})
	}
	e.log.WithFields(logrus.Fields{"bot": bot.ID, "symbol": bot.Symbol, "user": bot.UserID}).Info("🤖 Bot created")
	return nil
}

// DeleteBot removes the bot and everything that references it, returning
// sub-wallet funds to the user's global balance first.
func (e *Engine) DeleteBot(ctx context.Context, botID, userID string) error {
	lock := e.lockFor(botID)
	lock.Lock()
	defer lock.Unlock()

	bot, err := e.ownedBot(botID, userID)
	if err != nil {
		return err
	}
	if err := e.ReleaseSubWallet(bot); err != nil {
		return err
	}
	if err := e.store.DeleteBotCascade(botID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.locks, botID)
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.EmitToUser(userID, notify.EventBotDeleted, map[string]any{"id": botID})
	}
	e.log.WithFields(logrus.Fields{"bot": botID, "user": userID}).Info("🗑️ Bot deleted")
	return nil
}
