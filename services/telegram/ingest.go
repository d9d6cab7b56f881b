package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/trade"
)

// Ingest bridges a Telegram bot account into the orchestrator: whitelisted
// chats feed raw messages in, and trade alerts go back out best-effort.
type Ingest struct {
	bot  *tgbotapi.BotAPI
	orch *Orchestrator
	log  *logrus.Entry

	mu    sync.RWMutex
	allow map[int64]string // chatID -> userID
}

func NewIngest(token string, orch *Orchestrator) (*Ingest, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Ingest{
		bot:   bot,
		orch:  orch,
		log:   logrus.WithField("component", "telegram_ingest"),
		allow: make(map[int64]string),
	}, nil
}

// Allow whitelists a chat for a user. Built at startup from each user's
// telegramChannels.allow list.
func (i *Ingest) Allow(chatID int64, userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.allow[chatID] = userID
}

func (i *Ingest) userFor(chatID int64) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	userID, ok := i.allow[chatID]
	return userID, ok
}

// Run consumes the update channel until the context ends. Messages from
// non-whitelisted chats are dropped silently.
func (i *Ingest) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := i.bot.GetUpdatesChan(cfg)
	i.log.WithField("bot", i.bot.Self.UserName).Info("✉️ Telegram ingest started")

	for {
		select {
		case <-ctx.Done():
			i.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			chatID := update.Message.Chat.ID
			userID, allowed := i.userFor(chatID)
			if !allowed {
				i.log.WithField("chat", chatID).Debug("message from non-whitelisted chat dropped")
				continue
			}
			source := "telegram_" + strconv.FormatInt(chatID, 10)
			if err := i.orch.ProcessRawSignal(ctx, userID, source, strconv.FormatInt(chatID, 10), update.Message.Text); err != nil {
				i.log.WithError(err).WithField("chat", chatID).Error("failed processing inbound signal")
			}
		}
	}
}

// SendTradeAlert satisfies the engine's Alerter: best effort, one message
// per whitelisted chat of the user.
func (i *Ingest) SendTradeAlert(userID string, t *trade.Trade) error {
	i.mu.RLock()
	chats := make([]int64, 0, 1)
	for chatID, uid := range i.allow {
		if uid == userID {
			chats = append(chats, chatID)
		}
	}
	i.mu.RUnlock()

	text := fmt.Sprintf("%s %s %.6f @ %.4f (pnl %.2f)", t.Side, t.Symbol, t.Amount, t.Price, t.Pnl)
	var lastErr error
	for _, chatID := range chats {
		if _, err := i.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
