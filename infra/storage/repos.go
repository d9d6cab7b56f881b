package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/domain/trade"
	"github.com/britej3/signalkey/infra/exchange"
)

var ErrNotFound = errors.New("record not found")

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --- users ------------------------------------------------------------

func (s *Store) CreateUser(u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now().UTC()
	return s.db.Create(u).Error
}

func (s *Store) UserByID(id string) (*User, error) {
	var u User
	if err := s.db.First(&u, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

func (s *Store) UserByOpenID(openID string) (*User, error) {
	var u User
	if err := s.db.First(&u, "open_id = ?", openID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &u, nil
}

// --- credentials ------------------------------------------------------

// ActiveCredential satisfies exchange.CredentialSource.
func (s *Store) ActiveCredential(ctx context.Context, userID, exchangeID string) (*exchange.Credential, error) {
	var row UserExchange
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND exchange_id = ? AND active = ?", userID, exchangeID, true).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exchange.ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	return &exchange.Credential{
		APIKey:     row.APIKey,
		Secret:     row.Secret,
		Passphrase: row.Passphrase,
		UID:        row.UID,
	}, nil
}

func (s *Store) SaveCredential(row *UserExchange) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.UpdatedAt = time.Now().UTC()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "exchange_id"}},
		UpdateAll: true,
	}).Create(row).Error
}

// --- app configs ------------------------------------------------------

// AppConfigFor returns the user's config, or the defaults when none is
// stored yet.
func (s *Store) AppConfigFor(userID string) (*AppConfig, error) {
	var cfg AppConfig
	err := s.db.First(&cfg, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return defaultAppConfig(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultAppConfig(userID string) *AppConfig {
	return &AppConfig{
		UserID:        userID,
		IsAutoEnabled: true,
		TradingMode:   "demo",
		InvestmentLimits: InvestmentLimits{
			CexMaxAmount: 100,
			DexMaxAmount: 100,
		},
		BotStrategy: BotStrategyConfig{
			MaxActiveBots:         5,
			MaxActiveTelegramBots: 0,
		},
		VirtualBalances: VirtualBalanceSeeds{Cex: 10000, Dex: 10000},
	}
}

func (s *Store) AllAppConfigs() ([]AppConfig, error) {
	var configs []AppConfig
	err := s.db.Find(&configs).Error
	return configs, err
}

func (s *Store) SaveAppConfig(cfg *AppConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.UpdatedAt = time.Now().UTC()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(cfg).Error
}

// --- bots -------------------------------------------------------------

func botToDomain(row *BotInstance) *trade.Bot {
	return &trade.Bot{
		ID:                row.ID,
		UserID:            row.UserID,
		Name:              row.Name,
		Symbol:            row.Symbol,
		Timeframe:         row.Timeframe,
		MarketType:        market.Type(row.MarketType),
		ExchangeID:        row.ExchangeID,
		StrategyName:      row.StrategyName,
		Mode:              trade.Mode(row.Mode),
		Status:            trade.Status(row.Status),
		Amount:            row.Amount,
		Side:              trade.Side(row.Side),
		Position:          row.Position,
		WalletAllocated:   row.WalletAllocated,
		WalletAvailable:   row.WalletAvailable,
		WalletRealizedPnl: row.WalletRealizedPnl,
		TotalPnl:          row.TotalPnl,
		LastCandleTs:      row.LastCandleTs,
		LastExecution:     row.LastExecution,
		CreatedAt:         row.CreatedAt,
	}
}

func botFromDomain(b *trade.Bot) *BotInstance {
	return &BotInstance{
		ID:                b.ID,
		UserID:            b.UserID,
		Name:              b.Name,
		Symbol:            b.Symbol,
		Timeframe:         b.Timeframe,
		MarketType:        string(b.MarketType),
		ExchangeID:        b.ExchangeID,
		StrategyName:      b.StrategyName,
		Mode:              string(b.Mode),
		Status:            string(b.Status),
		Amount:            b.Amount,
		Side:              string(b.Side),
		Position:          b.Position,
		WalletAllocated:   b.WalletAllocated,
		WalletAvailable:   b.WalletAvailable,
		WalletRealizedPnl: b.WalletRealizedPnl,
		TotalPnl:          b.TotalPnl,
		LastCandleTs:      b.LastCandleTs,
		LastExecution:     b.LastExecution,
		CreatedAt:         b.CreatedAt,
	}
}

func (s *Store) CreateBot(b *trade.Bot) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Side == "" {
		b.Side = trade.SideNone
	}
	b.CreatedAt = time.Now().UTC()
	row := botFromDomain(b)
	row.UpdatedAt = row.CreatedAt
	return s.db.Create(row).Error
}

func (s *Store) BotByID(id string) (*trade.Bot, error) {
	var row BotInstance
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return botToDomain(&row), nil
}

func (s *Store) ActiveBots() ([]*trade.Bot, error) {
	var rows []BotInstance
	if err := s.db.Where("status = ?", string(trade.StatusActive)).Find(&rows).Error; err != nil {
		return nil, err
	}
	bots := make([]*trade.Bot, 0, len(rows))
	for i := range rows {
		bots = append(bots, botToDomain(&rows[i]))
	}
	return bots, nil
}

func (s *Store) CountActiveBots(userID string) (int64, error) {
	var n int64
	err := s.db.Model(&BotInstance{}).
		Where("user_id = ? AND status = ?", userID, string(trade.StatusActive)).
		Count(&n).Error
	return n, err
}

func (s *Store) SaveBot(b *trade.Bot) error {
	row := botFromDomain(b)
	row.UpdatedAt = time.Now().UTC()
	return s.db.Save(row).Error
}

func (s *Store) SetBotStatus(botID string, status trade.Status) error {
	return s.db.Model(&BotInstance{}).Where("id = ?", botID).Updates(map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}).Error
}

func (s *Store) SetBotLastCandleTs(botID string, ts time.Time) error {
	return s.db.Model(&BotInstance{}).Where("id = ?", botID).Updates(map[string]any{
		"last_candle_ts": ts,
		"updated_at":     time.Now().UTC(),
	}).Error
}

// UpdateBotAfterExecution applies the position delta the engine computed:
// side, embedded position snapshot, accumulated pnl, execution stamp. Goes
// through the struct path so the position serializer applies; the engine's
// per-bot serializer makes the read-modify-write safe.
func (s *Store) UpdateBotAfterExecution(botID string, side trade.Side, pos trade.PositionState, pnlDelta float64) error {
	var row BotInstance
	if err := s.db.First(&row, "id = ?", botID).Error; err != nil {
		return wrapNotFound(err)
	}
	now := time.Now().UTC()
	row.Side = string(side)
	row.Position = pos
	row.TotalPnl += pnlDelta
	row.LastExecution = now
	row.UpdatedAt = now
	return s.db.Save(&row).Error
}

func (s *Store) UpdateBotWallet(botID string, allocated, available, realizedPnl float64) error {
	return s.db.Model(&BotInstance{}).Where("id = ?", botID).Updates(map[string]any{
		"wallet_allocated":    allocated,
		"wallet_available":    available,
		"wallet_realized_pnl": realizedPnl,
		"updated_at":          time.Now().UTC(),
	}).Error
}

// DeleteBotCascade removes the bot and everything weakly referencing it:
// positions, trades, feature state and history.
func (s *Store) DeleteBotCascade(botID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Position{}, &TradeRow{}, &BotFeatureState{}, &BotFeatureHistory{}} {
			if err := tx.Where("bot_id = ?", botID).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&BotInstance{}, "id = ?", botID).Error
	})
}

// --- positions --------------------------------------------------------

func (s *Store) OpenPositionForBot(botID string) (*Position, error) {
	var p Position
	err := s.db.Where("bot_id = ? AND status = ?", botID, "OPEN").First(&p).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

func (s *Store) SavePosition(p *Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.OpenedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	return s.db.Save(p).Error
}

// --- trades -----------------------------------------------------------

func (s *Store) InsertTrade(t *trade.Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Ts.IsZero() {
		t.Ts = time.Now().UTC()
	}
	return s.db.Create(&TradeRow{
		ID:     t.ID,
		BotID:  t.BotID,
		UserID: t.UserID,
		Symbol: t.Symbol,
		Side:   string(t.Side),
		Price:  t.Price,
		Amount: t.Amount,
		Pnl:    t.Pnl,
		Mode:   string(t.Mode),
		Ts:     t.Ts,
	}).Error
}

func (s *Store) TradesForBot(botID string) ([]TradeRow, error) {
	var rows []TradeRow
	err := s.db.Where("bot_id = ?", botID).Order("ts asc").Find(&rows).Error
	return rows, err
}

// --- virtual balances -------------------------------------------------

func (s *Store) BalanceAmount(userID string, mt market.Canonical, asset string) (decimal.Decimal, bool, error) {
	var row VirtualBalance
	err := s.db.Where("user_id = ? AND market_type = ? AND asset = ?", userID, string(mt), asset).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return row.Amount, true, nil
}

// SetBalance writes an absolute amount, creating the canonical row when
// missing, and returns the stored amount.
func (s *Store) SetBalance(userID string, mt market.Canonical, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	now := time.Now().UTC()
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "market_type"}, {Name: "asset"}},
		DoUpdates: clause.Assignments(map[string]any{"amount": amount, "updated_at": now}),
	}).Create(&VirtualBalance{
		ID:         uuid.NewString(),
		UserID:     userID,
		MarketType: string(mt),
		Asset:      asset,
		Amount:     amount,
		UpdatedAt:  now,
	}).Error
	return amount, err
}

// AddBalance applies a relative delta atomically (upsert on the unique key)
// and returns the new amount. Negative results are allowed here; the engine
// gates spending before it ever calls this.
func (s *Store) AddBalance(userID string, mt market.Canonical, asset string, delta decimal.Decimal) (decimal.Decimal, error) {
	now := time.Now().UTC()
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "market_type"}, {Name: "asset"}},
		DoUpdates: clause.Assignments(map[string]any{
			"amount":     gorm.Expr("amount + ?", delta),
			"updated_at": now,
		}),
	}).Create(&VirtualBalance{
		ID:         uuid.NewString(),
		UserID:     userID,
		MarketType: string(mt),
		Asset:      asset,
		Amount:     delta,
		UpdatedAt:  now,
	}).Error
	if err != nil {
		return decimal.Zero, err
	}
	amount, _, err := s.BalanceAmount(userID, mt, asset)
	return amount, err
}

// --- feature states ---------------------------------------------------

func (s *Store) UpsertFeatureState(state *BotFeatureState) error {
	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	state.UpdatedAt = time.Now().UTC()
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bot_id"}},
		UpdateAll: true,
	}).Create(state).Error
}

func (s *Store) FeatureStateForBot(botID string) (*BotFeatureState, error) {
	var state BotFeatureState
	if err := s.db.First(&state, "bot_id = ?", botID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &state, nil
}

// UpsertFeatureHistory backfills the append-only history collection; runtime
// candle-close updates never call this.
func (s *Store) UpsertFeatureHistory(rows []BotFeatureHistory) (int, error) {
	written := 0
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = uuid.NewString()
		}
		err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bot_id"}, {Name: "candle_ts"}},
			UpdateAll: true,
		}).Create(&rows[i]).Error
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// --- signals ----------------------------------------------------------

func (s *Store) InsertSignal(sig *SignalRow) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	sig.CreatedAt = time.Now().UTC()
	sig.UpdatedAt = sig.CreatedAt
	return s.db.Create(sig).Error
}

func (s *Store) UpdateSignal(id string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return s.db.Model(&SignalRow{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) SignalByID(id string) (*SignalRow, error) {
	var sig SignalRow
	if err := s.db.First(&sig, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &sig, nil
}

// --- telegram bots ----------------------------------------------------

func (s *Store) CreateTelegramBot(bot *TelegramBot) error {
	if bot.ID == "" {
		bot.ID = uuid.NewString()
	}
	bot.CreatedAt = time.Now().UTC()
	bot.UpdatedAt = bot.CreatedAt
	return s.db.Create(bot).Error
}

func (s *Store) TelegramBotByID(id string) (*TelegramBot, error) {
	var bot TelegramBot
	if err := s.db.First(&bot, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &bot, nil
}

func (s *Store) UpdateTelegramBot(id string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return s.db.Model(&TelegramBot{}).Where("id = ?", id).Updates(updates).Error
}

// SaveTelegramBotConfig rewrites the config snapshot through the struct
// path so the JSON serializer applies.
func (s *Store) SaveTelegramBotConfig(id string, cfg TelegramBotConfig) error {
	var bot TelegramBot
	if err := s.db.First(&bot, "id = ?", id).Error; err != nil {
		return wrapNotFound(err)
	}
	bot.Config = cfg
	bot.UpdatedAt = time.Now().UTC()
	return s.db.Save(&bot).Error
}

func (s *Store) ActiveTelegramBots() ([]TelegramBot, error) {
	var bots []TelegramBot
	err := s.db.Where("status IN ?", []string{TGStatusWaitingEntry, TGStatusActive}).Find(&bots).Error
	return bots, err
}

func (s *Store) CountActiveTelegramBots(userID string) (int64, error) {
	var n int64
	err := s.db.Model(&TelegramBot{}).
		Where("user_id = ? AND status IN ?", userID, []string{TGStatusWaitingEntry, TGStatusActive}).
		Count(&n).Error
	return n, err
}

func (s *Store) HasActiveTelegramBot(userID, symbol string) (bool, error) {
	var n int64
	err := s.db.Model(&TelegramBot{}).
		Where("user_id = ? AND symbol = ? AND status IN ?", userID, symbol,
			[]string{TGStatusWaitingEntry, TGStatusActive}).
		Count(&n).Error
	return n > 0, err
}

// ExpiredUnhandled lists bots past their expiry that no sweeper pass has
// claimed yet, oldest expiry first.
func (s *Store) ExpiredUnhandled(now time.Time, limit int) ([]TelegramBot, error) {
	var bots []TelegramBot
	err := s.db.Where("expires_at IS NOT NULL AND expires_at <= ? AND expiry_handled_at IS NULL AND status IN ?",
		now, []string{TGStatusWaitingEntry, TGStatusActive}).
		Order("expires_at asc").
		Limit(limit).
		Find(&bots).Error
	return bots, err
}

// RecordExpiryDecision stores the AI verdict document on the bot through
// the struct path so the JSON serializer applies.
func (s *Store) RecordExpiryDecision(id string, decision map[string]any, status string) error {
	var bot TelegramBot
	if err := s.db.First(&bot, "id = ?", id).Error; err != nil {
		return wrapNotFound(err)
	}
	bot.ExpiryDecision = decision
	if status != "" {
		bot.Status = status
	}
	bot.UpdatedAt = time.Now().UTC()
	return s.db.Save(&bot).Error
}

// ClaimExpiry marks a bot as handled if no concurrent sweeper got there
// first. Returns false when another pass already owns it.
func (s *Store) ClaimExpiry(botID string, now time.Time) (bool, error) {
	res := s.db.Model(&TelegramBot{}).
		Where("id = ? AND expiry_handled_at IS NULL", botID).
		Updates(map[string]any{"expiry_handled_at": now, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

// --- telegram trade items ---------------------------------------------

func (s *Store) ReplaceTelegramItems(botID string, items []TelegramTradeItem) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("bot_id = ?", botID).Delete(&TelegramTradeItem{}).Error; err != nil {
			return err
		}
		return insertItems(tx, items)
	})
}

func insertItems(tx *gorm.DB, items []TelegramTradeItem) error {
	now := time.Now().UTC()
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		items[i].CreatedAt = now
		items[i].UpdatedAt = now
		if err := tx.Create(&items[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) TelegramItems(botID string) ([]TelegramTradeItem, error) {
	var items []TelegramTradeItem
	err := s.db.Where("bot_id = ?", botID).Order("kind asc, level asc").Find(&items).Error
	return items, err
}

func (s *Store) UpdateTelegramItem(id string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return s.db.Model(&TelegramTradeItem{}).Where("id = ?", id).Updates(updates).Error
}

// CancelTelegramItems cancels every item of the given kind currently in one
// of the given statuses.
func (s *Store) CancelTelegramItems(botID, kind string, statuses []string) error {
	return s.db.Model(&TelegramTradeItem{}).
		Where("bot_id = ? AND kind = ? AND status IN ?", botID, kind, statuses).
		Updates(map[string]any{"status": ItemStatusCancelled, "updated_at": time.Now().UTC()}).Error
}

// ReplaceStopLoss cancels the active SL item and inserts the new one in a
// single transaction (expiry "update" path).
func (s *Store) ReplaceStopLoss(botID, userID string, newSL float64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&TelegramTradeItem{}).
			Where("bot_id = ? AND kind = ? AND status = ?", botID, ItemKindSL, ItemStatusActive).
			Updates(map[string]any{"status": ItemStatusCancelled, "updated_at": time.Now().UTC()}).Error
		if err != nil {
			return err
		}
		return insertItems(tx, []TelegramTradeItem{{
			BotID:       botID,
			UserID:      userID,
			Kind:        ItemKindSL,
			Level:       0,
			TargetPrice: newSL,
			Status:      ItemStatusActive,
		}})
	})
}

// ReplaceTakeProfits cancels pending TP items and inserts the new ladder in
// a single transaction (expiry "update" path).
func (s *Store) ReplaceTakeProfits(botID, userID string, tps []TakeProfitLevel) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&TelegramTradeItem{}).
			Where("bot_id = ? AND kind = ? AND status = ?", botID, ItemKindTP, ItemStatusPending).
			Updates(map[string]any{"status": ItemStatusCancelled, "updated_at": time.Now().UTC()}).Error
		if err != nil {
			return err
		}
		items := make([]TelegramTradeItem, 0, len(tps))
		for i, tp := range tps {
			items = append(items, TelegramTradeItem{
				BotID:       botID,
				UserID:      userID,
				Kind:        ItemKindTP,
				Level:       i + 1,
				TargetPrice: tp.Price,
				Percent:     tp.Percent,
				Status:      ItemStatusPending,
			})
		}
		return insertItems(tx, items)
	})
}
