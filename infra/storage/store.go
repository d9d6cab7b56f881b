package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store owns the database handle and every collection repository. It is
// constructed once in main and passed to the services that need it.
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, log: logrus.WithField("component", "storage")}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&User{},
		&UserExchange{},
		&AppConfig{},
		&BotInstance{},
		&Position{},
		&TradeRow{},
		&VirtualBalance{},
		&BotFeatureState{},
		&BotFeatureHistory{},
		&SignalRow{},
		&TelegramBot{},
		&TelegramTradeItem{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate failed: %w", err)
	}
	return s.mergeLegacyBalanceRows()
}

// mergeLegacyBalanceRows folds virtual_balances rows that differ only by
// marketType casing ("cex", "Spot", "FUTURES", ...) into one canonical
// CEX/DEX row whose amount is the sum of the merged rows. Runs before the
// engine accepts any signal; idempotent.
func (s *Store) mergeLegacyBalanceRows() error {
	var rows []VirtualBalance
	if err := s.db.Find(&rows).Error; err != nil {
		return err
	}

	type key struct {
		userID, marketType, asset string
	}
	merged := make(map[key]decimal.Decimal)
	var stale []string

	for _, row := range rows {
		canonical := canonicalMarketType(row.MarketType)
		k := key{row.UserID, canonical, row.Asset}
		merged[k] = merged[k].Add(row.Amount)
		if row.MarketType != canonical {
			stale = append(stale, row.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&VirtualBalance{}, "id IN ?", stale).Error; err != nil {
			return err
		}
		for k, amount := range merged {
			var existing VirtualBalance
			err := tx.Where("user_id = ? AND market_type = ? AND asset = ?", k.userID, k.marketType, k.asset).
				First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				row := VirtualBalance{
					ID:         uuid.NewString(),
					UserID:     k.userID,
					MarketType: k.marketType,
					Asset:      k.asset,
					Amount:     amount,
					UpdatedAt:  time.Now().UTC(),
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				existing.Amount = amount
				existing.UpdatedAt = time.Now().UTC()
				if err := tx.Save(&existing).Error; err != nil {
					return err
				}
			}
		}
		s.log.WithField("merged_rows", len(stale)).Info("🧹 Folded legacy virtual balance rows")
		return nil
	})
}

func canonicalMarketType(mt string) string {
	switch strings.ToUpper(strings.TrimSpace(mt)) {
	case "DEX":
		return "DEX"
	default:
		return "CEX"
	}
}
