package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/config"
	"github.com/britej3/signalkey/domain/market"
	"github.com/britej3/signalkey/infra/exchange"
	"github.com/britej3/signalkey/infra/storage"
	"github.com/britej3/signalkey/services/boot"
	"github.com/britej3/signalkey/services/buffer"
	"github.com/britej3/signalkey/services/engine"
	"github.com/britej3/signalkey/services/features"
	"github.com/britej3/signalkey/services/ledger"
	"github.com/britej3/signalkey/services/notify"
	"github.com/britej3/signalkey/services/stream"
	"github.com/britej3/signalkey/services/strategy/catalog"
	"github.com/britej3/signalkey/services/telegram"
)

// configSeeds resolves each user's virtual-balance bootstrap amount from
// their app config.
type configSeeds struct {
	store *storage.Store
}

func (s configSeeds) BalanceSeed(userID string, mt market.Canonical) float64 {
	cfg, err := s.store.AppConfigFor(userID)
	if err != nil {
		return 10000
	}
	seed := cfg.VirtualBalances.Cex
	if mt == market.CanonicalDEX {
		seed = cfg.VirtualBalances.Dex
	}
	if seed <= 0 {
		return 10000
	}
	return seed
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}
	cfg.Logging.SetupLogging()

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open database")
	}

	var cache stream.PriceCache
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).Warn("redis unreachable, using in-memory price cache")
		} else {
			cache = stream.NewRedisPriceCache(client, time.Minute)
		}
	}

	registry := exchange.NewRegistry(nil, store)
	bus := notify.NewBus()
	streams := stream.New(registry, cache)
	buffers := buffer.New(registry)
	strategies := catalog.Default()
	feats := features.New(store, registry, strategies)
	ldg := ledger.New(store, configSeeds{store: store}, bus)

	analyzer := telegram.NewHTTPAnalyzer(cfg.Analyzer.URL, cfg.Analyzer.Timeout.D())
	orch := telegram.New(telegram.Config{
		SweepEvery: cfg.Runtime.SweepEvery.D(),
	}, store, streams, registry, bus, analyzer)

	var alerter engine.Alerter
	var ingest *telegram.Ingest
	if cfg.Telegram.Token != "" {
		ingest, err = telegram.NewIngest(cfg.Telegram.Token, orch)
		if err != nil {
			logrus.WithError(err).Fatal("failed to start telegram ingest")
		}
		configs, err := store.AllAppConfigs()
		if err != nil {
			logrus.WithError(err).Fatal("failed to load user configs")
		}
		for _, userCfg := range configs {
			for _, chat := range userCfg.TelegramAllow {
				chatID, err := strconv.ParseInt(chat, 10, 64)
				if err != nil {
					logrus.WithField("chat", chat).Warn("skipping invalid chat id in whitelist")
					continue
				}
				ingest.Allow(chatID, userCfg.UserID)
			}
		}
		alerter = ingest
	}

	eng := engine.New(store, ldg, registry, bus, alerter)
	eng.SetFeatureBootstrapper(feats)

	bootSvc := boot.New(boot.Config{
		AutotradeEvery: cfg.Runtime.AutotradeEvery.D(),
		PriceEvery:     cfg.Runtime.PriceEvery.D(),
	}, store, streams, buffers, feats, eng, bus)
	if err := bootSvc.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("boot recovery failed")
	}

	if err := orch.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("telegram orchestrator failed to start")
	}
	go orch.RunExpirySweeper(ctx)
	if ingest != nil {
		go ingest.Run(ctx)
	}

	server := &http.Server{Addr: cfg.Server.Addr, Handler: newHandler(bus)}
	go func() {
		logrus.WithField("addr", cfg.Server.Addr).Info("🌐 WebSocket server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logrus.Info("Shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	orch.Stop()
	streams.Stop()
	registry.CloseAll()
	logrus.Info("Shutdown complete")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newHandler(bus *notify.Bus) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"ts":     time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			http.Error(w, "userId required", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		bus.Connect(conn, userID)

		go func() {
			defer func() {
				bus.Disconnect(conn)
				conn.Close()
			}()
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if err := bus.HandleInbound(conn, raw); err != nil {
					logrus.WithError(err).Debug("bad client message")
				}
			}
		}()
	})

	return mux
}
