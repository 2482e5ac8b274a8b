package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/bot"
	"github.com/polyflip/updownbot/core"
	"github.com/polyflip/updownbot/exec"
	"github.com/polyflip/updownbot/feeds"
	"github.com/polyflip/updownbot/internal/config"
	"github.com/polyflip/updownbot/onchain"
	"github.com/polyflip/updownbot/risk"
	"github.com/polyflip/updownbot/storage"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("            UPDOWN BOT - LATE MOMENTUM EDITION")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	log.Info().Msg("✅ Storage layer initialized")

	// 2. Market discovery + prices
	marketFeed := feeds.NewGammaFeed(cfg.GammaURL, cfg.SlugPrefixes, cfg.RequestTimeout)
	wsCache := feeds.NewWSCache(cfg.WSURL)
	wsCache.Start()
	prices := feeds.NewCLOBPrices(cfg.CLOBURL, cfg.RequestTimeout).WithCache(wsCache)
	log.Info().Msg("✅ Market and price feeds initialized")

	// 3. Execution client
	gateway, err := exec.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize executor")
	}
	log.Info().Msg("✅ Execution layer initialized")

	// 4. Risk gate + coordinator + supervisor
	gate := risk.NewGate(cfg.MaxConcurrentPositions)
	coordinator := core.NewCoordinator(gate, gateway, cfg.OrderPrice, cfg.MaxPositionSizeUSD, cfg.MaxAttemptsPerMarket)
	supervisor := core.NewSupervisor(gate, gateway, prices, marketFeed, cfg.StopLossThreshold)
	log.Info().Msg("✅ Risk and execution pipeline initialized")

	// 5. Telegram (optional)
	var notifier core.Notifier
	var tg *bot.TelegramBot
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, gate, cfg.DryRun)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			tg.Start()
			notifier = tg
		}
	}

	// 6. Core engine
	engine := core.NewEngine(cfg, marketFeed, prices, gate, coordinator, supervisor, db, notifier)

	// 7. On-chain redeemer (live mode only)
	var redeemer *onchain.Redeemer
	if !cfg.DryRun && cfg.PolygonRPCURL != "" && cfg.WalletPrivateKey != "" {
		redeemer, err = onchain.NewRedeemer(cfg.PolygonRPCURL, cfg.WalletPrivateKey)
		if err != nil {
			log.Warn().Err(err).Msg("Redeemer disabled")
		} else {
			engine.SetCollector(redeemer)
			redeemer.Start(ctx)
		}
	}

	// 8. Crash recovery
	if err := engine.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("Position recovery failed")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// PRINT CONFIG
	// ═══════════════════════════════════════════════════════════════════════════════

	mode := "LIVE TRADING"
	if cfg.DryRun {
		mode = "PAPER TRADING"
	}

	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════════════════════════╗")
	log.Info().Msg("║          🎯 LATE MOMENTUM - 15-MINUTE UP/DOWN WINDOWS        ║")
	log.Info().Msg("╠══════════════════════════════════════════════════════════════╣")
	log.Info().Msgf("║  Mode: %-52s  ║", mode)
	log.Info().Msgf("║  Series: %-50s  ║", strings.Join(cfg.SlugPrefixes, ", "))
	log.Info().Msgf("║  Trigger: %s¢ | Order: %s¢ | Stop: %s¢                       ║",
		cfg.TriggerThreshold.Mul(hundred()).StringFixed(0),
		cfg.OrderPrice.Mul(hundred()).StringFixed(0),
		cfg.StopLossThreshold.Mul(hundred()).StringFixed(0))
	log.Info().Msgf("║  Max positions: %-43d  ║", cfg.MaxConcurrentPositions)
	log.Info().Msg("║                                                              ║")
	log.Info().Msg("║  Logic: Buy nearly-decided windows, hold to resolution       ║")
	log.Info().Msg("╚══════════════════════════════════════════════════════════════╝")
	log.Info().Msg("")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	engine.Start(ctx)

	if tg != nil {
		tg.NotifyStartup(cfg.TriggerThreshold, cfg.StopLossThreshold, cfg.MaxConcurrentPositions)
	}

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	engine.Stop()
	wsCache.Stop()
	if redeemer != nil {
		redeemer.Stop()
	}
	if tg != nil {
		tg.Stop()
	}
	cancel()

	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}

	log.Info().Msg("👋 Goodbye!")
}

func hundred() decimal.Decimal {
	return decimal.NewFromInt(100)
}
