package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// Strategy thresholds
	TriggerThreshold  decimal.Decimal // Buy a side once its mid reaches this
	OrderPrice        decimal.Decimal // Limit price for the entry FOK (above trigger to tolerate movement)
	StopLossThreshold decimal.Decimal // Protective exit once mid falls to this

	// Sizing and exposure
	MaxPositionSizeUSD     decimal.Decimal // USD risked per entry
	MaxConcurrentPositions int             // Hard cap on simultaneous open positions
	MaxAttemptsPerMarket   int             // Failed entry attempts before a market is ignored

	// Loop timing
	PollInterval   time.Duration
	RequestTimeout time.Duration

	// Markets
	SlugPrefixes []string // Recurring series prefixes, e.g. "btc-updown-15m-"

	// Polymarket API
	GammaURL string
	CLOBURL  string
	WSURL    string

	// CLOB credentials
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string

	// Wallet / on-chain
	WalletPrivateKey string
	FunderAddress    string
	PolygonRPCURL    string

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Mode
	DryRun bool
	Debug  bool

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		TriggerThreshold:  getEnvDecimal("TRIGGER_THRESHOLD", decimal.NewFromFloat(0.96)),
		OrderPrice:        getEnvDecimal("ORDER_PRICE", decimal.NewFromFloat(0.97)),
		StopLossThreshold: getEnvDecimal("STOP_LOSS_THRESHOLD", decimal.NewFromFloat(0.85)),

		MaxPositionSizeUSD:     getEnvDecimal("MAX_POSITION_SIZE_USD", decimal.NewFromInt(10)),
		MaxConcurrentPositions: getEnvInt("MAX_CONCURRENT_POSITIONS", 2),
		MaxAttemptsPerMarket:   getEnvInt("MAX_ATTEMPTS_PER_MARKET", 3),

		PollInterval:   time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 2)) * time.Second,
		RequestTimeout: time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 5)) * time.Second,

		SlugPrefixes: getEnvList("SLUG_PREFIXES", []string{"btc-updown-15m-"}),

		GammaURL: getEnv("POLYMARKET_API_URL", "https://gamma-api.polymarket.com"),
		CLOBURL:  getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		WSURL:    getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),

		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		FunderAddress:    os.Getenv("FUNDER_ADDRESS"),
		PolygonRPCURL:    getEnv("POLYGON_RPC_URL", "https://polygon-rpc.com"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		DatabasePath: getEnv("DATABASE_PATH", "data/updownbot.db"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the strategy must not trade with.
// Required ordering: 0 < stopLoss < trigger <= orderPrice <= 1.
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)

	if !c.StopLossThreshold.IsPositive() {
		return fmt.Errorf("config: STOP_LOSS_THRESHOLD must be > 0, got %s", c.StopLossThreshold)
	}
	if !c.StopLossThreshold.LessThan(c.TriggerThreshold) {
		return fmt.Errorf("config: STOP_LOSS_THRESHOLD %s must be below TRIGGER_THRESHOLD %s",
			c.StopLossThreshold, c.TriggerThreshold)
	}
	if c.TriggerThreshold.GreaterThan(c.OrderPrice) {
		return fmt.Errorf("config: TRIGGER_THRESHOLD %s must not exceed ORDER_PRICE %s",
			c.TriggerThreshold, c.OrderPrice)
	}
	if c.OrderPrice.GreaterThan(one) {
		return fmt.Errorf("config: ORDER_PRICE %s must not exceed 1", c.OrderPrice)
	}
	if !c.MaxPositionSizeUSD.IsPositive() {
		return fmt.Errorf("config: MAX_POSITION_SIZE_USD must be > 0, got %s", c.MaxPositionSizeUSD)
	}
	if c.MaxConcurrentPositions < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_POSITIONS must be >= 1, got %d", c.MaxConcurrentPositions)
	}
	if c.MaxAttemptsPerMarket < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS_PER_MARKET must be >= 1, got %d", c.MaxAttemptsPerMarket)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL_SECONDS must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if len(c.SlugPrefixes) == 0 {
		return fmt.Errorf("config: SLUG_PREFIXES must name at least one market series")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
