package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot.
type Config struct {
	// Telegram (optional)
	TelegramToken  string
	TelegramChatID int64

	// Mode
	DryRun bool
	Debug  bool

	// Gateway
	GatewayURL   string
	GatewayWSURL string
	Netuid       int

	// Wallet
	WalletPrivateKey string
	ValidatorHotkey  string

	// Grid strategy
	DCAAmount           decimal.Decimal // TAO per purchase
	DCAIntervalHours    int
	CheckIntervalMin    int // liquidation tick, minutes
	ProfitTargetPercent decimal.Decimal
	MaxInvestment       decimal.Decimal // hard cap on committed TAO
	MaxEntryPrice       decimal.Decimal // zero disables
	MaxPositions        int
	StopLossPercent     decimal.Decimal // zero disables
	MinBalanceReserve   decimal.Decimal // TAO kept aside for fees
	MaxSlippagePercent  decimal.Decimal // zero disables the pre-trade re-quote

	// Retry
	MaxRetries   int
	RetryBackoff time.Duration

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		GatewayURL:   getEnv("GATEWAY_URL", "https://gateway.taostats.io"),
		GatewayWSURL: getEnv("GATEWAY_WS_URL", ""),
		Netuid:       getEnvInt("NETUID", 73),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		ValidatorHotkey:  os.Getenv("VALIDATOR_HOTKEY"),

		DCAAmount:           getEnvDecimal("DCA_AMOUNT", decimal.NewFromFloat(0.05)),
		DCAIntervalHours:    getEnvInt("DCA_INTERVAL_HOURS", 12),
		CheckIntervalMin:    getEnvInt("CHECK_INTERVAL_MINUTES", 5),
		ProfitTargetPercent: getEnvDecimal("PROFIT_TARGET_PERCENT", decimal.NewFromInt(15)),
		MaxInvestment:       getEnvDecimal("MAX_INVESTMENT", decimal.NewFromFloat(5.0)),
		MaxEntryPrice:       getEnvDecimal("MAX_ENTRY_PRICE", decimal.Zero),
		MaxPositions:        getEnvInt("MAX_POSITIONS", 100),
		StopLossPercent:     getEnvDecimal("STOP_LOSS_PERCENT", decimal.Zero),
		MinBalanceReserve:   getEnvDecimal("MIN_BALANCE_RESERVE", decimal.NewFromFloat(0.04)),
		MaxSlippagePercent:  getEnvDecimal("MAX_SLIPPAGE_PERCENT", decimal.NewFromFloat(2.0)),

		MaxRetries:   getEnvInt("MAX_RETRIES", 3),
		RetryBackoff: getEnvDuration("RETRY_BACKOFF", 5*time.Second),

		DatabasePath: getEnv("DATABASE_PATH", "data/taogrid.db"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !cfg.DCAAmount.IsPositive() {
		return nil, fmt.Errorf("DCA_AMOUNT must be positive")
	}
	if !cfg.MaxInvestment.IsPositive() {
		return nil, fmt.Errorf("MAX_INVESTMENT must be positive")
	}
	if cfg.MaxInvestment.LessThan(cfg.DCAAmount) {
		return nil, fmt.Errorf("MAX_INVESTMENT must cover at least one DCA_AMOUNT")
	}
	if cfg.MaxPositions <= 0 {
		return nil, fmt.Errorf("MAX_POSITIONS must be positive")
	}
	if !cfg.DryRun && cfg.WalletPrivateKey == "" {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY is required when DRY_RUN=false")
	}
	if !cfg.DryRun && cfg.ValidatorHotkey == "" {
		return nil, fmt.Errorf("VALIDATOR_HOTKEY is required when DRY_RUN=false")
	}

	return cfg, nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
