package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.DryRun, "dry run is the default mode")
	assert.Equal(t, 73, cfg.Netuid)
	assert.True(t, cfg.DCAAmount.Equal(decimal.NewFromFloat(0.05)))
	assert.Equal(t, 12, cfg.DCAIntervalHours)
	assert.Equal(t, 5, cfg.CheckIntervalMin)
	assert.True(t, cfg.ProfitTargetPercent.Equal(decimal.NewFromInt(15)))
	assert.True(t, cfg.MaxInvestment.Equal(decimal.NewFromFloat(5.0)))
	assert.True(t, cfg.MaxEntryPrice.IsZero(), "entry filter disabled by default")
	assert.True(t, cfg.StopLossPercent.IsZero(), "stop-loss disabled by default")
	assert.Equal(t, 100, cfg.MaxPositions)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryBackoff)
	assert.Equal(t, "data/taogrid.db", cfg.DatabasePath)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DCA_AMOUNT", "0.1")
	t.Setenv("MAX_INVESTMENT", "2.5")
	t.Setenv("PROFIT_TARGET_PERCENT", "20")
	t.Setenv("STOP_LOSS_PERCENT", "25")
	t.Setenv("NETUID", "19")
	t.Setenv("CHECK_INTERVAL_MINUTES", "1")
	t.Setenv("RETRY_BACKOFF", "2s")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.DCAAmount.Equal(decimal.NewFromFloat(0.1)))
	assert.True(t, cfg.MaxInvestment.Equal(decimal.NewFromFloat(2.5)))
	assert.True(t, cfg.ProfitTargetPercent.Equal(decimal.NewFromInt(20)))
	assert.True(t, cfg.StopLossPercent.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, 19, cfg.Netuid)
	assert.Equal(t, 1, cfg.CheckIntervalMin)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
	assert.Equal(t, int64(12345), cfg.TelegramChatID)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("negative dca amount", func(t *testing.T) {
		t.Setenv("DCA_AMOUNT", "-0.05")
		_, err := Load()
		assert.ErrorContains(t, err, "DCA_AMOUNT")
	})

	t.Run("cap below one purchase", func(t *testing.T) {
		t.Setenv("DCA_AMOUNT", "1.0")
		t.Setenv("MAX_INVESTMENT", "0.5")
		_, err := Load()
		assert.ErrorContains(t, err, "MAX_INVESTMENT")
	})

	t.Run("live mode without wallet", func(t *testing.T) {
		t.Setenv("DRY_RUN", "false")
		_, err := Load()
		assert.ErrorContains(t, err, "WALLET_PRIVATE_KEY")
	})

	t.Run("bad chat id", func(t *testing.T) {
		t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")
		_, err := Load()
		assert.ErrorContains(t, err, "TELEGRAM_CHAT_ID")
	})
}
