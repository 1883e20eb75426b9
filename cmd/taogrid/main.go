// Taogrid - Micro-Grid DCA Bot for subnet alpha
//
// Accumulates alpha on one subnet via fixed-size DCA stakes, attaches a
// profit-target sell to every purchase, and liquidates positions when the
// target (or an optional stop-loss) is hit, under a hard investment cap.
//
// Each purchase is tracked as an independent grid position with its own
// entry price and sell target, so the bot keeps harvesting the spread while
// the long-term accumulation continues.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taogrid/bot"
	"github.com/web3guy0/taogrid/core"
	"github.com/web3guy0/taogrid/exec"
	"github.com/web3guy0/taogrid/feeds"
	"github.com/web3guy0/taogrid/internal/config"
	"github.com/web3guy0/taogrid/internal/scheduler"
	"github.com/web3guy0/taogrid/report"
	"github.com/web3guy0/taogrid/retry"
	"github.com/web3guy0/taogrid/storage"
	"github.com/web3guy0/taogrid/store"
)

const version = "1.2.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Int("netuid", cfg.Netuid).
		Str("dca_amount", cfg.DCAAmount.String()).
		Int("dca_interval_hours", cfg.DCAIntervalHours).
		Str("profit_target", cfg.ProfitTargetPercent.String()+"%").
		Str("cap", cfg.MaxInvestment.String()).
		Bool("dry_run", cfg.DryRun).
		Msg("🚀 Taogrid starting...")

	// ====== CORE COMPONENTS ======

	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	feed := feeds.NewSubnetFeed(cfg.GatewayWSURL, cfg.GatewayURL, cfg.Netuid)
	feed.Start()

	venue, err := exec.NewClient(exec.Options{
		BaseURL:       cfg.GatewayURL,
		Netuid:        cfg.Netuid,
		Hotkey:        cfg.ValidatorHotkey,
		PrivateKeyHex: cfg.WalletPrivateKey,
		DryRun:        cfg.DryRun,
		Quoter:        feed,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize gateway client")
	}

	positions := store.New(store.Config{
		Cap:                 cfg.MaxInvestment,
		MaxPositions:        cfg.MaxPositions,
		ProfitTargetPercent: cfg.ProfitTargetPercent,
		StopLossPercent:     cfg.StopLossPercent,
	}, db)

	// Reload previous state so the cap accounting survives restarts
	records, err := db.LoadPositions()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load persisted positions")
	}
	positions.Restore(records)
	if len(records) > 0 {
		snap := positions.Snapshot()
		log.Info().
			Int("open", snap.OpenCount).
			Int("closed", snap.ClosedCount).
			Str("invested", snap.TotalInvested.String()).
			Msg("💾 Previous state restored")
	}

	policy := retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		Backoff:     cfg.RetryBackoff,
		Multiplier:  2.0,
		MaxBackoff:  time.Minute,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Call failed, retrying")
		},
	}

	reporters := report.Multi{report.LogReporter{}}

	engine := core.NewEngine(positions, feed, venue, &reporters, policy, core.Config{
		DCAAmount:          cfg.DCAAmount,
		MaxEntryPrice:      cfg.MaxEntryPrice,
		MinBalanceReserve:  cfg.MinBalanceReserve,
		MaxSlippagePercent: cfg.MaxSlippagePercent,
		CheckInterval:      time.Duration(cfg.CheckIntervalMin) * time.Minute,
		CallTimeout:        30 * time.Second,
	})

	var tg *bot.TelegramBot
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			reporters = append(reporters, tg)
			tg.Start()
		}
	}

	// ====== SCHEDULING ======

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New()
	dcaJob := &accumulationJob{engine: engine, ctx: ctx}
	if err := sched.AddJob(everyHours(cfg.DCAIntervalHours), dcaJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule DCA job")
	}
	if err := sched.AddJob("@every 1h", &snapshotJob{engine: engine}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule status job")
	}

	engine.Start()
	sched.Start()

	// First cycle runs immediately rather than one full interval from now
	if err := sched.RunNow(dcaJob); err != nil {
		log.Warn().Err(err).Msg("Initial DCA cycle failed")
	}

	// ====== SHUTDOWN ======

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("🛑 Shutting down...")

	cancel()
	sched.Stop()
	engine.Stop()
	feed.Stop()
	if tg != nil {
		tg.Stop()
	}

	printSessionSummary(positions)
}

// ═══════════════════════════════════════════════════════════════════════════════
// JOBS
// ═══════════════════════════════════════════════════════════════════════════════

type accumulationJob struct {
	engine *core.Engine
	ctx    context.Context
}

func (j *accumulationJob) Name() string { return "dca-accumulation" }
func (j *accumulationJob) Run() error   { return j.engine.RunAccumulation(j.ctx) }

type snapshotJob struct {
	engine *core.Engine
}

func (j *snapshotJob) Name() string { return "status-snapshot" }
func (j *snapshotJob) Run() error {
	j.engine.PublishSnapshot()
	return nil
}

func everyHours(h int) string {
	if h <= 0 {
		h = 12
	}
	return fmt.Sprintf("@every %dh", h)
}

func printSessionSummary(positions *store.Store) {
	snap := positions.Snapshot()
	pct := decimal.Zero
	if snap.Cap.IsPositive() {
		pct = snap.TotalInvested.Div(snap.Cap).Mul(decimal.NewFromInt(100))
	}
	log.Info().
		Str("invested", snap.TotalInvested.String()+"/"+snap.Cap.String()).
		Str("progress", pct.StringFixed(1)+"%").
		Int("open", snap.OpenCount).
		Int("closed", snap.ClosedCount).
		Int("failed", snap.FailedCount).
		Str("profit", snap.TotalRealizedProfit.String()).
		Str("success_rate", snap.SuccessRate.String()).
		Msg("📊 Session summary")
}
