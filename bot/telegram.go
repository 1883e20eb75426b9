package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/taogrid/report"
	"github.com/web3guy0/taogrid/types"
)

var decimalHundred = decimal.NewFromInt(100)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pushes engine events to the configured chat and answers control commands:
//   /status    - grid status snapshot
//   /positions - open positions with entry and target
//   /pause     - suspend accumulation
//   /resume    - resume accumulation
//
// ═══════════════════════════════════════════════════════════════════════════════

// Controller is the engine surface the bot needs.
type Controller interface {
	Snapshot() types.Snapshot
	OpenPositions() []types.Position
	Pause()
	Resume()
	IsPaused() bool
}

// TelegramBot manages the Telegram interface. It implements report.Reporter.
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	ctrl    Controller
	running bool
	stopCh  chan struct{}
}

// NewTelegramBot creates a Telegram bot.
func NewTelegramBot(token string, chatID int64, ctrl Controller) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		chatID: chatID,
		ctrl:   ctrl,
		stopCh: make(chan struct{}),
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// Start begins handling commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
}

// Stop stops the command loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	b.api.StopReceivingUpdates()
}

// Publish implements report.Reporter. Sends happen on a goroutine so a slow
// Telegram API call never blocks the engine.
func (b *TelegramBot) Publish(ev report.Event) {
	text := b.format(ev)
	if text == "" {
		return
	}
	go b.send(text)
}

func (b *TelegramBot) format(ev report.Event) string {
	switch ev.Kind {
	case report.BuyExecuted:
		return fmt.Sprintf("🟢 *DCA buy*\nInvested: %s TAO\nEntry: %s\nAlpha: %s",
			ev.Amount, ev.Price, ev.Quantity)
	case report.SellExecuted:
		emoji := "✅"
		if ev.Profit.IsNegative() {
			emoji = "🛑"
		}
		return fmt.Sprintf("%s *Position sold* (%s)\nExit: %s\nProfit: %s TAO",
			emoji, ev.Reason, ev.Price, ev.Profit)
	case report.BuyFailed:
		return fmt.Sprintf("❌ *Buy failed*\n%s", ev.Err)
	case report.SellFailed:
		return fmt.Sprintf("❌ *Sell failed*, position stays open\n%s", ev.Err)
	case report.CapReached:
		return fmt.Sprintf("🏦 *Investment cap reached*\nCommitted: %s TAO", ev.Amount)
	case report.LowBalance:
		return fmt.Sprintf("💳 *Balance too low for DCA*\nWallet: %s TAO", ev.Amount)
	case report.StatusSnapshot:
		if ev.Snapshot == nil {
			return ""
		}
		return formatSnapshot(*ev.Snapshot)
	default:
		// Skip-events (price filter, position limit) stay in the log only.
		return ""
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message.Command())
		}
	}
}

func (b *TelegramBot) handleCommand(cmd string) {
	switch cmd {
	case "status":
		b.send(formatSnapshot(b.ctrl.Snapshot()))
	case "positions":
		b.send(b.formatPositions())
	case "pause":
		b.ctrl.Pause()
		b.send("⏸️ Accumulation paused")
	case "resume":
		b.ctrl.Resume()
		b.send("▶️ Accumulation resumed")
	case "help", "start":
		b.send("Commands:\n/status - grid status\n/positions - open positions\n/pause - pause DCA\n/resume - resume DCA")
	}
}

func (b *TelegramBot) formatPositions() string {
	positions := b.ctrl.OpenPositions()
	if len(positions) == 0 {
		return "No open positions"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 *Open positions* (%d)\n", len(positions)))
	for i, pos := range positions {
		if i >= 10 {
			sb.WriteString(fmt.Sprintf("… and %d more\n", len(positions)-i))
			break
		}
		days := int(time.Since(pos.OpenedAt).Hours() / 24)
		sb.WriteString(fmt.Sprintf("• entry %s → target %s (%dd)\n",
			pos.EntryPrice, pos.SellTargetPrice, days))
	}
	return sb.String()
}

func formatSnapshot(snap types.Snapshot) string {
	pct := "0"
	if snap.Cap.IsPositive() {
		pct = snap.TotalInvested.Div(snap.Cap).Mul(decimalHundred).StringFixed(1)
	}
	return fmt.Sprintf(
		"📊 *Grid status*\nInvested: %s / %s TAO (%s%%)\nOpen: %d  Pending: %d\nClosed: %d  Failed: %d\nProfit: %s TAO\nSuccess rate: %s",
		snap.TotalInvested, snap.Cap, pct,
		snap.OpenCount, snap.PendingCount,
		snap.ClosedCount, snap.FailedCount,
		snap.TotalRealizedProfit, snap.SuccessRate,
	)
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
