package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & status commands
// ═══════════════════════════════════════════════════════════════════════════════
//
//   💰 Entry/exit notifications
//   📊 /status, /positions, /trades, /stats
//
// ═══════════════════════════════════════════════════════════════════════════════

// Portfolio exposes the live book for reporting
type Portfolio interface {
	OpenPositions() []*types.Position
	ClosedPositions() []*types.Position
	RealizedPnL() decimal.Decimal
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	portfolio Portfolio
	dryRun    bool
}

// NewTelegramBot creates the bot from credentials
func NewTelegramBot(token string, chatID int64, portfolio Portfolio, dryRun bool) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot: create: %w", err)
	}

	bot := &TelegramBot{
		api:       api,
		chatID:    chatID,
		stopCh:    make(chan struct{}),
		portfolio: portfolio,
		dryRun:    dryRun,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyEntry announces a freshly opened position
func (b *TelegramBot) NotifyEntry(pos *types.Position, market *types.Market) {
	emoji := "🟢"
	if pos.Side == types.SideDown {
		emoji = "🔴"
	}

	question := pos.MarketID
	if market != nil {
		question = market.Question
	}

	msg := fmt.Sprintf(`%s *POSITION OPENED*

📊 %s
━━━━━━━━━━━━━━━━
📍 Side: *%s*
💵 Entry: *%s¢*
📦 Size: *%s shares*
💰 Cost: *$%s*`,
		emoji,
		question,
		pos.Side,
		cents(pos.EntryPrice),
		pos.Size.StringFixed(2),
		pos.Cost().StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// NotifyExit announces a closed position with its realized P&L
func (b *TelegramBot) NotifyExit(pos *types.Position) {
	pnl := pos.RealizedPnL()
	emoji := "💰"
	if pnl.IsNegative() {
		emoji = "📉"
	}

	sign := "+"
	if pnl.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`%s *POSITION CLOSED*

📊 %s — %s
━━━━━━━━━━━━━━━━
💵 Entry: *%s¢* → Exit: *%s¢*
🏷️ Reason: *%s*
💵 P&L: *%s$%s*`,
		emoji,
		pos.MarketID, pos.Side,
		cents(pos.EntryPrice), cents(pos.ExitPrice),
		pos.ExitReason,
		sign, pnl.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// NotifyStartup sends the boot banner
func (b *TelegramBot) NotifyStartup(trigger, stopLoss decimal.Decimal, maxPositions int) {
	mode := "LIVE"
	if b.dryRun {
		mode = "PAPER"
	}

	msg := fmt.Sprintf(`🚀 *UPDOWN BOT STARTED*
━━━━━━━━━━━━━━━━━━━━

🎯 Strategy: *Late momentum*
📊 Mode: *%s*
📈 Trigger: *%s¢* | 🛑 Stop: *%s¢*
💼 Max positions: *%d*

Use /help for commands`,
		mode, cents(trigger), cents(stopLoss), maxPositions)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "positions":
		b.cmdPositions()
	case "trades":
		b.cmdTrades()
	case "stats":
		b.cmdStats()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *UPDOWN BOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Bot status
💼 /positions — Open positions
📜 /trades — Last 10 closed trades
📈 /stats — Session statistics
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	mode := "LIVE"
	if b.dryRun {
		mode = "PAPER"
	}

	msg := fmt.Sprintf(`📊 *BOT STATUS*
━━━━━━━━━━━━━━━━━━━━

🟢 RUNNING
📊 Mode: *%s*
💼 Open: *%d*
💵 Session P&L: *$%s*`,
		mode,
		len(b.portfolio.OpenPositions()),
		b.portfolio.RealizedPnL().StringFixed(2),
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	positions := b.portfolio.OpenPositions()
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, pos := range positions {
		sideEmoji := "🟢"
		if pos.Side == types.SideDown {
			sideEmoji = "🔴"
		}

		msg += fmt.Sprintf(`%s *%s* — %s
💵 Entry: %s¢ | Size: %s
🏷️ State: %s | ⏱️ %v

`,
			sideEmoji, pos.MarketID, pos.Side,
			cents(pos.EntryPrice),
			pos.Size.StringFixed(2),
			pos.Status,
			time.Since(pos.EntryTime).Round(time.Second),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdTrades() {
	closed := b.portfolio.ClosedPositions()
	if len(closed) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	start := 0
	if len(closed) > 10 {
		start = len(closed) - 10
	}

	msg := "📜 *RECENT TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, pos := range closed[start:] {
		pnl := pos.RealizedPnL()
		emoji := "💰"
		if pnl.IsNegative() {
			emoji = "🛑"
		}
		sign := "+"
		if pnl.IsNegative() {
			sign = ""
		}

		msg += fmt.Sprintf("%s %s %s @ %s¢ → %s¢ | %s$%s\n   _%s_\n\n",
			emoji, pos.MarketID, pos.Side,
			cents(pos.EntryPrice), cents(pos.ExitPrice),
			sign, pnl.StringFixed(2),
			pos.ExitTime.Format("Jan 2 15:04"),
		)
	}

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStats() {
	closed := b.portfolio.ClosedPositions()

	wins, losses := 0, 0
	for _, pos := range closed {
		if pos.RealizedPnL().IsNegative() {
			losses++
		} else {
			wins++
		}
	}

	winRate := float64(0)
	if len(closed) > 0 {
		winRate = float64(wins) / float64(len(closed)) * 100
	}

	pnl := b.portfolio.RealizedPnL()
	sign := "+"
	if pnl.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`📈 *SESSION STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Closed Trades: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 Realized P&L: *%s$%s*`,
		len(closed), wins, losses, winRate,
		sign, pnl.StringFixed(2),
	)

	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func cents(price decimal.Decimal) string {
	return price.Mul(decimal.NewFromInt(100)).StringFixed(1)
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
