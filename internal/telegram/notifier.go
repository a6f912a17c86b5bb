package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/executor"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/planner"
	"github.com/camuig/crypto-rebalancer/internal/report"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	bot     sender
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg config.TelegramConfig, log *logger.Logger) *Notifier {
	if !cfg.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	if err := tgbotapi.SetLogger(log); err != nil {
		log.Warn("set telegram logger", "error", err)
	}
	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.ChatID,
		enabled: true,
		logger:  log,
	}
}

func (n *Notifier) NotifyPlan(plan *planner.Plan, comment string) {
	var b strings.Builder
	if len(plan.Actions) == 0 {
		fmt.Fprintf(&b, "⚖️ *Plan* %s: within bands, no trades\n", plan.Account)
	} else {
		fmt.Fprintf(&b, "⚖️ *Plan* %s: %d trades, turnover %s\n", plan.Account, len(plan.Actions), report.USD(plan.Turnover()))
		for _, a := range plan.Actions {
			fmt.Fprintf(&b, "%s %.6f %s ~%s\n", strings.ToUpper(string(a.Side)), a.Qty, a.Instrument, report.USD(a.Notional()))
		}
	}
	fmt.Fprintf(&b, "Band: %.2f%% (%s)", plan.Config.Band*100, plan.Config.BandSource)
	if comment != "" {
		b.WriteString("\n\n" + comment)
	}
	n.send(b.String())
}

func (n *Notifier) NotifyApplied(res *executor.Result) {
	msg := fmt.Sprintf("✅ *Applied* run %s\nOrders: %d (skipped %d)\nNAV: %s\nRealized: %s",
		res.RunID, res.Applied, res.Skipped, report.USD(res.NAV), report.USD(res.Realized))
	n.send(msg)
}

func (n *Notifier) NotifyHalted(plan *planner.Plan) {
	n.send(fmt.Sprintf("🛑 *Halted* %s\n%s", plan.Account, plan.HaltReason))
}

func (n *Notifier) NotifyError(context string, err error) {
	msg := fmt.Sprintf("⚠️ *Error* [%s]\n%v", context, err)
	n.send(msg)
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}
