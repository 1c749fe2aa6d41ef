package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/SnapSpend/receipt-service/internal/core/bills"
	"github.com/SnapSpend/receipt-service/internal/core/users"
)

// Notifier is told about every bill that reaches a terminal status.
// Delivery is best effort: the pipeline never fails a run over a
// notification.
type Notifier interface {
	BillFinalized(ctx context.Context, bill *bills.Bill)
}

// UserDirectory resolves service users to their Telegram identity.
type UserDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*users.User, error)
}

// TelegramNotifier delivers terminal-status messages over the
// Telegram bot API.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	users  UserDirectory
	logger *slog.Logger
}

func NewTelegramNotifier(token string, debug bool, directory UserDirectory, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	bot.Debug = debug

	logger.Info("Telegram notifier ready", "bot_username", bot.Self.UserName)

	return &TelegramNotifier{
		bot:    bot,
		users:  directory,
		logger: logger,
	}, nil
}

func (n *TelegramNotifier) BillFinalized(ctx context.Context, bill *bills.Bill) {
	user, err := n.users.Get(ctx, bill.UserID)
	if err != nil {
		n.logger.Warn("Cannot notify, user lookup failed",
			"bill_id", bill.ID,
			"user_id", bill.UserID,
			"error", err)
		return
	}

	msg := tgbotapi.NewMessage(user.TelegramID, formatStatusMessage(bill))
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Warn("Failed to send telegram notification",
			"bill_id", bill.ID,
			"telegram_id", user.TelegramID,
			"error", err)
	}
}

func formatStatusMessage(bill *bills.Bill) string {
	switch bill.Status {
	case bills.StatusCompleted:
		if bill.TotalAmount != nil {
			return fmt.Sprintf("Your receipt was processed. Total: %.2f", *bill.TotalAmount)
		}
		return "Your receipt was processed."
	case bills.StatusToVerify:
		return "Your receipt was processed but a few items need your review."
	case bills.StatusError:
		reason := "an unexpected error"
		if bill.ErrorMessage != nil {
			reason = *bill.ErrorMessage
		}
		return fmt.Sprintf("Your receipt could not be processed: %s", reason)
	default:
		return fmt.Sprintf("Your receipt is now %s.", bill.Status)
	}
}

// NoopNotifier is used when no bot token is configured.
type NoopNotifier struct{}

func (NoopNotifier) BillFinalized(context.Context, *bills.Bill) {}
