package notify

import (
	"context"
	"fmt"

	"marketchat/internal/localization"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// BotSender is the part of *tgbotapi.BotAPI used for delivery.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier forwards notices to one Telegram chat.
type TelegramNotifier struct {
	bot      BotSender
	chatID   int64
	loc      *localization.Localizer
	lang     string
	minLevel Level
	log      *logrus.Entry
}

// NewTelegramNotifier authorizes the bot token and returns a notifier that
// forwards warnings and errors to chatID.
func NewTelegramNotifier(token string, chatID int64, loc *localization.Localizer, lang string, log *logrus.Entry) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram authorize: %w", err)
	}
	bot.Debug = false
	log.WithField("bot", bot.Self.UserName).Info("telegram notifier authorized")
	return NewTelegramNotifierWithBot(bot, chatID, loc, lang, log), nil
}

func NewTelegramNotifierWithBot(bot BotSender, chatID int64, loc *localization.Localizer, lang string, log *logrus.Entry) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatID: chatID, loc: loc, lang: lang, minLevel: LevelWarn, log: log}
}

// SetMinLevel changes the lowest level forwarded (warn by default).
func (t *TelegramNotifier) SetMinLevel(l Level) {
	t.minLevel = l
}

func (t *TelegramNotifier) Notify(ctx context.Context, notice Notice) error {
	if notice.Level < t.minLevel {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text := Render(t.loc, t.lang, notice)
	if notice.Level == LevelError {
		text = "⚠️ " + text
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.log.WithError(err).WithField("notice", notice.Key).Error("telegram delivery failed")
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
