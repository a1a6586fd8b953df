// Package chatapp adapts a concrete chat transport to the Chat surface
// the rest of the orchestrator depends on: incoming messages in,
// text/photos/typing out, via the long-poll GetUpdatesChan the
// go-telegram-bot-api SDK exposes for a standalone process.
package chatapp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

// IncomingMessage is one chat message translated into orchestrator terms.
type IncomingMessage struct {
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Text       string
	Timestamp  int64
	HasMedia   bool
}

// TelegramAdapter is the one concrete Chat implementation the orchestrator
// exercises: a long-polling bot session plus outbound text/photo delivery.
type TelegramAdapter struct {
	bot              *tgbotapi.BotAPI
	rateLimitDelay   time.Duration
	maxMessageLength int
}

// NewTelegramAdapter builds an adapter around a bot token.
func NewTelegramAdapter(token string, cfg config.TelegramConfig) (*TelegramAdapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = 4096
	}
	return &TelegramAdapter{
		bot:              bot,
		rateLimitDelay:   time.Duration(cfg.RateLimitDelayMS) * time.Millisecond,
		maxMessageLength: maxLen,
	}, nil
}

// Updates starts long-polling and returns a channel of translated incoming
// messages, closed when ctx is done.
func (a *TelegramAdapter) Updates(ctx context.Context) <-chan IncomingMessage {
	out := make(chan IncomingMessage)

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := a.bot.GetUpdatesChan(cfg)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				a.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg, ok := translate(update)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func translate(update tgbotapi.Update) (IncomingMessage, bool) {
	if update.Message == nil {
		return IncomingMessage{}, false
	}
	m := update.Message

	senderName := ""
	if m.From != nil {
		senderName = m.From.UserName
		if senderName == "" {
			senderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		}
	}

	return IncomingMessage{
		ChatID:     strconv.FormatInt(m.Chat.ID, 10),
		MessageID:  strconv.Itoa(m.MessageID),
		SenderID:   senderIDOf(m),
		SenderName: senderName,
		Text:       m.Text,
		Timestamp:  m.Time().UnixMilli(),
		HasMedia:   len(m.Photo) > 0 || m.Voice != nil || m.Audio != nil || m.Video != nil || m.Document != nil,
	}, true
}

func senderIDOf(m *tgbotapi.Message) string {
	if m.From == nil {
		return ""
	}
	return strconv.FormatInt(m.From.ID, 10)
}

// SendText sends text to chatID, chunking at maxMessageLength and pacing
// successive chunks by rateLimitDelay (the Telegram Bot API's own
// per-chat rate limit).
func (a *TelegramAdapter) SendText(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid telegram chat id %q", chatID)
	}

	for i, chunk := range chunkText(text, a.maxMessageLength) {
		if i > 0 && a.rateLimitDelay > 0 {
			select {
			case <-time.After(a.rateLimitDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		msg := tgbotapi.NewMessage(id, chunk)
		if _, err := a.bot.Send(msg); err != nil {
			return errors.Wrap(err, "send telegram message")
		}
	}
	return nil
}

// SendPhoto delivers generated image bytes as a photo with a caption,
// satisfying internal/tools.PhotoSender.
func (a *TelegramAdapter) SendPhoto(ctx context.Context, chatID string, image []byte, caption string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid telegram chat id %q", chatID)
	}

	photo := tgbotapi.NewPhoto(id, tgbotapi.FileBytes{Name: "image.png", Bytes: image})
	photo.Caption = caption
	if _, err := a.bot.Send(photo); err != nil {
		return errors.Wrap(err, "send telegram photo")
	}
	return nil
}

func chunkText(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var chunks []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n")
		if cut <= 0 {
			cut = max
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// String satisfies fmt.Stringer for debug logging of the adapter's bot
// identity.
func (a *TelegramAdapter) String() string {
	if a.bot == nil {
		return "telegram(unconfigured)"
	}
	return fmt.Sprintf("telegram(@%s)", a.bot.Self.UserName)
}
