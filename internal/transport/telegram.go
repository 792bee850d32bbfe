package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/neuralcollective/borg/internal/chat"
)

// TelegramAdapter forwards Telegram group messages into the chat
// dispatcher and delivers replies back to the originating chat. Its
// long-poll loop and stall-detection timeout are carried over from the
// teacher's TelegramChannel; the HITL/plan-step event forwarding that
// channel also did has no equivalent here, since this system's chat
// surface is a dispatcher, not an approval relay.
type TelegramAdapter struct {
	token string
	bot   *tgbotapi.BotAPI
}

// NewTelegramAdapter constructs an adapter that authenticates lazily in
// Start, matching the teacher's pattern of deferring the API call until
// the supervisor actually runs the adapter.
func NewTelegramAdapter(token string) *TelegramAdapter {
	return &TelegramAdapter{token: token}
}

func (t *TelegramAdapter) Prefix() string { return "tg" }

func (t *TelegramAdapter) Start(ctx context.Context, hub *Hub) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.bot = bot

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)
	defer bot.StopReceivingUpdates()

	return t.pollUpdates(ctx, hub, updates)
}

// pollUpdates reads until ctx is done, the update channel closes, or no
// update arrives within the stall window — tgbotapi blocks rather than
// closing the channel on a dead long-poll connection, so a stall timer is
// the only way to notice.
func (t *TelegramAdapter) pollUpdates(ctx context.Context, hub *Hub, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" {
				continue
			}
			msg := update.Message
			chatKey := fmt.Sprintf("tg:%d", msg.Chat.ID)
			err := hub.HandleInbound(ctx, chat.InboundMessage{
				ChatKey:    chatKey,
				MessageID:  strconv.Itoa(msg.MessageID),
				SenderID:   strconv.FormatInt(msg.From.ID, 10),
				SenderName: msg.From.UserName,
				Text:       msg.Text,
			})
			if err != nil {
				return fmt.Errorf("handle inbound: %w", err)
			}
		case <-timer.C:
			return fmt.Errorf("no telegram updates for %v, reconnecting", stallTimeout)
		}
	}
}

// Send delivers text to the chat encoded in chatKey ("tg:<chatID>").
func (t *TelegramAdapter) Send(ctx context.Context, chatKey, text string) error {
	_, idStr, ok := strings.Cut(chatKey, ":")
	if !ok {
		return fmt.Errorf("malformed telegram chat key %q", chatKey)
	}
	chatID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id %q: %w", idStr, err)
	}
	if t.bot == nil {
		return fmt.Errorf("telegram adapter not started")
	}
	_, err = t.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}
