package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"boltgate/pkg/ack"
	"boltgate/pkg/config"
	"boltgate/pkg/metrics"
	"boltgate/pkg/receiver"
)

const Name = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second

// messenger is the part of the bot API the receiver replies through.
type messenger interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Receiver turns Telegram text messages into events. The bot token
// authenticates the long-polling connection, so updates carry no signature,
// and acknowledging an event replies in the originating chat.
type Receiver struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
}

// NewReceiver validates Telegram configuration and constructs a receiver.
func NewReceiver(cfg config.TelegramConfig, log *slog.Logger) (*Receiver, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("receivers.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Receiver{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "receiver.telegram"),
	}, nil
}

// Name returns the receiver identifier used in logs and metrics.
func (r *Receiver) Name() string {
	return Name
}

// Run starts long polling and hands each accepted message to processor.
func (r *Receiver) Run(ctx context.Context, processor receiver.Processor) error {
	if processor == nil {
		return errors.New("processor is required")
	}

	bot, err := telego.NewBot(strings.TrimSpace(r.cfg.Token))
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	r.log.Info("Telegram receiver started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			r.handleUpdate(ctx, bot, processor, update)
		}
	}
}

func (r *Receiver) handleUpdate(ctx context.Context, bot messenger, processor receiver.Processor, update telego.Update) {
	message := update.Message
	if message == nil {
		return
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return
	}
	if message.From == nil {
		r.log.Debug("Ignoring message without sender")
		return
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !r.senderAllowed(senderID) {
		r.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		metrics.ObserveOutcome(Name, metrics.OutcomeRejectedAuth)
		return
	}

	chatID := message.Chat.ID
	chatKey := strconv.FormatInt(chatID, 10)
	payload := map[string]any{
		"type":        "message",
		"update_id":   strconv.Itoa(update.UpdateID),
		"chat_id":     chatKey,
		"sender_id":   senderID,
		"session_key": sessionKey(chatKey),
		"text":        content,
	}

	controller := ack.New(
		func(ctx context.Context, resp ack.Response) error {
			text, err := replyText(resp)
			if err != nil || text == "" {
				return err
			}
			r.log.Info("Sending message", "chat_id", chatKey, "content", previewText(text))
			if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
			return nil
		},
		ack.WithLogger(r.log),
		ack.WithTimeoutHook(metrics.AckTimeoutHook(Name)),
	)
	defer controller.Stop()

	event := receiver.NewEvent(Name, payload, controller)
	log := r.log.With("event_id", event.ID, "chat_id", chatKey)
	log.Info("Received message", "sender_id", senderID, "content", previewText(content))

	stopTyping := r.startTypingIndicator(ctx, bot, chatID)
	err := event.Settle(processor.ProcessEvent(ctx, event))
	stopTyping()

	metrics.ObserveOutcome(Name, receiver.Outcome(err, controller.Acknowledged()))
	if latency, ok := controller.Latency(); ok {
		metrics.ObserveAck(Name, latency)
	}

	switch {
	case err != nil && receiver.IsContractViolation(err):
		log.Error("Handler broke the acknowledgment contract", "error", err)
	case err != nil:
		log.Error("Failed to process inbound message", "error", err)
	case !controller.Acknowledged():
		log.Debug("Message processed without reply")
	}
}

// replyText renders an acknowledgment as chat text. JSON documents reply
// with their "text" field when present and with the encoded document
// otherwise.
func replyText(resp ack.Response) (string, error) {
	switch resp.Kind() {
	case ack.KindEmpty:
		return "", nil
	case ack.KindText:
		return strings.TrimSpace(resp.TextValue()), nil
	}

	if doc, ok := resp.Document().(map[string]any); ok {
		if text, ok := doc["text"].(string); ok {
			return strings.TrimSpace(text), nil
		}
	}

	body, _, err := resp.Encode()
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (r *Receiver) senderAllowed(senderID string) bool {
	if len(r.allowFrom) == 0 {
		return true
	}

	_, ok := r.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// sessionKey maps one Telegram chat to one conversation namespace.
func sessionKey(chatID string) string {
	return "telegram:" + strings.TrimSpace(chatID)
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// startTypingIndicator sends an initial typing action and refreshes it periodically
// until the returned cancel function is called.
func (r *Receiver) startTypingIndicator(ctx context.Context, bot messenger, chatID int64) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			r.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
