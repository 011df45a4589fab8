// Package notify is the human-operator notification channel: SYNC blockers
// need a way to reach a person outside the operator console, and ASYNC
// blockers should still surface somewhere. A reconnect-with-backoff
// long-poll loop and an allowed-chat-ID gate protect a Telegram relay that
// forwards a blocker prompt and resolves it from the operator's reply.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/frankbria/codeframe/internal/blocker"
	"github.com/frankbria/codeframe/internal/events"
	"github.com/frankbria/codeframe/internal/store"
)

// TelegramNotifier relays raised blockers to a Telegram chat and resolves
// them from the operator's plain-text reply. Only SYNC/ASYNC blockers of
// severity medium or higher are relayed by default — low-severity ASYNC
// blockers are expected to be handled from the operator console, not
// paged out.
type TelegramNotifier struct {
	token      string
	allowedIDs map[int64]struct{}
	blockers   *blocker.Queue
	store      *store.Store
	bus        *events.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	pendingMu sync.Mutex
	pending   map[int64]string // chatID -> blocker_id awaiting a reply
}

func New(token string, allowedIDs []int64, blockers *blocker.Queue, st *store.Store, bus *events.Bus, logger *slog.Logger) *TelegramNotifier {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{
		token:      token,
		allowedIDs: allowed,
		blockers:   blockers,
		store:      st,
		bus:        bus,
		logger:     logger,
		pending:    make(map[int64]string),
	}
}

// Start connects the bot and runs until ctx is cancelled, relaying
// blocker_raised events as outbound messages and feeding operator replies
// back into BlockerQueue.Resolve. Reconnects on long-poll failure with a
// doubling backoff capped at 30s.
func (n *TelegramNotifier) Start(ctx context.Context) error {
	var err error
	n.bot, err = tgbotapi.NewBotAPI(n.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	n.logger.Info("telegram notifier started", "user", n.bot.Self.UserName)

	go n.watchBlockers(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := n.bot.GetUpdatesChan(u)

		pollErr := n.pollUpdates(ctx, updates)
		n.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		n.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// watchBlockers subscribes to the event bus and relays every raised blocker
// as an outbound message to every allowed chat ID. Resolution, unlike
// raising, is 1:1 with a single replying chat (whoever answers first wins,
// matching BlockerQueue.Resolve's own "wake exactly one waiter" semantics).
func (n *TelegramNotifier) watchBlockers(ctx context.Context) {
	sub := n.bus.Subscribe()
	defer n.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if ev.Type != events.TypeBlockerRaised {
				continue
			}
			payload, ok := ev.Payload.(map[string]any)
			if !ok {
				continue
			}
			blockerID, _ := payload["blocker_id"].(string)
			if blockerID == "" {
				continue
			}
			n.relay(ctx, blockerID)
		}
	}
}

func (n *TelegramNotifier) relay(ctx context.Context, blockerID string) {
	b, err := n.store.GetBlocker(ctx, blockerID)
	if err != nil {
		n.logger.Warn("relay: blocker lookup failed", "blocker_id", blockerID, "error", err)
		return
	}
	text := fmt.Sprintf("[%s/%s] task %s:\n%s\n\nReply to this chat to resolve.", b.Kind, b.Severity, b.TaskID, b.Prompt)
	for chatID := range n.allowedIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
			continue
		}
		n.pendingMu.Lock()
		n.pending[chatID] = blockerID
		n.pendingMu.Unlock()
	}
}

// pollUpdates detects stalls: tgbotapi blocks rather than closing its
// channel on a dead long-poll connection, so an explicit 2.5x-timeout
// stall timer is the only way to notice.
func (n *TelegramNotifier) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				n.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (n *TelegramNotifier) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if _, ok := n.allowedIDs[msg.From.ID]; !ok {
		n.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return
	}
	answer := strings.TrimSpace(msg.Text)
	if answer == "" {
		return
	}

	n.pendingMu.Lock()
	blockerID, ok := n.pending[msg.Chat.ID]
	if ok {
		delete(n.pending, msg.Chat.ID)
	}
	n.pendingMu.Unlock()
	if !ok {
		return
	}

	b, err := n.store.GetBlocker(ctx, blockerID)
	if err != nil {
		n.reply(msg.Chat.ID, fmt.Sprintf("could not resolve: %v", err))
		return
	}
	if _, err := n.blockers.Resolve(ctx, blockerID, answer, store.TaskAssigned); err != nil {
		n.reply(msg.Chat.ID, fmt.Sprintf("could not resolve blocker %s: %v", blockerID, err))
		return
	}
	n.reply(msg.Chat.ID, fmt.Sprintf("resolved blocker on task %s", b.TaskID))
}

func (n *TelegramNotifier) reply(chatID int64, text string) {
	if _, err := n.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		n.logger.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// ParseAllowedIDs converts a comma-separated config string ("111,222") into
// the int64 slice New expects; kept here rather than in internal/config so
// notify has no config-package dependency of its own.
func ParseAllowedIDs(csv string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}
