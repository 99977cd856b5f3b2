package slack

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/slack-go/slack/slackevents"
)

const respondedMessagesMaxAge = 1 * time.Hour

// Asker answers a question in the context of a conversation.
type Asker interface {
	Ask(ctx context.Context, question string, history []pipeline.Message) (*pipeline.Output, error)
}

// Messenger is the part of the Slack client the processor posts through.
type Messenger interface {
	HistoryFetcher
	BotUserID() string
	RemoveBotMention(text string) string
	Post(ctx context.Context, channelID, threadTS, text string) (string, error)
	Update(ctx context.Context, channelID, ts, text string) error
	DeleteMessage(ctx context.Context, channelID, ts string) error
}

// Processor processes Slack messages and generates responses
type Processor struct {
	messenger   Messenger
	asker       Asker
	convManager *Manager
	log         *slog.Logger
	tableRows   int
	clock       clockwork.Clock

	// Messages already answered, so redelivered events do not post twice.
	respondedMessages   map[string]time.Time
	respondedMessagesMu sync.RWMutex

	// Messages in the same thread are processed one at a time.
	threadLocks   map[string]*threadLockEntry
	threadLocksMu sync.Mutex
}

type threadLockEntry struct {
	mu       sync.Mutex
	lastUsed time.Time
}

// NewProcessor creates a new message processor
func NewProcessor(
	messenger Messenger,
	asker Asker,
	convManager *Manager,
	log *slog.Logger,
	tableRows int,
) *Processor {
	if tableRows <= 0 {
		tableRows = DefaultTableRows
	}
	return &Processor{
		messenger:         messenger,
		asker:             asker,
		convManager:       convManager,
		log:               log,
		tableRows:         tableRows,
		clock:             clockwork.NewRealClock(),
		respondedMessages: make(map[string]time.Time),
		threadLocks:       make(map[string]*threadLockEntry),
	}
}

func (p *Processor) getThreadLock(threadKey string) *sync.Mutex {
	p.threadLocksMu.Lock()
	defer p.threadLocksMu.Unlock()

	if entry, exists := p.threadLocks[threadKey]; exists {
		entry.lastUsed = p.clock.Now()
		return &entry.mu
	}

	entry := &threadLockEntry{lastUsed: p.clock.Now()}
	p.threadLocks[threadKey] = entry
	return &entry.mu
}

// StartCleanup starts a background goroutine to clean up old responded messages
func (p *Processor) StartCleanup(ctx context.Context) {
	go func() {
		ticker := p.clock.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				p.cleanup()
			}
		}
	}()
}

func (p *Processor) cleanup() {
	now := p.clock.Now()

	p.respondedMessagesMu.Lock()
	for msgKey, timestamp := range p.respondedMessages {
		if now.Sub(timestamp) > respondedMessagesMaxAge {
			delete(p.respondedMessages, msgKey)
		}
	}
	p.respondedMessagesMu.Unlock()

	// Locks still held are in use.
	p.threadLocksMu.Lock()
	for threadKey, entry := range p.threadLocks {
		if now.Sub(entry.lastUsed) > respondedMessagesMaxAge && entry.mu.TryLock() {
			entry.mu.Unlock()
			delete(p.threadLocks, threadKey)
		}
	}
	p.threadLocksMu.Unlock()
}

// HasResponded checks if we've already responded to a message
func (p *Processor) HasResponded(messageKey string) bool {
	p.respondedMessagesMu.RLock()
	_, responded := p.respondedMessages[messageKey]
	p.respondedMessagesMu.RUnlock()
	return responded
}

// MarkResponded marks a message as responded to
func (p *Processor) MarkResponded(messageKey string) {
	p.respondedMessagesMu.Lock()
	p.respondedMessages[messageKey] = p.clock.Now()
	p.respondedMessagesMu.Unlock()
}

// ProcessMessage answers one Slack message in its thread.
func (p *Processor) ProcessMessage(
	ctx context.Context,
	ev *slackevents.MessageEvent,
	messageKey string,
	eventID string,
	isChannel bool,
) {
	startTime := p.clock.Now()
	log := p.log.With("channel", ev.Channel, "user", ev.User, "message_ts", ev.TimeStamp, "thread_ts", ev.ThreadTimeStamp, "event_id", eventID)

	if ev.ThreadTimeStamp != "" && containsNonBotMention(ev.Text, p.messenger.BotUserID()) {
		log.Info("skipping message in thread that mentions another user", "text_preview", TruncateString(ev.Text, 100))
		MessagesIgnoredTotal.WithLabelValues("thread_non_bot_mention").Inc()
		return
	}
	if strings.Contains(ev.Text, ":mute:") {
		log.Info("skipping message with :mute: emoji")
		MessagesIgnoredTotal.WithLabelValues("mute_emoji").Inc()
		return
	}
	if p.HasResponded(messageKey) {
		log.Info("skipping already responded message")
		MessagesIgnoredTotal.WithLabelValues("already_responded").Inc()
		return
	}

	txt := strings.TrimSpace(ev.Text)
	if isChannel {
		txt = p.messenger.RemoveBotMention(txt)
	}
	if txt == "" {
		MessagesIgnoredTotal.WithLabelValues("empty").Inc()
		return
	}

	defer func() {
		MessageProcessingDuration.Observe(p.clock.Since(startTime).Seconds())
	}()

	// Replies always go in a thread, rooted at the message itself for top-level messages.
	threadKey := ev.TimeStamp
	threadTS := ev.TimeStamp
	if ev.ThreadTimeStamp != "" {
		threadKey = ev.ThreadTimeStamp
		threadTS = ev.ThreadTimeStamp
	}

	threadLock := p.getThreadLock(threadKeyFor(ev.Channel, threadKey))
	threadLock.Lock()
	defer threadLock.Unlock()

	log.Info("replying to message", "text_preview", TruncateString(txt, 100), "is_channel", isChannel)

	history, err := p.convManager.GetConversationHistory(ctx, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp, p.messenger)
	if err != nil {
		log.Warn("failed to get conversation history", "error", err)
		ConversationHistoryErrorsTotal.Inc()
		history = []pipeline.Message{}
	}

	thinkingTS, err := p.messenger.Post(ctx, ev.Channel, threadTS, thinkingMessage)
	if err != nil {
		// Answer without the progress message.
		log.Warn("failed to post thinking message", "error", err)
	}

	out, err := p.asker.Ask(ctx, txt, history)
	p.MarkResponded(messageKey)
	if err != nil {
		log.Error("ask failed", "error", err)
		p.reply(ctx, ev.Channel, threadTS, thinkingTS, formatError(err), "error")
		return
	}

	log.Info("question answered", "request_id", out.RequestID, "strategy", out.Strategy, "rows", out.TotalRows, "duration_ms", out.DurationMs)
	if !p.reply(ctx, ev.Channel, threadTS, thinkingTS, formatAnswer(out, p.tableRows), "success") {
		return
	}

	newHistory := append(history,
		pipeline.Message{Role: "user", Content: txt},
		pipeline.Message{Role: "assistant", Content: assistantContent(out), SQL: out.SQL},
	)
	p.convManager.UpdateConversationHistory(threadKey, newHistory)
}

// reply replaces the thinking message with text, or posts text when there
// is no thinking message or it cannot be updated.
func (p *Processor) reply(ctx context.Context, channelID, threadTS, thinkingTS, text, status string) bool {
	if thinkingTS != "" {
		err := p.messenger.Update(ctx, channelID, thinkingTS, text)
		if err == nil {
			MessagesPostedTotal.WithLabelValues(status).Inc()
			return true
		}
		p.log.Debug("failed to update thinking message, posting instead", "error", err)
		if err := p.messenger.DeleteMessage(ctx, channelID, thinkingTS); err != nil {
			p.log.Debug("failed to delete thinking message", "error", err)
		}
	}

	if _, err := p.messenger.Post(ctx, channelID, threadTS, text); err != nil {
		p.log.Error("failed to post reply", "error", err, "channel", channelID, "thread_ts", threadTS)
		MessagesPostedTotal.WithLabelValues("post_failed").Inc()
		return false
	}
	MessagesPostedTotal.WithLabelValues(status).Inc()
	return true
}
