package slack

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/malbeclabs/askdata/utils/pkg/cache"
)

const (
	maxHistoryMessages = 20 // Keep last N messages to avoid token limits
	maxConversations   = maxHistoryMessages * 10
)

const activeThreadsMaxAge = 24 * time.Hour

// Manager manages conversation history and active threads
type Manager struct {
	// Keyed by thread timestamp (or message timestamp if no thread).
	// Oldest threads are evicted first.
	conversations *cache.Bounded[string, []pipeline.Message]

	// Threads the bot was mentioned in, keyed by channel:thread_ts.
	activeThreads   map[string]time.Time
	activeThreadsMu sync.RWMutex

	clock clockwork.Clock
	log   *slog.Logger
}

// NewManager creates a new conversation manager. A nil clock uses the real clock.
func NewManager(log *slog.Logger, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		conversations: cache.New[string, []pipeline.Message](maxConversations),
		activeThreads: make(map[string]time.Time),
		clock:         clock,
		log:           log,
	}
}

// StartCleanup starts a background goroutine to clean up old entries
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := m.clock.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.cleanup()
			}
		}
	}()
}

func (m *Manager) cleanup() {
	now := m.clock.Now()

	m.activeThreadsMu.Lock()
	for threadKey, timestamp := range m.activeThreads {
		if now.Sub(timestamp) > activeThreadsMaxAge {
			delete(m.activeThreads, threadKey)
		}
	}
	activeCount := len(m.activeThreads)
	m.activeThreadsMu.Unlock()

	ActiveConversations.Set(float64(activeCount))
}

func threadKeyFor(channelID, threadTS string) string {
	return fmt.Sprintf("%s:%s", channelID, threadTS)
}

// MarkThreadActive marks a thread as active (bot was mentioned in root message)
func (m *Manager) MarkThreadActive(channelID, threadTS string) {
	threadKey := threadKeyFor(channelID, threadTS)
	m.activeThreadsMu.Lock()
	m.activeThreads[threadKey] = m.clock.Now()
	activeCount := len(m.activeThreads)
	m.activeThreadsMu.Unlock()
	ActiveConversations.Set(float64(activeCount))
	m.log.Debug("marked thread as active", "thread_key", threadKey)
}

// IsThreadActive checks if a thread is active
func (m *Manager) IsThreadActive(channelID, threadTS string) bool {
	m.activeThreadsMu.RLock()
	_, active := m.activeThreads[threadKeyFor(channelID, threadTS)]
	m.activeThreadsMu.RUnlock()
	return active
}

// HistoryFetcher fetches conversation history from Slack
type HistoryFetcher interface {
	FetchThreadHistory(ctx context.Context, channelID, threadTS string) ([]pipeline.Message, error)
}

// GetConversationHistory returns the history for a thread, fetching it from
// Slack on a cache miss. A top-level message starts a new conversation.
func (m *Manager) GetConversationHistory(
	ctx context.Context,
	channelID, messageTS, threadTS string,
	fetcher HistoryFetcher,
) ([]pipeline.Message, error) {
	threadKey := messageTS
	if threadTS != "" {
		threadKey = threadTS
	}

	if msgs, ok := m.conversations.Get(threadKey); ok {
		return msgs, nil
	}

	msgs := []pipeline.Message{}
	if threadTS != "" {
		fetched, err := fetcher.FetchThreadHistory(ctx, channelID, threadTS)
		if err != nil {
			// Not cached, so the next message in the thread tries again.
			return msgs, fmt.Errorf("failed to fetch thread history: %w", err)
		}
		// The thread includes the message being answered.
		msgs = dropTrailingUserMessage(fetched)
	}

	m.conversations.Put(threadKey, trimHistory(msgs))
	return msgs, nil
}

// UpdateConversationHistory stores the history for a thread, keeping the
// most recent maxHistoryMessages messages.
func (m *Manager) UpdateConversationHistory(threadKey string, msgs []pipeline.Message) {
	m.conversations.Put(threadKey, trimHistory(msgs))
}

// ClearConversation clears the conversation cache for a specific thread
func (m *Manager) ClearConversation(threadKey string) {
	m.conversations.Delete(threadKey)
	m.log.Debug("cleared conversation cache", "thread_key", threadKey)
}

func trimHistory(msgs []pipeline.Message) []pipeline.Message {
	if len(msgs) <= maxHistoryMessages {
		return msgs
	}
	return msgs[len(msgs)-maxHistoryMessages:]
}

func dropTrailingUserMessage(msgs []pipeline.Message) []pipeline.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" {
		return msgs[:n-1]
	}
	return msgs
}

var (
	codeBlockRe     = regexp.MustCompile("(?s)```[a-zA-Z]*\\n?.*?```")
	inlineCodeRe    = regexp.MustCompile("`[^`]+`")
	linkRe          = regexp.MustCompile(`\[([^\]]+)\]\([^\)]+\)`)
	boldRe          = regexp.MustCompile(`\*\*([^\*]+)\*\*`)
	emphasisRe      = regexp.MustCompile(`\*([^\*]+)\*`)
	underlineRe     = regexp.MustCompile(`__([^_]+)__`)
	italicRe        = regexp.MustCompile(`_([^_]+)_`)
	headerRe        = regexp.MustCompile(`^#{1,6}\s+`)
	strikethroughRe = regexp.MustCompile(`~~([^~]+)~~`)
	blankLinesRe    = regexp.MustCompile(`\n\s*\n\s*\n`)
)

// stripMarkdown removes markdown formatting from text, converting it to plain text
func stripMarkdown(text string) string {
	text = codeBlockRe.ReplaceAllString(text, "")
	text = inlineCodeRe.ReplaceAllString(text, "")
	text = linkRe.ReplaceAllString(text, "$1")
	text = boldRe.ReplaceAllString(text, "$1")
	text = emphasisRe.ReplaceAllString(text, "$1")
	text = underlineRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = headerRe.ReplaceAllString(text, "")
	text = strikethroughRe.ReplaceAllString(text, "$1")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
