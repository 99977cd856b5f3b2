package slack

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/malbeclabs/askdata/utils/pkg/cache"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	maxEventBodyBytes = 1 << 20
	// Slack redelivers unacknowledged events for a few minutes. This many
	// recent IDs covers that window for any realistic event rate.
	processedEventsMax = 10000
)

// MentionChecker answers whether a message or thread is addressed to the bot.
type MentionChecker interface {
	IsBotMentioned(text string) bool
	CheckRootMessageMentioned(ctx context.Context, channelID, threadTS string) (bool, error)
}

// EventHandler receives Slack events over HTTP or Socket Mode and hands the
// messages the bot should answer to the processor.
type EventHandler struct {
	mentions    MentionChecker
	processor   *Processor
	convManager *Manager
	log         *slog.Logger
	botUserID   string
	shutdownCtx context.Context

	// Event IDs and channel:ts message keys already dispatched.
	processed   *cache.Bounded[string, struct{}]
	processedMu sync.Mutex

	stopped  atomic.Bool
	inFlight sync.WaitGroup
}

// NewEventHandler creates a new event handler. In-flight messages keep
// running after ctx is cancelled until StopAcceptingNew's wait returns.
func NewEventHandler(
	mentions MentionChecker,
	processor *Processor,
	convManager *Manager,
	log *slog.Logger,
	botUserID string,
	ctx context.Context,
) *EventHandler {
	return &EventHandler{
		mentions:    mentions,
		processor:   processor,
		convManager: convManager,
		log:         log,
		botUserID:   botUserID,
		shutdownCtx: ctx,
		processed:   cache.New[string, struct{}](processedEventsMax),
	}
}

// StopAcceptingNew stops dispatching new events and returns a function that
// blocks until in-flight messages are done.
func (h *EventHandler) StopAcceptingNew() func() {
	h.stopped.Store(true)
	return h.inFlight.Wait
}

// claim records key and reports whether it was new.
func (h *EventHandler) claim(key string) bool {
	h.processedMu.Lock()
	defer h.processedMu.Unlock()
	if _, seen := h.processed.Get(key); seen {
		return false
	}
	h.processed.Put(key, struct{}{})
	return true
}

// HandleHTTP serves the Slack Events API endpoint.
func (h *EventHandler) HandleHTTP(w http.ResponseWriter, r *http.Request, signingSecret string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodyBytes))
	if err != nil {
		h.log.Error("failed to read request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !VerifySlackSignature(r, body, signingSecret) {
		h.log.Warn("invalid Slack signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var challenge struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &challenge); err == nil && challenge.Type == slackevents.URLVerification {
		h.log.Info("responding to URL verification challenge")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.log.Error("failed to parse event", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if h.stopped.Load() {
		// Slack retries the delivery, possibly to another instance.
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	eventID := httpEventID(event, body)
	if !h.claim(eventID) {
		h.log.Info("skipping duplicate event", "event_id", eventID, "retry_num", r.Header.Get("X-Slack-Retry-Num"))
		EventsDuplicateTotal.Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	// Slack expects an answer within 3 seconds.
	w.WriteHeader(http.StatusOK)
	h.handleEvent(event, eventID)
}

func httpEventID(event slackevents.EventsAPIEvent, body []byte) string {
	if cb, ok := event.Data.(*slackevents.EventsAPICallbackEvent); ok && cb.EventID != "" {
		return cb.EventID
	}
	return fmt.Sprintf("%x", sha256.Sum256(body))
}

// HandleSocketMode consumes Socket Mode events until ctx is cancelled.
func (h *EventHandler) HandleSocketMode(ctx context.Context, client *socketmode.Client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-client.Events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case socketmode.EventTypeConnecting:
				h.log.Info("socketmode: connecting")
			case socketmode.EventTypeConnected:
				h.log.Info("socketmode: connected")
			case socketmode.EventTypeConnectionError:
				h.log.Error("socketmode: connection error", "error", evt.Data)
			case socketmode.EventTypeEventsAPI:
				e, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok || evt.Request == nil {
					continue
				}
				client.Ack(*evt.Request)
				if h.stopped.Load() {
					continue
				}

				envelopeID := evt.Request.EnvelopeID
				if envelopeID != "" && !h.claim(envelopeID) {
					h.log.Info("skipping duplicate event", "envelope_id", envelopeID, "retry_attempt", evt.Request.RetryAttempt)
					EventsDuplicateTotal.Inc()
					continue
				}
				h.handleEvent(e, envelopeID)
			}
		}
	}
}

func (h *EventHandler) handleEvent(e slackevents.EventsAPIEvent, eventID string) {
	EventsReceivedTotal.WithLabelValues(e.Type, e.InnerEvent.Type).Inc()
	if e.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := e.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		h.handleMessage(ev, eventID)
	case *slackevents.AppMentionEvent:
		// The same message usually also arrives as a message event; the
		// message key dedupes the pair.
		h.handleMessage(&slackevents.MessageEvent{
			Type:            ev.Type,
			User:            ev.User,
			Text:            ev.Text,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
			Channel:         ev.Channel,
			BotID:           ev.BotID,
			ChannelType:     "channel",
		}, eventID)
	}
}

func (h *EventHandler) handleMessage(ev *slackevents.MessageEvent, eventID string) {
	if ev.SubType != "" {
		MessagesIgnoredTotal.WithLabelValues("subtype").Inc()
		return
	}
	if ev.BotID != "" || (h.botUserID != "" && ev.User == h.botUserID) {
		MessagesIgnoredTotal.WithLabelValues("bot_message").Inc()
		return
	}

	isDM := ev.ChannelType == "im"
	if !isDM && !h.addressedToBot(ev) {
		MessagesIgnoredTotal.WithLabelValues("not_mentioned").Inc()
		return
	}

	messageKey := fmt.Sprintf("%s:%s", ev.Channel, ev.TimeStamp)
	if !h.claim(messageKey) {
		EventsDuplicateTotal.Inc()
		return
	}

	channelType := ev.ChannelType
	if channelType == "" {
		channelType = "unknown"
	}
	MessagesProcessedTotal.WithLabelValues(channelType).Inc()

	h.inFlight.Add(1)
	go func() {
		defer h.inFlight.Done()
		h.processor.ProcessMessage(context.WithoutCancel(h.shutdownCtx), ev, messageKey, eventID, !isDM)
	}()
}

// addressedToBot decides whether a channel message is for the bot: it
// mentions the bot, or it is a reply in a thread the bot was mentioned in.
func (h *EventHandler) addressedToBot(ev *slackevents.MessageEvent) bool {
	rootTS := ev.ThreadTimeStamp
	if rootTS == "" {
		rootTS = ev.TimeStamp
	}

	if h.mentions.IsBotMentioned(ev.Text) {
		h.convManager.MarkThreadActive(ev.Channel, rootTS)
		return true
	}
	if ev.ThreadTimeStamp == "" {
		return false
	}
	if h.convManager.IsThreadActive(ev.Channel, ev.ThreadTimeStamp) {
		return true
	}

	mentioned, err := h.mentions.CheckRootMessageMentioned(h.shutdownCtx, ev.Channel, ev.ThreadTimeStamp)
	if err != nil {
		h.log.Warn("failed to check thread root for mention", "error", err, "channel", ev.Channel, "thread_ts", ev.ThreadTimeStamp)
		return false
	}
	if mentioned {
		h.convManager.MarkThreadActive(ev.Channel, ev.ThreadTimeStamp)
	}
	return mentioned
}
