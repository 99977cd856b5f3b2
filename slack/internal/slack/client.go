package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/malbeclabs/askdata/utils/pkg/retry"
	"github.com/slack-go/slack"
	slackmdgo "github.com/snormore/slackmd/slackgo"
)

const processingEmoji = "hourglass_flowing_sand"

// userMentionRe matches <@USERID> and <@USERID|username>.
var userMentionRe = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]+)?>`)

// Client wraps the Slack API client with additional functionality
type Client struct {
	api       *slack.Client
	botUserID string
	log       *slog.Logger
}

// NewClient creates a new Slack client
func NewClient(botToken, appToken string, log *slog.Logger) *Client {
	var api *slack.Client
	if appToken != "" {
		api = slack.New(botToken, slack.OptionAppLevelToken(appToken))
	} else {
		api = slack.New(botToken)
	}

	return &Client{
		api: api,
		log: log,
	}
}

// API returns the underlying Slack API client
func (c *Client) API() *slack.Client {
	return c.api
}

// Initialize runs auth.test and records the bot user ID.
func (c *Client) Initialize(ctx context.Context) (string, error) {
	authTest, err := c.api.AuthTestContext(ctx)
	if err != nil {
		c.log.Warn("slack auth test failed", "error", err)
		return "", err
	}

	c.botUserID = authTest.UserID
	c.log.Info("slack auth test successful", "user_id", authTest.UserID, "team", authTest.Team, "bot_id", authTest.BotID)
	return c.botUserID, nil
}

// BotUserID returns the bot's user ID
func (c *Client) BotUserID() string {
	return c.botUserID
}

// slackRetryConfig retries transient Slack failures. Scope and auth problems
// are configuration issues and fail immediately.
func (c *Client) slackRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Retryable = func(err error) bool {
		var rl *slack.RateLimitedError
		if errors.As(err, &rl) {
			return true
		}
		msg := err.Error()
		if strings.Contains(msg, "missing_scope") || strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "not_in_channel") {
			return false
		}
		return retry.IsRetryable(err)
	}
	return cfg
}

// Post renders markdown into Slack blocks and posts it in the given thread.
// It returns the timestamp of the posted message.
func (c *Client) Post(ctx context.Context, channelID, threadTS, text string) (string, error) {
	ts, err := slackmdgo.Post(ctx, c.api, channelID, text,
		slackmdgo.WithThreadTS(threadTS), slackmdgo.WithFallbackText(text), slackmdgo.WithRetry(nil))
	if err != nil {
		SlackAPIErrorsTotal.WithLabelValues("post_message").Inc()
		return "", err
	}
	return ts, nil
}

// Update replaces the content of an existing message.
func (c *Client) Update(ctx context.Context, channelID, ts, text string) error {
	if err := slackmdgo.Update(ctx, c.api, channelID, ts, text, slackmdgo.WithRetry(nil)); err != nil {
		SlackAPIErrorsTotal.WithLabelValues("update_message").Inc()
		return err
	}
	return nil
}

// DeleteMessage deletes an existing message
func (c *Client) DeleteMessage(ctx context.Context, channelID, timestamp string) error {
	err := retry.Do(ctx, c.slackRetryConfig(), func() error {
		_, _, err := c.api.DeleteMessageContext(ctx, channelID, timestamp)
		return err
	})
	if err != nil {
		SlackAPIErrorsTotal.WithLabelValues("delete_message").Inc()
		return fmt.Errorf("failed to delete message after retries: %w", err)
	}
	return nil
}

// AddProcessingReaction marks a message as being worked on.
func (c *Client) AddProcessingReaction(ctx context.Context, channelID, timestamp string) error {
	itemRef := slack.NewRefToMessage(channelID, timestamp)
	err := retry.Do(ctx, c.slackRetryConfig(), func() error {
		return c.api.AddReactionContext(ctx, processingEmoji, itemRef)
	})
	if err != nil {
		if strings.Contains(err.Error(), "missing_scope") {
			c.log.Error("reactions:write scope is missing from the bot token; add it under OAuth & Permissions and reinstall the app")
		} else {
			c.log.Warn("failed to add reaction", "emoji", processingEmoji, "error", err, "channel", channelID)
		}
		SlackAPIErrorsTotal.WithLabelValues("add_reaction").Inc()
		return err
	}
	return nil
}

// RemoveProcessingReaction removes the reaction added by AddProcessingReaction.
func (c *Client) RemoveProcessingReaction(ctx context.Context, channelID, timestamp string) error {
	itemRef := slack.NewRefToMessage(channelID, timestamp)
	err := retry.Do(ctx, c.slackRetryConfig(), func() error {
		return c.api.RemoveReactionContext(ctx, processingEmoji, itemRef)
	})
	if err != nil {
		c.log.Debug("failed to remove reaction (may not have been added)", "emoji", processingEmoji, "error", err)
		return err
	}
	return nil
}

// CheckRootMessageMentioned checks if the root message of a thread mentioned the bot
func (c *Client) CheckRootMessageMentioned(ctx context.Context, channelID, threadTS string) (bool, error) {
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     1,
	}

	var msgs []slack.Message
	err := retry.Do(ctx, c.slackRetryConfig(), func() error {
		var err error
		msgs, _, _, err = c.api.GetConversationRepliesContext(ctx, params)
		return err
	})
	if err != nil {
		SlackAPIErrorsTotal.WithLabelValues("conversation_replies").Inc()
		return false, fmt.Errorf("failed to get thread replies: %w", err)
	}
	if len(msgs) == 0 {
		return false, nil
	}

	mentioned := c.IsBotMentioned(msgs[0].Text)
	c.log.Debug("checked root message mention", "thread_ts", threadTS, "root_ts", msgs[0].Timestamp, "mentioned", mentioned)
	return mentioned, nil
}

// FetchThreadHistory loads a thread from Slack as conversation history.
// Bot replies become assistant turns and carry the SQL they showed.
func (c *Client) FetchThreadHistory(ctx context.Context, channelID, threadTS string) ([]pipeline.Message, error) {
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     100,
	}

	var history []pipeline.Message
	for {
		var (
			msgs       []slack.Message
			hasMore    bool
			nextCursor string
		)
		err := retry.Do(ctx, c.slackRetryConfig(), func() error {
			var err error
			msgs, hasMore, nextCursor, err = c.api.GetConversationRepliesContext(ctx, params)
			return err
		})
		if err != nil {
			SlackAPIErrorsTotal.WithLabelValues("conversation_replies").Inc()
			return nil, fmt.Errorf("failed to get conversation replies after retries: %w", err)
		}

		for _, msg := range msgs {
			if m, ok := c.toHistoryMessage(msg); ok {
				history = append(history, m)
			}
		}

		if !hasMore || nextCursor == "" {
			break
		}
		params.Cursor = nextCursor
	}

	c.log.Debug("fetched thread history", "thread", threadTS, "messages", len(history))
	return history, nil
}

func (c *Client) toHistoryMessage(msg slack.Message) (pipeline.Message, bool) {
	if strings.TrimSpace(msg.Text) == "" {
		return pipeline.Message{}, false
	}
	isBot := msg.BotID != "" || (c.botUserID != "" && msg.User == c.botUserID)
	if !isBot {
		return pipeline.Message{Role: "user", Content: stripMarkdown(c.RemoveBotMention(msg.Text))}, true
	}
	// Progress and error notices are not part of the conversation.
	if isStatusMessage(msg.Text) {
		return pipeline.Message{}, false
	}
	return pipeline.Message{
		Role:    "assistant",
		Content: stripMarkdown(msg.Text),
		SQL:     extractSQLBlock(msg.Text),
	}, true
}

// IsBotMentioned checks if the bot is mentioned in the given text
func (c *Client) IsBotMentioned(text string) bool {
	if c.botUserID == "" {
		return false
	}
	for _, m := range userMentionRe.FindAllStringSubmatch(text, -1) {
		if m[1] == c.botUserID {
			return true
		}
	}
	return false
}

// RemoveBotMention removes bot mention from text for cleaner processing
func (c *Client) RemoveBotMention(text string) string {
	if c.botUserID == "" {
		return text
	}
	text = userMentionRe.ReplaceAllStringFunc(text, func(m string) string {
		if userMentionRe.FindStringSubmatch(m)[1] == c.botUserID {
			return ""
		}
		return m
	})
	return strings.TrimSpace(text)
}

// containsNonBotMention reports whether text mentions a user other than the bot.
func containsNonBotMention(text, botUserID string) bool {
	if botUserID == "" {
		return false
	}
	for _, m := range userMentionRe.FindAllStringSubmatch(text, -1) {
		if m[1] != botUserID {
			return true
		}
	}
	return false
}
