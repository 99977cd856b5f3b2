package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/askdata/api/metrics"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5"

// statusOverloaded is Anthropic's "overloaded" status. It is handled like a
// rate limit.
const statusOverloaded = 529

// AnthropicGenerator implements Generator using the Anthropic API.
type AnthropicGenerator struct {
	log    *slog.Logger
	client anthropic.Client
	model  anthropic.Model
	// name labels metrics and spans (e.g. "sql", "chart").
	name string
}

// NewAnthropicGenerator creates a generator. An empty apiKey falls back to
// the SDK's environment lookup. SDK-level retries are disabled because the
// Client retries rate limits itself.
func NewAnthropicGenerator(log *slog.Logger, apiKey, model, name string) *AnthropicGenerator {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	if name == "" {
		name = "sql"
	}
	return &AnthropicGenerator{
		log:    log,
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
		name:   name,
	}
}

func (g *AnthropicGenerator) Name() string {
	return "anthropic/" + string(g.model)
}

func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string, sampling Sampling) (Completion, error) {
	span := sentry.StartSpan(ctx, "gen_ai.chat", sentry.WithDescription(fmt.Sprintf("chat %s", g.model)))
	span.SetData("gen_ai.operation.name", "chat")
	span.SetData("gen_ai.request.model", string(g.model))
	span.SetData("gen_ai.request.max_tokens", sampling.MaxTokens)
	span.SetData("gen_ai.request.temperature", sampling.Temperature)
	span.SetData("gen_ai.system", "anthropic")
	span.SetTag("phase", g.name)
	ctx = span.Context()
	defer span.Finish()

	params := anthropic.MessageNewParams{
		Model:       g.model,
		MaxTokens:   sampling.MaxTokens,
		Temperature: anthropic.Float(sampling.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	// The API rejects temperature and top_p together on newer models, so
	// top_p is only sent for non-zero temperatures.
	if sampling.TopP > 0 && sampling.Temperature > 0 {
		params.TopP = anthropic.Float(sampling.TopP)
	}
	if sampling.TopK > 0 {
		params.TopK = anthropic.Int(sampling.TopK)
	}

	start := time.Now()
	g.log.Debug("anthropic: call starting", "phase", g.name, "model", g.model, "prompt_len", len(prompt))
	msg, err := g.client.Messages.New(ctx, params)
	duration := time.Since(start)
	metrics.RecordAnthropicRequest(g.name, duration, err)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		g.log.Warn("anthropic: call failed", "phase", g.name, "duration", duration, "error", err)
		return Completion{}, classifyAnthropicError(err)
	}

	metrics.RecordAnthropicTokens(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	span.SetData("gen_ai.usage.input_tokens", msg.Usage.InputTokens)
	span.SetData("gen_ai.usage.output_tokens", msg.Usage.OutputTokens)
	span.Status = sentry.SpanStatusOK
	g.log.Debug("anthropic: call completed", "phase", g.name, "duration", duration, "stop_reason", msg.StopReason,
		"input_tokens", msg.Usage.InputTokens, "output_tokens", msg.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, fmt.Errorf("no text content in response")
	}

	return Completion{
		Text:  text.String(),
		Model: string(msg.Model),
		Usage: &TokenUsage{
			PromptTokens:    msg.Usage.InputTokens,
			CandidateTokens: msg.Usage.OutputTokens,
			TotalTokens:     msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, statusOverloaded:
			return &RateLimitError{Status: apiErr.StatusCode, Err: err}
		}
	}
	return fmt.Errorf("anthropic API error: %w", err)
}
