package nexus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	summaryParamName = "summary_enabled"

	// summaryRateLimitWindow is the per-user window for the summary
	// operation. Every call site checking this operation must use this
	// window.
	summaryRateLimitWindow = 5 * time.Minute

	summarySystemPrompt = "You summarize chat messages. Reply with a " +
		"concise summary of the text you are given, in the same language " +
		"as the text. Do not add commentary."
)

// summaryCompletionClient is the subset of the completion API client
// used by the summary plugin, to enable testing/mocking.
type summaryCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// SummaryPlugin summarizes a message via an OpenAI-compatible
// completion API. The text comes from the replied-to message, or from
// the command arguments.
//
// Chats opt in through the `summary` setting; requests are throttled
// per user, and outbound API calls are limited process-wide.
type SummaryPlugin struct {
	config         *OpenRouterConfig
	client         summaryCompletionClient
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	mu             sync.RWMutex // protects requestLimiter
}

func (*SummaryPlugin) Name() string {
	return "summary"
}

func (*SummaryPlugin) Commands() []string {
	return []string{"summary"}
}

func (p *SummaryPlugin) Register(n *Nexus) error {
	p.config = n.config.OpenRouter

	n.RegisterParam(
		ParamDescriptor{
			Name:        summaryParamName,
			Kind:        PluginParamKind(p.Name()),
			Default:     false,
			Description: "Summarize messages on demand",
			DisplayName: "Chat summarization",
		},
	)

	p.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     p.config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "summary")

	if p.client == nil && p.config.Token == "" {
		p.logger.Warn("completion API token not set, summaries unavailable")
	}
	if p.client == nil && p.config.Token != "" {
		clientCfg := openai.DefaultConfig(p.config.Token)
		if p.config.BaseURL != "" {
			clientCfg.BaseURL = p.config.BaseURL
		}
		if n.config.HTTPClient != nil {
			clientCfg.HTTPClient = n.config.HTTPClient
		}
		p.client = openai.NewClientWithConfig(clientCfg)
	}
	if p.requestLimiter == nil {
		p.requestLimiter = rate.NewLimiter(
			rate.Limit(p.config.MaxRequestsPerSecond),
			1,
		)
	}
	return nil
}

func (p *SummaryPlugin) Handle(
	ctx context.Context,
	n *Nexus,
	event CommandEvent,
) error {
	if p.client == nil {
		return n.Reply(event, "Summaries aren't configured on this bot.")
	}
	if !n.peerConfig.BoolValue(ctx, event.ChatID, summaryParamName, false) {
		return n.Reply(
			event,
			fmt.Sprintf(
				"Summaries are disabled in this chat. An admin can run `%sconfig enable summary`.",
				n.config.Discord.CommandPrefix,
			),
		)
	}

	text := p.sourceText(event)
	if text == "" {
		return n.Reply(
			event,
			"Reply to a message, or pass the text to summarize.",
		)
	}

	if !n.CheckRateLimit(ctx, event.UserID, "summary", summaryRateLimitWindow) {
		return n.Reply(event, n.config.Discord.CooldownMessage)
	}

	summary, err := p.summarize(ctx, text)
	if err != nil {
		return fmt.Errorf("error summarizing message: %w", err)
	}
	return n.Reply(event, summary)
}

// sourceText picks the text to summarize: the replied-to message if
// there is one, otherwise the command arguments.
func (*SummaryPlugin) sourceText(event CommandEvent) string {
	ref := event.Message.ReferencedMessage
	if ref != nil && ref.Content != "" {
		return ref.Content
	}
	return strings.TrimSpace(strings.Join(event.Args, " "))
}

func (p *SummaryPlugin) summarize(ctx context.Context, text string) (
	string,
	error,
) {
	if err := p.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}

	p.logger.InfoContext(
		ctx,
		"requesting summary",
		"model", p.config.Model,
		"input_length", len(text),
	)
	resp, err := p.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model: p.config.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: summarySystemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				},
			},
		},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion response had no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (p *SummaryPlugin) waitOnRequestLimiter(ctx context.Context) error {
	// RUnlock isn't deferred here: `rate.Limiter` does not specify that
	// it's safe to concurrently call `Wait` and `SetLimit`.
	p.mu.RLock()
	requestLimiter := p.requestLimiter
	p.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}
