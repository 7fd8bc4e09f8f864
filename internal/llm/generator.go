// ABOUTME: Text generation over an OpenAI-compatible endpoint via langchaingo
// ABOUTME: Provides group replies, per-turn intent decisions and chunk plans

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/2389/parlor/internal/scheduler"
	"github.com/2389/parlor/internal/store"
)

// ErrEmptyResponse is returned when the model produced no choices or only whitespace
var ErrEmptyResponse = errors.New("empty model response")

// Config configures the OpenAI-compatible client
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// MaxDelay caps planned chunk delays; zero leaves them uncapped
	MaxDelay time.Duration
}

// Generator produces assistant text with a langchaingo model
type Generator struct {
	model    llms.Model
	timeout  time.Duration
	maxDelay time.Duration
	logger   *slog.Logger
}

// New creates a Generator backed by langchaingo's OpenAI client.
func New(cfg Config, logger *slog.Logger) (*Generator, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewWithModel(client, cfg, logger), nil
}

// NewWithModel wraps an existing llms.Model. Tests pass a fake here.
func NewWithModel(model llms.Model, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		model:    model,
		timeout:  cfg.Timeout,
		maxDelay: cfg.MaxDelay,
		logger:   logger.With("component", "llm"),
	}
}

// Reply continues history with one assistant message answering prompt.
// History is sent as-is, so a leading system entry acts as the system prompt.
func (g *Generator) Reply(ctx context.Context, prompt string, history []store.HistoryEntry) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt must not be empty")
	}

	messages := toMessages(history)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	text, err := g.generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}
	return text, nil
}

// Decide asks the model what the persona intends to say next. The result is
// free text fed into PlanChunks.
func (g *Generator) Decide(ctx context.Context, message string, user *store.User, ai *store.AI, history []store.HistoryEntry) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message must not be empty")
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, IntentPrompt(user, ai, history)),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf("Latest message from %s: %s\nYour plan:", displayUser(user), message)),
	}

	text, err := g.generate(ctx, messages, llms.WithTemperature(0.7))
	if err != nil {
		return "", fmt.Errorf("deciding intent: %w", err)
	}
	return text, nil
}

// PlanChunks turns the intent into a list of timed chunks. Output that does
// not contain a parseable plan is an error.
func (g *Generator) PlanChunks(ctx context.Context, history []store.HistoryEntry, user *store.User, ai *store.AI, message, intent string) ([]scheduler.Chunk, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, PlannerPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, PlanRequest(history, user, ai, message, intent)),
	}

	text, err := g.generate(ctx, messages, llms.WithTemperature(0.7))
	if err != nil {
		return nil, fmt.Errorf("planning chunks: %w", err)
	}

	chunks, err := ParsePlan(text, g.maxDelay)
	if err != nil {
		g.logger.Warn("unusable chunk plan", "error", err, "output_len", len(text))
		return nil, err
	}
	return chunks, nil
}

func (g *Generator) generate(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptyResponse
	}

	g.logger.Debug("generation complete",
		"messages", len(messages),
		"duration", time.Since(start),
	)
	return text, nil
}

func toMessages(history []store.HistoryEntry) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+1)
	for _, e := range history {
		messages = append(messages, llms.TextParts(chatType(e.Role), e.Content))
	}
	return messages
}

func chatType(r store.Role) llms.ChatMessageType {
	switch r {
	case store.RoleSystem:
		return llms.ChatMessageTypeSystem
	case store.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
