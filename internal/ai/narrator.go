package ai

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/planner"
)

const maxCommentLen = 400

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Narrator asks an OpenAI-compatible model to explain a plan. A disabled or
// failing narrator returns an empty comment.
type Narrator struct {
	client  chatClient
	model   string
	timeout time.Duration
	enabled bool
	logger  *logger.Logger
}

func NewNarrator(cfg config.AIConfig, log *logger.Logger) *Narrator {
	if !cfg.Enabled {
		return &Narrator{enabled: false, logger: log}
	}
	ocfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		ocfg.BaseURL = cfg.BaseURL
	}
	return &Narrator{
		client:  openai.NewClientWithConfig(ocfg),
		model:   cfg.Model,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		enabled: true,
		logger:  log,
	}
}

func (n *Narrator) Enabled() bool {
	return n.enabled
}

func (n *Narrator) Comment(ctx context.Context, plan *planner.Plan) string {
	if !n.enabled || plan.Halted {
		return ""
	}
	text, err := n.ask(ctx, plan)
	if err != nil {
		n.logger.Warn("plan commentary failed", "error", err)
		return ""
	}
	return text
}

func (n *Narrator) ask(ctx context.Context, plan *planner.Plan) (string, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: n.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(plan)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	n.logger.Debug("plan commentary received", "length", len(raw))
	return CleanComment(raw, maxCommentLen), nil
}
