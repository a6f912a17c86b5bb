package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/crypto-rebalancer/internal/config"
	"github.com/camuig/crypto-rebalancer/internal/logger"
	"github.com/camuig/crypto-rebalancer/internal/planner"
)

type fakeChat struct {
	reply string
	err   error
	req   openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.req = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.reply}}},
	}, nil
}

func testPlan() *planner.Plan {
	return &planner.Plan{
		Account:     "main",
		Prices:      map[string]float64{"BTC-USD": 65000, "ETH-USD": 3000},
		Balances:    map[string]float64{"USD": 500},
		Weights:     map[string]float64{"BTC-USD": 0.7, "ETH-USD": 0.3},
		Targets:     map[string]float64{"BTC": 0.6, "ETH": 0.4},
		CryptoValue: 10000,
		Actions: []planner.Action{
			{Instrument: "BTC-USD", Side: planner.SideSell, Qty: 0.01, USD: -650},
			{Instrument: "ETH-USD", Side: planner.SideBuy, Qty: 0.2, USD: 600, Note: planner.NoteCashDeploy},
		},
		Config: planner.AppliedConfig{Band: 0.05, BandSource: "dynamic"},
	}
}

func TestBuildUserPrompt(t *testing.T) {
	prompt := BuildUserPrompt(testPlan())
	assert.Contains(t, prompt, "| BTC-USD | 65000.00 | 70.00 | 60.00 |")
	assert.Contains(t, prompt, "- SELL 0.010000 BTC-USD (~650.00 USD)")
	assert.Contains(t, prompt, "[cash_deploy]")
	assert.Contains(t, prompt, "Band: 5.00% (dynamic)")

	plan := testPlan()
	plan.Actions = nil
	assert.Contains(t, BuildUserPrompt(plan), "within its band")
}

func TestCleanComment(t *testing.T) {
	assert.Equal(t, "BTC is overweight.", CleanComment("<think>hmm</think>\n```\nBTC is\n overweight.\n```", 0))

	long := strings.Repeat("word ", 50)
	out := CleanComment(long, 30)
	assert.LessOrEqual(t, len(out), 30+len("…"))
	assert.True(t, strings.HasSuffix(out, "…"))

	wide := CleanComment(strings.Repeat("ё", 40), 25)
	assert.True(t, utf8.ValidString(wide))
	assert.Equal(t, strings.Repeat("ё", 25)+"…", wide)
}

func TestNarratorComment(t *testing.T) {
	chat := &fakeChat{reply: "<think>reasoning</think>Selling some BTC funds ETH. Cash covers the rest."}
	n := &Narrator{client: chat, model: "test-model", enabled: true, logger: logger.Discard()}

	comment := n.Comment(context.Background(), testPlan())
	assert.Equal(t, "Selling some BTC funds ETH. Cash covers the rest.", comment)
	assert.Equal(t, "test-model", chat.req.Model)
	require.Len(t, chat.req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, chat.req.Messages[0].Role)

	t.Run("errors yield empty comment", func(t *testing.T) {
		n := &Narrator{client: &fakeChat{err: errors.New("rate limited")}, enabled: true, logger: logger.Discard()}
		assert.Empty(t, n.Comment(context.Background(), testPlan()))
	})

	t.Run("halted plans are not narrated", func(t *testing.T) {
		assert.Empty(t, n.Comment(context.Background(), testPlan().Halt("KILLED: env KILL")))
	})

	t.Run("disabled", func(t *testing.T) {
		d := NewNarrator(config.AIConfig{}, logger.Discard())
		assert.False(t, d.Enabled())
		assert.Empty(t, d.Comment(context.Background(), testPlan()))
	})
}
