package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pearfect/engine/internal/clock"
	"github.com/pearfect/engine/internal/model"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "claude-sonnet-4-20250514"

const systemPrompt = `You are a pair-trading assistant. The user trades the ratio %s: going long means betting %s outperforms %s.
Answer briefly and concretely, mention risk where relevant, and never promise returns.
End every answer with one final line of the form "OUTLOOK: UP 0.70" or "OUTLOOK: DOWN 0.60" giving your directional call on the ratio and a confidence between 0 and 1.`

var outlookRegex = regexp.MustCompile(`(?m)^\s*OUTLOOK:\s*(UP|DOWN)\s+([01](?:\.\d+)?)\s*$`)

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("agent: model returned no text")

// Claude answers through the Anthropic Messages API.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	clock     clock.Clock
}

// NewClaude creates a live responder. Extra request options (base URL,
// retries) are passed through to the SDK client.
func NewClaude(apiKey, model string, clk clock.Clock, opts ...option.RequestOption) *Claude {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 512,
		clock:     clk,
	}
}

// Reply implements Responder.
func (c *Claude) Reply(ctx context.Context, p model.SelectedPair, history []Message, current Prediction) (Reply, error) {
	msgs := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: fmt.Sprintf(systemPrompt, p.Base+"/"+p.Quote, p.Base, p.Quote)},
		},
		Messages: msgs,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("agent: messages api: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Reply{}, ErrEmptyReply
	}

	text, pred := parseOutlook(text, current)
	pred.AsOf = c.clock.Now().UTC()
	return Reply{Text: text, Prediction: pred}, nil
}

// parseOutlook strips the OUTLOOK line from text and returns the call it
// carries. Without one, the current call stands.
func parseOutlook(text string, current Prediction) (string, Prediction) {
	m := outlookRegex.FindStringSubmatchIndex(text)
	if m == nil {
		if current.Direction == "" {
			current.Direction = Up
		}
		return text, current
	}
	dir := Direction(text[m[2]:m[3]])
	conf, err := strconv.ParseFloat(text[m[4]:m[5]], 64)
	if err != nil || conf > 1 {
		conf = current.Confidence
	}
	stripped := strings.TrimSpace(text[:m[0]] + text[m[1]:])
	return stripped, Prediction{Direction: dir, Confidence: conf}
}
