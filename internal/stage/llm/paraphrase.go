// Package llm provides a paraphrase stage backed by an OpenAI-compatible
// chat model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/config"
	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/stage"
)

// Model is the subset of llms.Model used by the stage.
type Model interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Paraphraser rewrites text at the requested aggression level.
type Paraphraser struct {
	model       Model
	temperature float64
	logger      *logging.Logger
}

var _ stage.Stage = (*Paraphraser)(nil)

// New returns a Paraphraser over model.
func New(model Model, temperature float64, logger *logging.Logger) *Paraphraser {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Paraphraser{model: model, temperature: temperature, logger: logger.Named("llm")}
}

// NewFromConfig builds a Paraphraser talking to cfg.BaseURL.
func NewFromConfig(cfg config.LLMConfig, logger *logging.Logger) (*Paraphraser, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("llm paraphraser: api key required")
	}
	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey.Value()),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return New(model, cfg.Temperature, logger), nil
}

func (p *Paraphraser) Name() stage.Name { return stage.Paraphrase }

var levelGuidance = map[aggression.Level]string{
	aggression.Gentle:     "Make light edits only: vary a few word choices and smooth transitions. Keep every sentence boundary.",
	aggression.Moderate:   "Rephrase most sentences with natural word choices and varied openings. Keep paragraph structure.",
	aggression.Aggressive: "Restructure sentences freely, vary their length and rhythm, and replace stock phrasing.",
	aggression.Intensive:  "Rewrite each paragraph from scratch in a distinct human voice while keeping every claim.",
	aggression.Nuclear:    "Recompose the text completely with new sentence order and phrasing. Only facts, citations and protected terms must survive.",
}

func systemPrompt(level aggression.Level, preserveStructure bool) string {
	var b strings.Builder
	b.WriteString("You rewrite academic prose so that it reads as written by a careful human author. ")
	b.WriteString("Preserve meaning, citations, numbers and technical terms exactly. ")
	b.WriteString(levelGuidance[level])
	if preserveStructure {
		b.WriteString(" Keep headings and paragraph breaks where they are.")
	}
	b.WriteString(" Reply with the rewritten text only.")
	return b.String()
}

// Run paraphrases req.Text. The aggression level comes from the
// "aggression" parameter and defaults to moderate.
func (p *Paraphraser) Run(ctx context.Context, req stage.Request) (*stage.Response, error) {
	level := aggression.Moderate
	if v, ok := stage.Number(req.Params["aggression"]); ok {
		level = aggression.Clamp(int(v))
	}
	preserve := true
	if v, ok := req.Params["preserve_structure"].(bool); ok {
		preserve = v
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt(level, preserve)),
		llms.TextParts(llms.ChatMessageTypeHuman, req.Text),
	}
	resp, err := p.model.GenerateContent(ctx, messages, llms.WithTemperature(p.temperature))
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, fmt.Errorf("%w: no choices", stage.ErrMalformedOutput)
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Content)
	if text == "" {
		return nil, fmt.Errorf("%w: empty completion", stage.ErrMalformedOutput)
	}

	usage := tokenUsage(choice.GenerationInfo)
	p.logger.Debug(ctx, "paraphrase generated",
		zap.String("aggression", level.String()),
		zap.Int("input_len", len(req.Text)),
		zap.Int("output_len", len(text)),
		zap.Int("total_tokens", usage["total_tokens"]))

	return &stage.Response{
		Output: map[string]any{
			"processed_text":  text,
			"aggression_name": level.String(),
			"stop_reason":     choice.StopReason,
		},
		TokenUsage: usage,
	}, nil
}

var generationKeys = map[string]string{
	"PromptTokens":     "prompt_tokens",
	"CompletionTokens": "completion_tokens",
	"TotalTokens":      "total_tokens",
}

func tokenUsage(info map[string]any) map[string]int {
	usage := map[string]int{}
	for from, to := range generationKeys {
		if n, ok := stage.Number(info[from]); ok {
			usage[to] = int(n)
		}
	}
	return usage
}
