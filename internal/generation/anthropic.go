package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// Anthropic generates strokes through a forced tool_use on the Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
	tool        anthropic.ToolUnionParam
	logger      *slog.Logger
}

// NewAnthropic creates the Anthropic backend.
func NewAnthropic(cfg Config, logger *slog.Logger) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal([]byte(toolSchema), &schema); err != nil {
		return nil, fmt.Errorf("anthropic: invalid tool schema: %w", err)
	}
	tool := anthropic.ToolUnionParamOfTool(schema, ToolName)
	if tool.OfTool == nil {
		return nil, errors.New("anthropic: missing tool definition")
	}
	tool.OfTool.Description = anthropic.String(toolDescription)

	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{
		client:      anthropic.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   int64(cfg.MaxTokens),
		tool:        tool,
		logger:      logger.With("backend", BackendAnthropic),
	}, nil
}

// Name implements Backend.
func (a *Anthropic) Name() string {
	return BackendAnthropic
}

// Generate implements Backend.
func (a *Anthropic) Generate(ctx context.Context, req *Request) <-chan Chunk {
	return stream(ctx, func(ctx context.Context, emit func(Chunk) bool) error {
		content, err := userMessage(req)
		if err != nil {
			return err
		}
		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: a.maxTokens,
			System: []anthropic.TextBlockParam{
				{Type: "text", Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(content)),
			},
			Tools:       []anthropic.ToolUnionParam{a.tool},
			ToolChoice:  anthropic.ToolChoiceParamOfTool(ToolName),
			Temperature: anthropic.Float(a.temperature),
		}

		s := a.client.Messages.NewStreaming(ctx, params)
		defer s.Close()

		var input strings.Builder
		inTool := false
		for s.Next() {
			event := s.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				inTool = block.Type == "tool_use" && block.AsToolUse().Name == ToolName
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if inTool && delta.Type == "input_json_delta" {
					input.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				inTool = false
			}
		}
		if err := s.Err(); err != nil {
			return fmt.Errorf("anthropic: stream: %w", err)
		}
		if input.Len() == 0 {
			return errors.New("anthropic: no tool_use in response")
		}

		out, err := parseToolArgs(input.String())
		if err != nil {
			return err
		}
		a.logger.Debug("tool call parsed", "strokes", len(out.Strokes), "respond", out.ShouldRespond)
		emitToolOutput(emit, out)
		return nil
	})
}
