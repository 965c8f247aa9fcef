package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAI generates strokes through a forced function call on the chat
// completions API. Any server speaking that API works via BaseURL.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenAI creates the OpenAI backend.
func NewOpenAI(cfg Config, logger *slog.Logger) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: api key or base url is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
		logger:      logger.With("backend", BackendOpenAI),
	}, nil
}

// Name implements Backend.
func (o *OpenAI) Name() string {
	return BackendOpenAI
}

// Generate implements Backend.
func (o *OpenAI) Generate(ctx context.Context, req *Request) <-chan Chunk {
	return stream(ctx, func(ctx context.Context, emit func(Chunk) bool) error {
		content, err := userMessage(req)
		if err != nil {
			return err
		}
		chatReq := openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: content},
			},
			Tools: []openai.Tool{{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        ToolName,
					Description: toolDescription,
					Parameters:  toolSchemaMap(),
				},
			}},
			ToolChoice: openai.ToolChoice{
				Type:     openai.ToolTypeFunction,
				Function: openai.ToolFunction{Name: ToolName},
			},
			Temperature: o.temperature,
			MaxTokens:   o.maxTokens,
			Stream:      true,
		}

		s, err := o.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return fmt.Errorf("openai: create stream: %w", err)
		}
		defer s.Close()

		var args strings.Builder
		for {
			resp, err := s.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("openai: stream: %w", err)
			}
			if len(resp.Choices) == 0 {
				continue
			}
			for _, tc := range resp.Choices[0].Delta.ToolCalls {
				if tc.Function.Name != "" && tc.Function.Name != ToolName {
					continue
				}
				args.WriteString(tc.Function.Arguments)
			}
		}
		if args.Len() == 0 {
			return errors.New("openai: no tool call in response")
		}

		out, err := parseToolArgs(args.String())
		if err != nil {
			return err
		}
		o.logger.Debug("tool call parsed", "strokes", len(out.Strokes), "respond", out.ShouldRespond)
		emitToolOutput(emit, out)
		return nil
	})
}
