package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

const (
	defaultBedrockModel  = "anthropic.claude-3-haiku-20240307-v1:0"
	defaultBedrockRegion = "us-east-1"
)

// Bedrock generates strokes through a forced tool use on the Bedrock
// Converse API. Credentials come from the default AWS chain.
type Bedrock struct {
	client      *bedrockruntime.Client
	model       string
	temperature float64
	maxTokens   int
	tools       *types.ToolConfiguration
	logger      *slog.Logger
}

// NewBedrock creates the Bedrock backend. BaseURL, when set, overrides the
// regional endpoint.
func NewBedrock(cfg Config, logger *slog.Logger) (*Bedrock, error) {
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		}
	})

	var schema any
	if err := json.Unmarshal([]byte(toolSchema), &schema); err != nil {
		return nil, fmt.Errorf("bedrock: invalid tool schema: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultBedrockModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bedrock{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		tools:       bedrockToolConfig(schema),
		logger:      logger.With("backend", BackendBedrock, "region", region),
	}, nil
}

func bedrockToolConfig(schema any) *types.ToolConfiguration {
	return &types.ToolConfiguration{
		Tools: []types.Tool{
			&types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(ToolName),
					Description: aws.String(toolDescription),
					InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
				},
			},
		},
		ToolChoice: &types.ToolChoiceMemberTool{
			Value: types.SpecificToolChoice{Name: aws.String(ToolName)},
		},
	}
}

// Name implements Backend.
func (b *Bedrock) Name() string {
	return BackendBedrock
}

// Generate implements Backend.
func (b *Bedrock) Generate(ctx context.Context, req *Request) <-chan Chunk {
	return stream(ctx, func(ctx context.Context, emit func(Chunk) bool) error {
		content, err := userMessage(req)
		if err != nil {
			return err
		}
		maxTokens := min(b.maxTokens, math.MaxInt32)
		input := &bedrockruntime.ConverseInput{
			ModelId: aws.String(b.model),
			System: []types.SystemContentBlock{
				&types.SystemContentBlockMemberText{Value: systemPrompt},
			},
			Messages: []types.Message{{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: content}},
			}},
			InferenceConfig: &types.InferenceConfiguration{
				// #nosec G115 -- bounded by min above
				MaxTokens:   aws.Int32(int32(maxTokens)),
				Temperature: aws.Float32(float32(b.temperature)),
			},
			ToolConfig: b.tools,
		}

		resp, err := b.client.Converse(ctx, input)
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) {
				return fmt.Errorf("bedrock: %s: %w", apiErr.ErrorCode(), err)
			}
			return fmt.Errorf("bedrock: converse: %w", err)
		}

		args, err := bedrockToolInput(resp.Output)
		if err != nil {
			return err
		}
		out, err := parseToolArgs(args)
		if err != nil {
			return err
		}
		b.logger.Debug("tool call parsed", "strokes", len(out.Strokes), "respond", out.ShouldRespond, "stop_reason", string(resp.StopReason))
		emitToolOutput(emit, out)
		return nil
	})
}

// bedrockToolInput extracts the JSON arguments of the stroke tool from a
// Converse response.
func bedrockToolInput(output types.ConverseOutput) (string, error) {
	msg, ok := output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock: response carries no message")
	}
	for _, block := range msg.Value.Content {
		toolUse, ok := block.(*types.ContentBlockMemberToolUse)
		if !ok || aws.ToString(toolUse.Value.Name) != ToolName {
			continue
		}
		if toolUse.Value.Input == nil {
			return "", errors.New("bedrock: tool_use without input")
		}
		raw, err := toolUse.Value.Input.MarshalSmithyDocument()
		if err != nil {
			return "", fmt.Errorf("bedrock: decode tool input: %w", err)
		}
		return string(raw), nil
	}
	return "", errors.New("bedrock: no tool_use in response")
}
