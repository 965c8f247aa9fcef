package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"google.golang.org/genai"
)

const defaultGoogleModel = "gemini-2.0-flash"

// Google generates strokes with Gemini in JSON mode. The tool schema is part
// of the system instruction and the response text is parsed as tool
// arguments.
type Google struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	logger      *slog.Logger
}

// NewGoogle creates the Gemini backend.
func NewGoogle(cfg Config, logger *slog.Logger) (*Google, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("google: api key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGoogleModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxTokens := min(cfg.MaxTokens, math.MaxInt32)
	return &Google{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		// #nosec G115 -- bounded by min above
		maxTokens: int32(maxTokens),
		logger:    logger.With("backend", BackendGoogle),
	}, nil
}

// Name implements Backend.
func (g *Google) Name() string {
	return BackendGoogle
}

// Generate implements Backend.
func (g *Google) Generate(ctx context.Context, req *Request) <-chan Chunk {
	return stream(ctx, func(ctx context.Context, emit func(Chunk) bool) error {
		content, err := userMessage(req)
		if err != nil {
			return err
		}
		config := &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt + jsonModeSuffix}},
			},
			ResponseMIMEType: "application/json",
			MaxOutputTokens:  g.maxTokens,
			Temperature:      genai.Ptr(g.temperature),
		}
		contents := []*genai.Content{{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: content}},
		}}

		var text strings.Builder
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				return fmt.Errorf("google: stream: %w", err)
			}
			if resp == nil {
				continue
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part != nil && part.Text != "" && !part.Thought {
						text.WriteString(part.Text)
					}
				}
			}
		}
		if text.Len() == 0 {
			return errors.New("google: empty response")
		}

		out, err := parseToolArgs(text.String())
		if err != nil {
			return err
		}
		g.logger.Debug("json response parsed", "strokes", len(out.Strokes), "respond", out.ShouldRespond)
		emitToolOutput(emit, out)
		return nil
	})
}
