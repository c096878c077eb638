package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/moor/pkg/models"
)

// AnthropicConfig configures the Claude adapter.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// DefaultModel is used when the request leaves Model empty.
	// Default: claude-sonnet-4-20250514.
	DefaultModel string
}

// Anthropic adapts the Claude Messages API to ModelProvider. Safe for
// concurrent use; each Stream call owns an independent SSE stream.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic creates a Claude provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete performs a blocking completion by draining the stream.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

// Stream starts an SSE completion and converts vendor events into chunks.
func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan Chunk)
	go func() {
		defer close(out)

		var usage Usage
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)
				out <- Chunk{Type: ChunkMessageStart, Usage: &Usage{InputTokens: usage.InputTokens}}

			case "content_block_start":
				blockStart := event.AsContentBlockStart()
				chunk := Chunk{Type: ChunkBlockStart, Index: int(blockStart.Index)}
				switch blockStart.ContentBlock.Type {
				case "tool_use":
					tu := blockStart.ContentBlock.AsToolUse()
					blk := models.ToolUseBlock(tu.ID, tu.Name, nil)
					chunk.Block = &blk
				case "thinking":
					blk := models.ReasoningBlock("", "")
					chunk.Block = &blk
				default:
					blk := models.TextBlock("")
					chunk.Block = &blk
				}
				out <- chunk

			case "content_block_delta":
				blockDelta := event.AsContentBlockDelta()
				delta := blockDelta.Delta
				chunk := Chunk{Type: ChunkBlockDelta, Index: int(blockDelta.Index)}
				switch delta.Type {
				case "text_delta":
					chunk.Delta = &Delta{Type: DeltaText, Text: delta.Text}
				case "thinking_delta":
					chunk.Delta = &Delta{Type: DeltaThinking, Text: delta.Thinking}
				case "input_json_delta":
					chunk.Delta = &Delta{Type: DeltaInputJSON, PartialJSON: delta.PartialJSON}
				default:
					continue
				}
				out <- chunk

			case "content_block_stop":
				blockStop := event.AsContentBlockStop()
				out <- Chunk{Type: ChunkBlockStop, Index: int(blockStop.Index)}

			case "message_delta":
				msgDelta := event.AsMessageDelta()
				usage.OutputTokens = int(msgDelta.Usage.OutputTokens)
				out <- Chunk{Type: ChunkMessageDelta, Usage: &Usage{OutputTokens: usage.OutputTokens}}

			case "message_stop":
				out <- Chunk{Type: ChunkMessageStop, Usage: &usage}
				return

			case "error":
				out <- Chunk{Err: errors.New("anthropic: stream error")}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- Chunk{Err: fmt.Errorf("anthropic: %w", err)}
		}
	}()
	return out, nil
}

func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		apiTools, err := p.convertTools(req)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = apiTools
	}
	return params, nil
}

func (p *Anthropic) convertMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, blk := range msg.Blocks {
			switch blk.Type {
			case models.BlockText, models.BlockSystemReminder:
				if blk.Text != "" {
					content = append(content, anthropic.NewTextBlock(blk.Text))
				}
			case models.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(blk.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: tool_use %s input: %w", blk.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(blk.ID, input, blk.Name))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
			case models.BlockReasoning:
				// reasoning blocks are not echoed back to the API
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *Anthropic) convertTools(req *Request) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, desc := range req.Tools {
		schema := desc.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		var inputSchema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schema, &inputSchema); err != nil {
			return nil, fmt.Errorf("anthropic: schema for %s: %w", desc.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(inputSchema, desc.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: schema for %s: missing tool definition", desc.Name)
		}
		param.OfTool.Description = anthropic.String(desc.Description)
		result = append(result, param)
	}
	return result, nil
}

var _ ModelProvider = (*Anthropic)(nil)
