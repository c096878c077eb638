package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/moor/pkg/models"
)

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and compatible servers.
	BaseURL string

	// DefaultModel is used when the request leaves Model empty.
	// Default: gpt-4o.
	DefaultModel string
}

// OpenAI adapts the Chat Completions API to ModelProvider. The flat
// tool-call delta format is re-expressed as block start/delta/stop chunks
// so the orchestrator sees one protocol regardless of backend.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// Complete performs a blocking completion by draining the stream.
func (p *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return Collect(chunks)
}

// Stream starts a chat completion stream and converts it into chunks.
func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		out <- Chunk{Type: ChunkMessageStart}

		// OpenAI interleaves text and tool-call deltas without explicit
		// block boundaries; synthesize start/stop transitions.
		const (
			blockNone = iota
			blockText
			blockTool
		)
		state := blockNone
		index := -1
		toolIndex := -1

		closeBlock := func() {
			if state != blockNone {
				out <- Chunk{Type: ChunkBlockStop, Index: index}
				state = blockNone
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				closeBlock()
				out <- Chunk{Type: ChunkMessageStop}
				return
			}
			if err != nil {
				out <- Chunk{Err: fmt.Errorf("openai: %w", err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			if delta.Content != "" {
				if state != blockText {
					closeBlock()
					index++
					blk := models.TextBlock("")
					out <- Chunk{Type: ChunkBlockStart, Index: index, Block: &blk}
					state = blockText
				}
				out <- Chunk{Type: ChunkBlockDelta, Index: index, Delta: &Delta{Type: DeltaText, Text: delta.Content}}
			}

			for _, tc := range delta.ToolCalls {
				newCall := tc.ID != ""
				if newCall || state != blockTool {
					closeBlock()
					index++
					toolIndex++
					blk := models.ToolUseBlock(tc.ID, tc.Function.Name, nil)
					if blk.ID == "" {
						blk.ID = fmt.Sprintf("call_%d", toolIndex)
					}
					out <- Chunk{Type: ChunkBlockStart, Index: index, Block: &blk}
					state = blockTool
				}
				if tc.Function.Arguments != "" {
					out <- Chunk{Type: ChunkBlockDelta, Index: index, Delta: &Delta{Type: DeltaInputJSON, PartialJSON: tc.Function.Arguments}}
				}
			}

			if resp.Usage != nil {
				out <- Chunk{Type: ChunkMessageDelta, Usage: &Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
				}}
			}
		}
	}()
	return out, nil
}

func (p *OpenAI) buildRequest(req *Request) (openai.ChatCompletionRequest, error) {
	messages, err := p.convertMessages(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	for _, desc := range req.Tools {
		schema := desc.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        desc.Name,
				Description: desc.Description,
				Parameters:  schema,
			},
		})
	}
	return chatReq, nil
}

func (p *OpenAI) convertMessages(messages []*models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, blk := range msg.Blocks {
				switch blk.Type {
				case models.BlockText:
					oaiMsg.Content += blk.Text
				case models.BlockToolUse:
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   blk.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      blk.Name,
							Arguments: string(blk.Input),
						},
					})
				}
			}
			result = append(result, oaiMsg)

		default:
			// user messages: text first, tool results as role=tool messages
			var text string
			var toolMsgs []openai.ChatCompletionMessage
			for _, blk := range msg.Blocks {
				switch blk.Type {
				case models.BlockText, models.BlockSystemReminder:
					text += blk.Text
				case models.BlockToolResult:
					toolMsgs = append(toolMsgs, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    blk.Content,
						ToolCallID: blk.ToolUseID,
					})
				}
			}
			result = append(result, toolMsgs...)
			if text != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				})
			}
		}
	}
	return result, nil
}

var _ ModelProvider = (*OpenAI)(nil)
