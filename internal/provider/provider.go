// Package provider abstracts model backends behind a streaming interface.
// Adapters translate the unified block-based message format to and from each
// vendor's API and surface a common chunk vocabulary to the orchestrator.
package provider

import (
	"context"
	"strings"

	"github.com/haasonsaas/moor/internal/tools"
	"github.com/haasonsaas/moor/pkg/models"
)

// ChunkType mirrors the provider wire protocol's streaming event kinds.
type ChunkType string

const (
	ChunkMessageStart ChunkType = "message_start"
	ChunkBlockStart   ChunkType = "content_block_start"
	ChunkBlockDelta   ChunkType = "content_block_delta"
	ChunkBlockStop    ChunkType = "content_block_stop"
	ChunkMessageDelta ChunkType = "message_delta"
	ChunkMessageStop  ChunkType = "message_stop"
)

// DeltaType discriminates incremental content updates.
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
	DeltaThinking  DeltaType = "thinking_delta"
)

// Delta is one incremental content update within a block.
type Delta struct {
	Type        DeltaType
	Text        string
	PartialJSON string
}

// Usage reports token consumption for a completed request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one streaming event. Err terminates the stream when set.
type Chunk struct {
	Type  ChunkType
	Index int

	// Block is set on content_block_start: a skeletal text, reasoning, or
	// tool_use block (tool_use carries ID and Name; Input arrives via
	// input_json_delta).
	Block *models.Block

	Delta *Delta
	Usage *Usage
	Err   error
}

// Request is a unified completion request.
type Request struct {
	System      string
	Messages    []*models.Message
	Tools       []tools.Descriptor
	Model       string
	Temperature *float64
	MaxTokens   int
}

// Response is a fully assembled model turn.
type Response struct {
	Content    []models.Block
	Usage      *Usage
	StopReason string
}

// ModelProvider is implemented by each backend adapter. Stream returns a
// lazy chunk sequence; the channel closes after message_stop or an error
// chunk. Complete blocks until the turn is fully assembled.
type ModelProvider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Retryable reports whether an error looks transient: rate limits, 5xx
// responses, timeouts, and connection failures. The orchestrator retries
// these once before failing the turn.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host", "broken pipe",
		"overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Collect drains a chunk stream into a Response, assembling deltas into
// complete blocks. Useful for implementing Complete on top of Stream.
func Collect(chunks <-chan Chunk) (*Response, error) {
	resp := &Response{}
	var current *models.Block
	var inputJSON strings.Builder
	var text strings.Builder

	flush := func() {
		if current == nil {
			return
		}
		switch current.Type {
		case models.BlockToolUse:
			current.Input = []byte(inputJSON.String())
			if len(current.Input) == 0 {
				current.Input = []byte(`{}`)
			}
		default:
			current.Text = text.String()
		}
		resp.Content = append(resp.Content, *current)
		current = nil
		inputJSON.Reset()
		text.Reset()
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		switch chunk.Type {
		case ChunkBlockStart:
			flush()
			if chunk.Block != nil {
				blk := *chunk.Block
				current = &blk
				text.WriteString(blk.Text)
			}
		case ChunkBlockDelta:
			if chunk.Delta == nil {
				continue
			}
			switch chunk.Delta.Type {
			case DeltaText, DeltaThinking:
				text.WriteString(chunk.Delta.Text)
			case DeltaInputJSON:
				inputJSON.WriteString(chunk.Delta.PartialJSON)
			}
		case ChunkBlockStop:
			flush()
		case ChunkMessageDelta, ChunkMessageStart:
			if chunk.Usage != nil {
				if resp.Usage == nil {
					resp.Usage = &Usage{}
				}
				if chunk.Usage.InputTokens > 0 {
					resp.Usage.InputTokens = chunk.Usage.InputTokens
				}
				if chunk.Usage.OutputTokens > 0 {
					resp.Usage.OutputTokens = chunk.Usage.OutputTokens
				}
			}
		case ChunkMessageStop:
			flush()
		}
	}
	flush()
	return resp, nil
}
