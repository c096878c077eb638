// Package models provides the wire-stable domain types for the moor agent runtime.
package models

import (
	"encoding/json"
	"fmt"
)

// BlockType discriminates the content block union.
type BlockType string

const (
	BlockText           BlockType = "text"
	BlockImage          BlockType = "image"
	BlockFile           BlockType = "file"
	BlockAudio          BlockType = "audio"
	BlockVideo          BlockType = "video"
	BlockToolUse        BlockType = "tool_use"
	BlockToolResult     BlockType = "tool_result"
	BlockReasoning      BlockType = "reasoning"
	BlockSystemReminder BlockType = "system_reminder"
)

// Block is a single content block inside a message. Exactly the fields
// relevant to Type are populated; serialization is a discriminated union
// on the "type" field with all other fields omitted when empty.
type Block struct {
	Type BlockType `json:"type"`

	// Text carries the content for text, reasoning, and system_reminder blocks.
	Text string `json:"text,omitempty"`

	// Signature is an optional provider signature on reasoning blocks.
	Signature string `json:"signature,omitempty"`

	// Kind categorizes system_reminder blocks (e.g. "todo", "schedule").
	Kind string `json:"kind,omitempty"`

	// Media fields for image/file/audio/video blocks.
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64 payload
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`

	// tool_use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// ReasoningBlock builds a reasoning block with an optional signature.
func ReasoningBlock(text, signature string) Block {
	return Block{Type: BlockReasoning, Text: text, Signature: signature}
}

// ReminderBlock builds a system_reminder block of the given kind.
func ReminderBlock(kind, text string) Block {
	return Block{Type: BlockSystemReminder, Kind: kind, Text: text}
}

// ToolUseBlock builds a tool_use block.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result block paired to a tool_use id.
func ToolResultBlock(toolUseID, content string, isError bool) Block {
	return Block{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ImageBlock builds an image block from base64 data or a URL.
func ImageBlock(mimeType, data, url string) Block {
	return Block{Type: BlockImage, MimeType: mimeType, Data: data, URL: url}
}

// FileBlock builds a file block.
func FileBlock(mimeType, data, filename string) Block {
	return Block{Type: BlockFile, MimeType: mimeType, Data: data, Filename: filename}
}

// Validate checks the invariants of a block for its declared type.
func (b Block) Validate() error {
	switch b.Type {
	case BlockText, BlockReasoning:
		return nil
	case BlockSystemReminder:
		if b.Text == "" {
			return fmt.Errorf("system_reminder block requires text")
		}
		return nil
	case BlockImage, BlockAudio, BlockVideo:
		if b.Data == "" && b.URL == "" {
			return fmt.Errorf("%s block requires data or url", b.Type)
		}
		return nil
	case BlockFile:
		if b.Data == "" {
			return fmt.Errorf("file block requires data")
		}
		return nil
	case BlockToolUse:
		if b.ID == "" || b.Name == "" {
			return fmt.Errorf("tool_use block requires id and name")
		}
		return nil
	case BlockToolResult:
		if b.ToolUseID == "" {
			return fmt.Errorf("tool_result block requires tool_use_id")
		}
		return nil
	case "":
		return fmt.Errorf("block type is required")
	default:
		return fmt.Errorf("unknown block type %q", b.Type)
	}
}
