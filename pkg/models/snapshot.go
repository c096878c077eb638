package models

import "time"

// Snapshot is an immutable full-state dump of an agent. Once written it is
// never modified; resume replays events with seq greater than the recorded
// bookmarks on top of it.
type Snapshot struct {
	AgentID            string             `json:"agent_id"`
	SnapshotID         string             `json:"snapshot_id"`
	CreatedAt          time.Time          `json:"created_at"`
	Template           *TemplateSpec      `json:"template,omitempty"`
	Messages           []*Message         `json:"messages"`
	Todos              []*Todo            `json:"todos,omitempty"`
	ToolRecords        []*ToolCallRecord  `json:"tool_records,omitempty"`
	LastSeq            map[Channel]uint64 `json:"last_seq"`
	PendingPermissions []string           `json:"pending_permissions,omitempty"`
}

// MaxSeq returns the highest bookmark across channels.
func (s *Snapshot) MaxSeq() uint64 {
	var max uint64
	for _, seq := range s.LastSeq {
		if seq > max {
			max = seq
		}
	}
	return max
}
