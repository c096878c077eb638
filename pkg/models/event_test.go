package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestChannelFor(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      Channel
	}{
		{EventTextChunk, ChannelProgress},
		{EventToolStart, ChannelProgress},
		{EventToolEnd, ChannelProgress},
		{EventDone, ChannelProgress},
		{EventPermissionRequired, ChannelControl},
		{EventPermissionDecided, ChannelControl},
		{EventAgentHalted, ChannelControl},
		{EventRoomMessage, ChannelControl},
		{EventMessagesChanged, ChannelMonitor},
		{EventToolExecuted, ChannelMonitor},
		{EventToolCustom, ChannelMonitor},
		{EventFileChanged, ChannelMonitor},
		{EventError, ChannelMonitor},
		{EventSubscriberLag, ChannelMonitor},
		{EventAgentResumed, ChannelMonitor},
	}
	for _, tt := range tests {
		if got := ChannelFor(tt.eventType); got != tt.want {
			t.Errorf("ChannelFor(%s) = %s, want %s", tt.eventType, got, tt.want)
		}
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := EventEnvelope{
		Seq:     42,
		AgentID: "a1",
		Channel: ChannelProgress,
		Time:    time.Now().UTC().Truncate(time.Millisecond),
		Event: Event{
			Type: EventToolEnd,
			Tool: &ToolPayload{
				CallID:  "c1",
				Name:    "always_ok",
				Outcome: &ToolOutcome{OK: true, Content: `{"echo":"ping"}`},
			},
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var back EventEnvelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Seq != env.Seq || back.Channel != env.Channel || back.Event.Type != env.Event.Type {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if back.Event.Tool == nil || back.Event.Tool.Outcome == nil || !back.Event.Tool.Outcome.OK {
		t.Errorf("tool payload lost: %+v", back.Event)
	}
}
