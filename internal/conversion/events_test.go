package conversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEvent(t *testing.T) {
	cached := 4
	tests := []struct {
		name     string
		event    AnthropicEvent
		wantName string
		wantJSON string
	}{
		{
			name: "message_start",
			event: MessageStartEvent{Message: AnthropicResponse{
				ID: "msg_1", Type: "message", Role: "assistant", Model: "m",
				Content: []AnthropicResponseBlock{},
			}},
			wantName: "message_start",
			wantJSON: `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"m",
				"content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`,
		},
		{
			name:     "text block start",
			event:    ContentBlockStartEvent{Index: 0, Block: AnthropicResponseBlock{Type: BlockTypeText}},
			wantName: "content_block_start",
			wantJSON: `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		},
		{
			name:     "tool block start",
			event:    ContentBlockStartEvent{Index: 2, Block: AnthropicResponseBlock{Type: BlockTypeToolUse, ID: "call_1", Name: "lookup"}},
			wantName: "content_block_start",
			wantJSON: `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"call_1","name":"lookup","input":{}}}`,
		},
		{
			name:     "text delta",
			event:    ContentBlockDeltaEvent{Index: 0, Kind: DeltaText, Fragment: "Hi"},
			wantName: "content_block_delta",
			wantJSON: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		},
		{
			name:     "input json delta",
			event:    ContentBlockDeltaEvent{Index: 1, Kind: DeltaInputJSON, Fragment: `{"q":`},
			wantName: "content_block_delta",
			wantJSON: `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		},
		{
			name:     "block stop",
			event:    ContentBlockStopEvent{Index: 3},
			wantName: "content_block_stop",
			wantJSON: `{"type":"content_block_stop","index":3}`,
		},
		{
			name:     "message delta",
			event:    MessageDeltaEvent{StopReason: StopReasonToolUse, Usage: AnthropicUsage{InputTokens: 5, OutputTokens: 2, CacheReadInputTokens: &cached}},
			wantName: "message_delta",
			wantJSON: `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},
				"usage":{"input_tokens":5,"output_tokens":2,"cache_read_input_tokens":4}}`,
		},
		{
			name:     "message stop",
			event:    MessageStopEvent{},
			wantName: "message_stop",
			wantJSON: `{"type":"message_stop"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, data, err := EncodeEvent(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, name)
			assert.JSONEq(t, tt.wantJSON, string(data))
		})
	}
}

func TestEncodeEventRejectsUnknownDeltaKind(t *testing.T) {
	_, _, err := EncodeEvent(ContentBlockDeltaEvent{Kind: DeltaKind(42)})
	assert.Error(t, err)
}
