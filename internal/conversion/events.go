package conversion

import (
	"encoding/json"
	"fmt"
)

// AnthropicEvent is one Messages streaming lifecycle event. The set of
// implementations is closed: only the event types in this file satisfy it.
type AnthropicEvent interface {
	EventType() string
	anthropicEvent()
}

type MessageStartEvent struct {
	Message AnthropicResponse
}

type ContentBlockStartEvent struct {
	Index int
	Block AnthropicResponseBlock
}

type DeltaKind int

const (
	DeltaText DeltaKind = iota
	DeltaInputJSON
)

type ContentBlockDeltaEvent struct {
	Index    int
	Kind     DeltaKind
	Fragment string
}

type ContentBlockStopEvent struct {
	Index int
}

type MessageDeltaEvent struct {
	StopReason string
	Usage      AnthropicUsage
}

type MessageStopEvent struct{}

func (MessageStartEvent) EventType() string      { return "message_start" }
func (ContentBlockStartEvent) EventType() string { return "content_block_start" }
func (ContentBlockDeltaEvent) EventType() string { return "content_block_delta" }
func (ContentBlockStopEvent) EventType() string  { return "content_block_stop" }
func (MessageDeltaEvent) EventType() string      { return "message_delta" }
func (MessageStopEvent) EventType() string       { return "message_stop" }

func (MessageStartEvent) anthropicEvent()      {}
func (ContentBlockStartEvent) anthropicEvent() {}
func (ContentBlockDeltaEvent) anthropicEvent() {}
func (ContentBlockStopEvent) anthropicEvent()  {}
func (MessageDeltaEvent) anthropicEvent()      {}
func (MessageStopEvent) anthropicEvent()       {}

// EncodeEvent renders an event as its SSE event name and JSON data payload.
func EncodeEvent(ev AnthropicEvent) (string, []byte, error) {
	var payload any
	switch e := ev.(type) {
	case MessageStartEvent:
		payload = struct {
			Type    string            `json:"type"`
			Message AnthropicResponse `json:"message"`
		}{e.EventType(), e.Message}
	case ContentBlockStartEvent:
		payload = struct {
			Type         string                 `json:"type"`
			Index        int                    `json:"index"`
			ContentBlock AnthropicResponseBlock `json:"content_block"`
		}{e.EventType(), e.Index, e.Block}
	case ContentBlockDeltaEvent:
		var delta any
		switch e.Kind {
		case DeltaText:
			delta = struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{"text_delta", e.Fragment}
		case DeltaInputJSON:
			delta = struct {
				Type        string `json:"type"`
				PartialJSON string `json:"partial_json"`
			}{"input_json_delta", e.Fragment}
		default:
			return "", nil, fmt.Errorf("unknown delta kind %d", e.Kind)
		}
		payload = struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Delta any    `json:"delta"`
		}{e.EventType(), e.Index, delta}
	case ContentBlockStopEvent:
		payload = struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
		}{e.EventType(), e.Index}
	case MessageDeltaEvent:
		type messageDelta struct {
			StopReason   string  `json:"stop_reason"`
			StopSequence *string `json:"stop_sequence"`
		}
		payload = struct {
			Type  string         `json:"type"`
			Delta messageDelta   `json:"delta"`
			Usage AnthropicUsage `json:"usage"`
		}{e.EventType(), messageDelta{StopReason: e.StopReason}, e.Usage}
	case MessageStopEvent:
		payload = struct {
			Type string `json:"type"`
		}{e.EventType()}
	default:
		return "", nil, fmt.Errorf("unsupported event %T", ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s event: %w", ev.EventType(), err)
	}
	return ev.EventType(), data, nil
}
