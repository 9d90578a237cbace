package conversion

import (
	"fmt"
	"strings"
)

// TranslationState is the mutable state of one streaming exchange. It is
// created per exchange, owned by the goroutine driving that exchange, and
// passed by pointer to TranslateChunk.
type TranslationState struct {
	messageID string
	model     string

	messageStartSent bool
	nextBlockIndex   int
	blockOpen        bool
	openBlockIndex   int
	openToolCall     int // upstream tool-call index of the open block, -1 for text

	toolCalls map[int]*toolCallAccumulator
	usage     *ChatUsage
	finished  bool
}

type toolCallAccumulator struct {
	blockIndex int
	id         string
	name       string
	args       strings.Builder
	closed     bool
}

func NewTranslationState(messageID, model string) *TranslationState {
	return &TranslationState{
		messageID:    messageID,
		model:        model,
		openToolCall: -1,
		toolCalls:    make(map[int]*toolCallAccumulator),
	}
}

// Usage returns the most recent usage record seen on the stream, or nil.
func (s *TranslationState) Usage() *ChatUsage { return s.usage }

// Finished reports whether message_stop has been emitted.
func (s *TranslationState) Finished() bool { return s.finished }

// Started reports whether message_start has been emitted.
func (s *TranslationState) Started() bool { return s.messageStartSent }

// ToolCallBlockIndex returns the content-block index assigned to an upstream
// tool-call index.
func (s *TranslationState) ToolCallBlockIndex(toolCallIndex int) (int, bool) {
	acc, ok := s.toolCalls[toolCallIndex]
	if !ok {
		return 0, false
	}
	return acc.blockIndex, true
}

// ToolCallArguments returns the accumulated argument text of a tool call.
func (s *TranslationState) ToolCallArguments(toolCallIndex int) string {
	acc, ok := s.toolCalls[toolCallIndex]
	if !ok {
		return ""
	}
	return acc.args.String()
}

// TranslateChunk converts one upstream chunk into the Anthropic events it
// implies, mutating state in place.
func TranslateChunk(state *TranslationState, chunk *ChatChunk) ([]AnthropicEvent, error) {
	if len(chunk.Choices) == 0 {
		// keep-alive or trailing usage record
		if chunk.Usage != nil {
			state.usage = chunk.Usage
		}
		return nil, nil
	}
	if state.finished {
		return nil, protocolViolationf("chunk received after the message was finished")
	}

	var events []AnthropicEvent
	choice := chunk.Choices[0]

	if !state.messageStartSent {
		events = append(events, state.messageStart(chunk.Model))
		state.messageStartSent = true
	}

	if text := choice.Delta.Content; text != nil && *text != "" {
		if state.blockOpen && state.openToolCall >= 0 {
			events = append(events, state.closeBlock())
		}
		if !state.blockOpen {
			events = append(events, state.openBlock(AnthropicResponseBlock{Type: BlockTypeText}, -1))
		}
		events = append(events, ContentBlockDeltaEvent{Index: state.openBlockIndex, Kind: DeltaText, Fragment: *text})
	}

	for _, frag := range choice.Delta.ToolCalls {
		acc, seen := state.toolCalls[frag.Index]
		if !seen {
			if frag.Function == nil || frag.Function.Name == "" {
				return nil, protocolViolationf("tool call %d started without a function name", frag.Index)
			}
			if state.blockOpen {
				events = append(events, state.closeBlock())
			}
			id := frag.ID
			if id == "" {
				id = fmt.Sprintf("toolu_%s_%d", state.messageID, frag.Index)
			}
			acc = &toolCallAccumulator{blockIndex: state.nextBlockIndex, id: id, name: frag.Function.Name}
			state.toolCalls[frag.Index] = acc
			events = append(events, state.openBlock(AnthropicResponseBlock{
				Type: BlockTypeToolUse,
				ID:   id,
				Name: acc.name,
			}, frag.Index))
		} else if acc.closed {
			return nil, protocolViolationf("fragment for tool call %d after its block %d was closed", frag.Index, acc.blockIndex)
		}

		if frag.Function != nil && frag.Function.Arguments != "" {
			acc.args.WriteString(frag.Function.Arguments)
			events = append(events, ContentBlockDeltaEvent{
				Index:    acc.blockIndex,
				Kind:     DeltaInputJSON,
				Fragment: frag.Function.Arguments,
			})
		}
	}

	if chunk.Usage != nil {
		state.usage = chunk.Usage
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		events = append(events, state.finish(MapFinishReason(*choice.FinishReason))...)
	}

	return events, nil
}

// FinishIncomplete returns the events that close an exchange whose upstream
// stream ended without a finish reason. It returns nil if the exchange has
// already finished.
func FinishIncomplete(state *TranslationState) []AnthropicEvent {
	if state.finished {
		return nil
	}
	var events []AnthropicEvent
	if !state.messageStartSent {
		events = append(events, state.messageStart(""))
		state.messageStartSent = true
	}
	return append(events, state.finish(StopReasonEndTurn)...)
}

func (s *TranslationState) messageStart(chunkModel string) AnthropicEvent {
	model := s.model
	if model == "" {
		model = chunkModel
	}
	return MessageStartEvent{Message: AnthropicResponse{
		ID:      s.messageID,
		Type:    "message",
		Role:    "assistant",
		Model:   model,
		Content: []AnthropicResponseBlock{},
		Usage:   AnthropicUsage{},
	}}
}

func (s *TranslationState) openBlock(block AnthropicResponseBlock, toolCall int) AnthropicEvent {
	index := s.nextBlockIndex
	s.nextBlockIndex++
	s.blockOpen = true
	s.openBlockIndex = index
	s.openToolCall = toolCall
	return ContentBlockStartEvent{Index: index, Block: block}
}

func (s *TranslationState) closeBlock() AnthropicEvent {
	if s.openToolCall >= 0 {
		s.toolCalls[s.openToolCall].closed = true
	}
	s.blockOpen = false
	s.openToolCall = -1
	return ContentBlockStopEvent{Index: s.openBlockIndex}
}

func (s *TranslationState) finish(stopReason string) []AnthropicEvent {
	var events []AnthropicEvent
	if s.blockOpen {
		events = append(events, s.closeBlock())
	}
	var usage AnthropicUsage
	if s.usage != nil {
		usage = translateUsage(s.usage)
	}
	events = append(events,
		MessageDeltaEvent{StopReason: stopReason, Usage: usage},
		MessageStopEvent{},
	)
	s.finished = true
	return events
}
