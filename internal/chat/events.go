package chat

import (
	"github.com/google/uuid"

	"github.com/recallhq/recall/internal/conversation"
)

// EventType discriminates the streaming event union.
type EventType string

const (
	// EventTypeChunk carries one increment of assistant text.
	EventTypeChunk EventType = "chunk"
	// EventTypeSource carries one citation backing the response.
	EventTypeSource EventType = "source"
	// EventTypeDone terminates a successful stream.
	EventTypeDone EventType = "done"
	// EventTypeError terminates a failed stream.
	EventTypeError EventType = "error"
)

// Event is the tagged union carried on the stream channel. Exactly one
// payload group is set, according to Type. A stream is a sequence of chunk
// events, then source events, then exactly one terminal done or error event.
type Event struct {
	Type EventType

	// chunk
	Content string

	// source
	Source *conversation.Citation

	// done. MessageID is zero when the background persistence had not
	// finished by close time; the stream closing means the exchange is
	// over, not that storage succeeded.
	MessageID uuid.UUID
	Usage     *conversation.Usage

	// error
	Err string
}

// Chunk builds a chunk event.
func Chunk(content string) Event {
	return Event{Type: EventTypeChunk, Content: content}
}

// SourceEvent builds a source event.
func SourceEvent(c conversation.Citation) Event {
	return Event{Type: EventTypeSource, Source: &c}
}

// Done builds the terminal success event.
func Done(messageID uuid.UUID, usage *conversation.Usage) Event {
	return Event{Type: EventTypeDone, MessageID: messageID, Usage: usage}
}

// ErrorEvent builds the terminal failure event.
func ErrorEvent(message string) Event {
	return Event{Type: EventTypeError, Err: message}
}
