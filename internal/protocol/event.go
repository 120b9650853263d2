package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	// EventChunk is an incremental slice of generated text (streaming mode).
	EventChunk EventKind = iota + 1
	// EventFinal carries the whole generated text (aggregating mode).
	EventFinal
	// EventError is the terminal error record of a failed generation.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one outbound event of a generation stream. Text is set for chunk
// and final events, Err for error events.
type Event struct {
	Kind EventKind
	Text string
	Err  *ErrorPayload
}

func Chunk(text string) Event {
	return Event{Kind: EventChunk, Text: text}
}

func Final(text string) Event {
	return Event{Kind: EventFinal, Text: text}
}

func Failure(p ErrorPayload) Event {
	return Event{Kind: EventError, Err: &p}
}

// IsTerminal reports whether no event can follow e.
func (e Event) IsTerminal() bool {
	return e.Kind == EventFinal || e.Kind == EventError
}

// CompletionResponse is the wire record for chunk and final events.
type CompletionResponse struct {
	Text string `json:"text"`
}

// Payload returns the value serialised on the wire for e.
func (e Event) Payload() any {
	switch e.Kind {
	case EventError:
		if e.Err == nil {
			return ErrorResponse{Error: ErrorPayload{Message: "unknown error", Type: "InternalError"}}
		}
		return ErrorResponse{Error: *e.Err}
	default:
		return CompletionResponse{Text: e.Text}
	}
}

// Record is the union of every wire record, used by clients decoding a stream
// without knowing which record comes next.
type Record struct {
	Text  *string       `json:"text,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// Event converts a decoded record back into an event. Text records become
// chunks when streaming and final aggregates otherwise.
func (r Record) Event(stream bool) Event {
	if r.Error != nil {
		return Failure(*r.Error)
	}
	var text string
	if r.Text != nil {
		text = *r.Text
	}
	if stream {
		return Chunk(text)
	}
	return Final(text)
}

// Marshal encodes v as one JSON record without HTML escaping, so generated
// text keeps its characters verbatim.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
