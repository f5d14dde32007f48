// Package events defines the typed progress stream the programmer
// uses to report status back to a UI layer (the CLI's
// progress bar, in this repo, but the channel itself carries no
// rendering assumptions).
package events

import "fmt"

// Kind identifies what an Event reports.
type Kind int

const (
	// StatusMessage carries a human-readable phase description, e.g.
	// "Erasing flash at 0x10000...".
	StatusMessage Kind = iota
	// Progress carries the number of blocks written so far out of an
	// already-known total (set by the first Progress event of a run).
	Progress
	// Done signals the run finished, successfully or not.
	Done
)

// Event is one message on the stream. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind    Kind
	Message string
	Written int
	Total   int
	Err     error
}

// Stream is a channel of Events. Producers close it when the run ends;
// consumers range over it until it closes.
type Stream chan Event

// NewStream returns a Stream with reasonable buffering so a producer
// mid-write doesn't stall on a slow consumer.
func NewStream() Stream {
	return make(Stream, 16)
}

// Statusf emits a StatusMessage event, dropping it if the stream is nil
// (callers that don't want progress reporting pass a nil Stream).
func (s Stream) Statusf(format string, args ...any) {
	if s == nil {
		return
	}
	s <- Event{Kind: StatusMessage, Message: fmt.Sprintf(format, args...)}
}

// Progressf emits a Progress event.
func (s Stream) Progressf(written, total int) {
	if s == nil {
		return
	}
	s <- Event{Kind: Progress, Written: written, Total: total}
}

// Donef emits the terminal Done event and closes the stream.
func (s Stream) Donef(err error) {
	if s == nil {
		return
	}
	s <- Event{Kind: Done, Err: err}
	close(s)
}
