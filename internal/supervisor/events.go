package supervisor

import (
	"context"
	"sync"
	"time"
)

// Kind identifies which stream an event was captured from.
type Kind string

const (
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	// KindSystem carries orchestrator-generated notes (launch failures,
	// drain errors, cancellation markers) interleaved with agent output.
	KindSystem Kind = "system"
)

// Event is one ordered unit of streamed agent output. Seq is strictly
// increasing and gapless from 0 within a session and defines the replay
// order for late subscribers.
type Event struct {
	SessionID string    `json:"sessionId"`
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Buffer is an append-only, bounded event log for one session. Producers
// append as output arrives; any number of consumers stream concurrently,
// each resuming from its own acknowledged sequence. When the buffer is
// full the oldest events are evicted, keeping memory bounded the same way
// the terminal output ring buffer does.
type Buffer struct {
	sessionID string
	max       int

	mu      sync.Mutex
	events  []Event
	nextSeq uint64
	closed  bool
	wake    chan struct{}
}

// NewBuffer allocates an event buffer retaining at most max events.
func NewBuffer(sessionID string, max int) *Buffer {
	if max <= 0 {
		max = 4096
	}
	return &Buffer{
		sessionID: sessionID,
		max:       max,
		wake:      make(chan struct{}),
	}
}

// Append records an event and wakes all waiting streams.
func (b *Buffer) Append(kind Kind, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.events = append(b.events, Event{
		SessionID: b.sessionID,
		Seq:       b.nextSeq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	b.nextSeq++

	if len(b.events) > b.max {
		b.events = b.events[len(b.events)-b.max:]
	}

	b.broadcastLocked()
}

// System records an orchestrator-generated note on the session's stream.
func (b *Buffer) System(payload string) {
	b.Append(KindSystem, payload)
}

// Close marks the buffer complete. Streams drain remaining events and
// terminate; further appends are dropped.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.broadcastLocked()
}

// NextSeq returns the sequence number the next event will receive.
func (b *Buffer) NextSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Stream returns a channel that replays buffered events with Seq >= fromSeq
// and then follows live output. The channel closes once the buffer is
// closed and fully drained, or when ctx is cancelled. Requesting a
// sequence older than the retention window resumes from the oldest
// retained event.
func (b *Buffer) Stream(ctx context.Context, fromSeq uint64) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)
		cursor := fromSeq

		for {
			b.mu.Lock()
			pending := b.pendingLocked(cursor)
			closed := b.closed
			wake := b.wake
			b.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
					cursor = ev.Seq + 1
				case <-ctx.Done():
					return
				}
			}

			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// pendingLocked copies the retained events with Seq >= cursor.
func (b *Buffer) pendingLocked(cursor uint64) []Event {
	if len(b.events) == 0 {
		return nil
	}

	oldest := b.events[0].Seq
	if cursor < oldest {
		cursor = oldest
	}
	if cursor >= b.nextSeq {
		return nil
	}

	start := int(cursor - oldest)
	pending := make([]Event, len(b.events)-start)
	copy(pending, b.events[start:])
	return pending
}

// broadcastLocked wakes every stream blocked on new data.
func (b *Buffer) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}
