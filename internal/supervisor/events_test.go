package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestBufferSequencesGaplessFromZero(t *testing.T) {
	b := NewBuffer("s1", 0)
	b.Append(KindStdout, "a")
	b.Append(KindStderr, "b")
	b.System("c")
	b.Close()

	var got []Event
	for ev := range b.Stream(context.Background(), 0) {
		got = append(got, ev)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i) {
			t.Errorf("event %d: expected seq %d, got %d", i, i, ev.Seq)
		}
		if ev.SessionID != "s1" {
			t.Errorf("event %d: unexpected session id %q", i, ev.SessionID)
		}
	}
}

func TestBufferStreamFollowsLiveAppends(t *testing.T) {
	b := NewBuffer("s1", 0)
	b.Append(KindStdout, "early")

	stream := b.Stream(context.Background(), 0)

	ev := <-stream
	if ev.Payload != "early" {
		t.Fatalf("expected replayed event, got %+v", ev)
	}

	b.Append(KindStdout, "late")
	ev = <-stream
	if ev.Payload != "late" || ev.Seq != 1 {
		t.Fatalf("expected live event with seq 1, got %+v", ev)
	}

	b.Close()
	if _, ok := <-stream; ok {
		t.Fatal("expected stream to close after buffer close")
	}
}

func TestBufferResumeFromSequence(t *testing.T) {
	b := NewBuffer("s1", 0)
	for _, p := range []string{"a", "b", "c", "d"} {
		b.Append(KindStdout, p)
	}
	b.Close()

	var got []Event
	for ev := range b.Stream(context.Background(), 2) {
		got = append(got, ev)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Payload != "c" || got[1].Payload != "d" {
		t.Fatalf("unexpected resume contents: %+v", got)
	}
}

func TestBufferEvictsOldestWhenFull(t *testing.T) {
	b := NewBuffer("s1", 3)
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		b.Append(KindStdout, p)
	}
	b.Close()

	var got []Event
	for ev := range b.Stream(context.Background(), 0) {
		got = append(got, ev)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(got))
	}
	// Sequence numbers survive eviction; replay starts at the oldest retained.
	if got[0].Seq != 2 || got[0].Payload != "c" {
		t.Fatalf("expected oldest retained event seq 2 %q, got %+v", "c", got[0])
	}
}

func TestBufferStreamHonorsContext(t *testing.T) {
	b := NewBuffer("s1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	stream := b.Stream(ctx, 0)

	cancel()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected no event after context cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after context cancel")
	}
}

func TestBufferAppendAfterCloseDropped(t *testing.T) {
	b := NewBuffer("s1", 0)
	b.Append(KindStdout, "a")
	b.Close()
	b.Append(KindStdout, "late")

	if b.NextSeq() != 1 {
		t.Fatalf("expected appends after close to be dropped, next seq %d", b.NextSeq())
	}
}
