package supervisor

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"
)

// collect drains all events from a closed-out stream with a safety timeout.
func collect(t *testing.T, b *Buffer) []Event {
	t.Helper()

	var got []Event
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for ev := range b.Stream(ctx, 0) {
		got = append(got, ev)
	}
	if ctx.Err() != nil {
		t.Fatal("timed out draining event stream")
	}
	return got
}

func payloads(events []Event, kind Kind) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == kind {
			sb.WriteString(ev.Payload)
		}
	}
	return sb.String()
}

func TestStartCapturesBothStreams(t *testing.T) {
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/sh",
		Args:          []string{"-c", "printf out-data; printf err-data 1>&2"},
		WorkspacePath: t.TempDir(),
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if code := h.Wait(); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}

	events := collect(t, buf)
	if got := payloads(events, KindStdout); got != "out-data" {
		t.Errorf("expected stdout %q, got %q", "out-data", got)
	}
	if got := payloads(events, KindStderr); got != "err-data" {
		t.Errorf("expected stderr %q, got %q", "err-data", got)
	}
}

func TestTaskPayloadDeliveredOnStdin(t *testing.T) {
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/cat",
		WorkspacePath: t.TempDir(),
		TaskPayload:   []byte("review the diff"),
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if code := h.Wait(); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if got := payloads(collect(t, buf), KindStdout); got != "review the diff" {
		t.Errorf("expected payload echoed back, got %q", got)
	}
}

func TestRunsInWorkspaceDirectory(t *testing.T) {
	dir := t.TempDir()
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/sh",
		Args:          []string{"-c", "pwd"},
		WorkspacePath: dir,
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Wait()

	if got := payloads(collect(t, buf), KindStdout); !strings.Contains(got, dir) {
		t.Errorf("expected working directory %q, got %q", dir, got)
	}
}

func TestNonZeroExitCode(t *testing.T) {
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/sh",
		Args:          []string{"-c", "exit 3"},
		WorkspacePath: t.TempDir(),
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code := h.Wait(); code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
}

func TestLaunchFailed(t *testing.T) {
	buf := NewBuffer("s1", 0)
	_, err := Start(Config{
		SessionID:     "s1",
		Command:       "/nonexistent/agent-binary",
		WorkspacePath: t.TempDir(),
	}, buf)
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
}

func TestCancelInterruptsCooperativeAgent(t *testing.T) {
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/sh",
		Args:          []string{"-c", "sleep 30"},
		WorkspacePath: t.TempDir(),
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	h.Cancel(5 * time.Second)
	h.Wait()

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("cooperative cancel took %v", elapsed)
	}
	if h.Forced() {
		t.Error("expected cooperative exit, not forced kill")
	}
}

func TestCancelEscalatesWhenAgentIgnoresInterrupt(t *testing.T) {
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/sh",
		Args:          []string{"-c", `trap "" INT; while :; do sleep 0.1; done`},
		WorkspacePath: t.TempDir(),
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pid := h.cmd.Process.Pid

	start := time.Now()
	h.Cancel(500 * time.Millisecond)
	h.Wait()

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("forced cancel took %v, want grace + epsilon", elapsed)
	}
	if !h.Forced() {
		t.Error("expected forced kill")
	}
	// The process must be gone afterwards.
	if err := syscall.Kill(pid, 0); err == nil {
		t.Error("agent process still present after forced cancel")
	}
}

func TestCancelIdempotent(t *testing.T) {
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/sh",
		Args:          []string{"-c", "sleep 30"},
		WorkspacePath: t.TempDir(),
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.Cancel(2 * time.Second)
	h.Cancel(2 * time.Second)
	h.Wait()

	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second Wait after double cancel did not resolve")
	}
}

func TestWatchdogBoundsRuntime(t *testing.T) {
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/sh",
		Args:          []string{"-c", `trap "" INT TERM; while :; do sleep 0.1; done`},
		WorkspacePath: t.TempDir(),
		Watchdog:      500 * time.Millisecond,
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	h.Wait()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("watchdog did not bound runtime, took %v", elapsed)
	}
	if !h.Forced() {
		t.Error("expected watchdog to force-kill")
	}
}

func TestPTYModeEmitsStdout(t *testing.T) {
	buf := NewBuffer("s1", 0)
	h, err := Start(Config{
		SessionID:     "s1",
		Command:       "/bin/sh",
		Args:          []string{"-c", "printf pty-output"},
		WorkspacePath: t.TempDir(),
		UsePTY:        true,
	}, buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.Wait()

	if got := payloads(collect(t, buf), KindStdout); !strings.Contains(got, "pty-output") {
		t.Errorf("expected PTY output captured as stdout, got %q", got)
	}
}
