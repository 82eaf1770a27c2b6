// Package supervisor owns the full lifecycle of one agent subprocess
// bound to one workspace: spawn, incremental output capture, cooperative
// cancellation with forced escalation, and exit tracking.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrLaunchFailed wraps any failure to spawn the agent executable
// (missing binary, permission denied, resource limits).
var ErrLaunchFailed = errors.New("agent launch failed")

// defaultWatchdog bounds worst-case resource pinning when the caller
// configured no timeout of its own.
const defaultWatchdog = 30 * time.Minute

const readChunkSize = 4096

// Config holds everything needed to launch one agent process.
type Config struct {
	SessionID     string
	Command       string
	Args          []string
	WorkspacePath string
	// TaskPayload is written to the agent's stdin and then the input is
	// closed (EOT in PTY mode).
	TaskPayload []byte
	Env         []string
	// UsePTY runs the agent under a pseudo-terminal. Agent CLIs commonly
	// buffer or refuse to stream without one. All PTY output is emitted
	// as stdout events.
	UsePTY bool
	// Watchdog force-kills the process after this duration regardless of
	// any external timeout, so Wait always resolves. Zero means the
	// default backstop, not "no watchdog".
	Watchdog time.Duration
}

// Handle is the live binding between a session and its OS process. It
// owns the process's pipes and termination signalling; the event buffer
// it writes to is owned by the caller.
type Handle struct {
	sessionID string
	cmd       *exec.Cmd
	buf       *Buffer
	ptyFile   *os.File

	cancelling atomic.Bool
	forced     atomic.Bool
	watchdog   *time.Timer

	exitCode int
	done     chan struct{}
}

// Start spawns the agent with its working directory set to the workspace
// and the task payload on stdin. Output events are appended to buf as
// they arrive; buf is closed once the process has exited and all output
// has been drained.
func Start(cfg Config, buf *Buffer) (*Handle, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkspacePath
	cmd.Env = append(os.Environ(), cfg.Env...)
	// Own process group so cancellation reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := &Handle{
		sessionID: cfg.SessionID,
		cmd:       cmd,
		buf:       buf,
		done:      make(chan struct{}),
	}

	var readers sync.WaitGroup
	if cfg.UsePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}
		h.ptyFile = f

		go writePayloadPTY(f, cfg.TaskPayload)

		readers.Add(1)
		go func() {
			defer readers.Done()
			h.drain(f, KindStdout)
		}()
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		}

		go func() {
			if len(cfg.TaskPayload) > 0 {
				if _, err := stdin.Write(cfg.TaskPayload); err != nil {
					buf.System(fmt.Sprintf("task payload delivery failed: %v", err))
				}
			}
			stdin.Close()
		}()

		readers.Add(2)
		go func() {
			defer readers.Done()
			h.drain(stdout, KindStdout)
		}()
		go func() {
			defer readers.Done()
			h.drain(stderr, KindStderr)
		}()
	}

	watchdog := cfg.Watchdog
	if watchdog <= 0 {
		watchdog = defaultWatchdog
	}
	h.watchdog = time.AfterFunc(watchdog, func() {
		h.buf.System("watchdog timeout exceeded, force-killing agent")
		h.kill()
	})

	slog.Info("Agent process started",
		"sessionId", cfg.SessionID, "command", cfg.Command, "pid", cmd.Process.Pid, "pty", cfg.UsePTY)

	go h.reap(&readers)

	return h, nil
}

// reap waits for output to drain and the process to exit, records the
// exit status, and releases everything blocked on Wait.
func (h *Handle) reap(readers *sync.WaitGroup) {
	readers.Wait()

	err := h.cmd.Wait()
	h.watchdog.Stop()
	if h.ptyFile != nil {
		h.ptyFile.Close()
	}

	h.exitCode = exitCodeFromWait(err)
	h.buf.Close()
	close(h.done)

	slog.Info("Agent process exited",
		"sessionId", h.sessionID, "exitCode", h.exitCode, "forced", h.forced.Load())
}

// drain reads one output stream incrementally, emitting an event per
// chunk. Read errors are recorded as system events and never fail the
// session: output capture is best-effort.
func (h *Handle) drain(r io.Reader, kind Kind) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			h.buf.Append(kind, string(chunk[:n]))
		}
		if err != nil {
			if !isExpectedReadEnd(err) {
				h.buf.System(fmt.Sprintf("%s capture error: %v", kind, err))
			}
			return
		}
	}
}

// Cancel requests cooperative termination (SIGINT to the process group)
// and escalates to SIGKILL after grace. Idempotent: a second call while
// termination is in progress is a no-op.
func (h *Handle) Cancel(grace time.Duration) {
	if !h.cancelling.CompareAndSwap(false, true) {
		return
	}

	h.buf.System("cancellation requested, interrupting agent")
	h.signal(syscall.SIGINT)

	time.AfterFunc(grace, func() {
		select {
		case <-h.done:
		default:
			h.buf.System("grace period expired, force-killing agent")
			h.kill()
		}
	})
}

// Kill immediately force-terminates the process group.
func (h *Handle) Kill() {
	h.kill()
}

// Wait blocks until the process has exited and its output is drained,
// then returns the exit code. The watchdog guarantees this resolves.
func (h *Handle) Wait() int {
	<-h.done
	return h.exitCode
}

// Done returns a channel closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Forced reports whether the process was force-killed rather than
// exiting on its own.
func (h *Handle) Forced() bool {
	return h.forced.Load()
}

func (h *Handle) kill() {
	select {
	case <-h.done:
		return
	default:
	}
	h.forced.Store(true)
	h.signal(syscall.SIGKILL)
}

// signal delivers sig to the agent's process group. Errors are ignored:
// the group may already be gone.
func (h *Handle) signal(sig syscall.Signal) {
	if h.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-h.cmd.Process.Pid, sig)
}

// writePayloadPTY delivers the task payload through the pseudo-terminal,
// terminated by EOT since a PTY has no separate stdin to close.
func writePayloadPTY(f *os.File, payload []byte) {
	if len(payload) > 0 {
		_, _ = f.Write(payload)
	}
	_, _ = f.Write([]byte{0x04})
}

// isExpectedReadEnd reports whether a read error is the normal end of an
// output stream: EOF on pipes, EIO on a PTY whose slave side closed.
func isExpectedReadEnd(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// exitCodeFromWait maps the error from cmd.Wait to a numeric exit code.
// Signal-terminated processes report -1, matching os.ProcessState.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
