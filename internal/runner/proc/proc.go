// Package proc manages a CLI subprocess: spawn, piped stdio with a
// queue-backed stdin writer, a stderr ring buffer, and exit tracking.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// ErrChannelClosed is returned for writes after the process exited or the
// channel was stopped.
var ErrChannelClosed = errors.New("proc: channel closed")

// stderrBufferSize is the number of recent stderr lines kept for error context.
const stderrBufferSize = 50

// stdinQueueSize bounds queued stdin writes before senders block.
const stdinQueueSize = 64

// Config describes the subprocess to spawn.
type Config struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

// Channel is one spawned CLI subprocess. Stdin writes are serialized through
// an internal queue so callers get FIFO ordering and backpressure instead of
// partial interleaved writes.
type Channel struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeQueue chan []byte
	writeErr   atomic.Value // error

	stderrBuffer []string
	stderrMu     sync.RWMutex

	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// errorWrapper wraps an error so it can be stored in atomic.Value (which cannot store nil)
type errorWrapper struct {
	err error
}

// New creates a channel for the given command. Start must be called before use.
func New(cfg Config) *Channel {
	c := &Channel{
		cfg:        cfg,
		writeQueue: make(chan []byte, stdinQueueSize),
		done:       make(chan struct{}),
	}
	c.exitCode.Store(-1)
	return c
}

// Start spawns the subprocess and begins the writer, stderr, and exit
// goroutines. The process is deliberately not tied to ctx: a session must
// outlive the request that created it.
func (c *Channel) Start(ctx context.Context) error {
	if c.cfg.Path == "" {
		return fmt.Errorf("no command configured")
	}

	c.cmd = exec.Command(c.cfg.Path, c.cfg.Args...)
	c.cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range c.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		c.cmd.Env = env
	}
	// Own process group so CLI children die with the CLI.
	setProcGroup(c.cmd)

	var err error
	if c.stdin, err = c.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if c.stdout, err = c.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if c.stderr, err = c.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.cfg.Path, err)
	}

	c.wg.Add(2)
	go c.readStderr()
	go c.writerLoop()
	go c.waitForExit()

	return nil
}

// Stdout returns the subprocess stdout stream.
func (c *Channel) Stdout() io.Reader {
	return c.stdout
}

// Write enqueues one stdin write. It blocks when the queue is full
// (backpressure) and fails once the channel is closed. Satisfies io.Writer so
// protocol clients can write through the queue directly.
func (c *Channel) Write(p []byte) (int, error) {
	if err := c.loadWriteErr(); err != nil {
		return 0, err
	}
	select {
	case <-c.done:
		return 0, ErrChannelClosed
	default:
	}
	// The queue owns the slice after the send.
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case <-c.done:
		return 0, ErrChannelClosed
	case c.writeQueue <- buf:
		return len(p), nil
	}
}

// Done is closed when the subprocess has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// PID returns the subprocess PID, or 0 before Start.
func (c *Channel) PID() int {
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

// ExitCode returns the exit code (-1 while running).
func (c *Channel) ExitCode() int {
	return int(c.exitCode.Load())
}

// ExitErr returns the exit error if the process failed.
func (c *Channel) ExitErr() error {
	if v := c.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// RecentStderr returns a copy of the recent stderr lines for error context.
func (c *Channel) RecentStderr() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()
	out := make([]string, len(c.stderrBuffer))
	copy(out, c.stderrBuffer)
	return out
}

// Stop closes stdin to signal EOF and escalates to killing the process group
// if the process has not exited by the ctx deadline.
func (c *Channel) Stop(ctx context.Context) error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}

	exited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	}

	pid := c.cmd.Process.Pid
	if err := terminateProcessGroup(pid); err != nil {
		_ = c.cmd.Process.Kill()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(3 * time.Second):
		if err := killProcessGroup(pid); err != nil {
			_ = c.cmd.Process.Kill()
		}
		<-exited
		return nil
	}
}

// writerLoop drains the stdin queue in FIFO order. A write error is sticky:
// later Writes surface it instead of blocking on a dead pipe.
func (c *Channel) writerLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case buf := <-c.writeQueue:
			if err := c.loadWriteErr(); err != nil {
				continue
			}
			if _, err := c.stdin.Write(buf); err != nil {
				c.writeErr.Store(errorWrapper{err: fmt.Errorf("stdin write: %w", err)})
			}
		}
	}
}

func (c *Channel) loadWriteErr() error {
	if v := c.writeErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok && w.err != nil {
			return w.err
		}
	}
	return nil
}

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// readStderr buffers recent stderr lines; they are surfaced on abnormal exit.
func (c *Channel) readStderr() {
	defer c.wg.Done()

	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		line := stripANSI(scanner.Text())

		c.stderrMu.Lock()
		if len(c.stderrBuffer) >= stderrBufferSize {
			c.stderrBuffer = c.stderrBuffer[1:]
		}
		c.stderrBuffer = append(c.stderrBuffer, line)
		c.stderrMu.Unlock()
	}
}

func (c *Channel) waitForExit() {
	err := c.cmd.Wait()

	if err != nil {
		c.exitErr.Store(errorWrapper{err: err})
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.exitCode.Store(int32(exitErr.ExitCode()))
		}
	} else {
		c.exitCode.Store(0)
	}

	c.stopOnce.Do(func() { close(c.done) })
}
