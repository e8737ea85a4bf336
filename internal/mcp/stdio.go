package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// stopGrace is how long Close waits for the subprocess to exit after
// its stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. All traffic is serialized through a one-slot semaphore,
// so a single transport can be shared by concurrent callers; responses
// are matched to requests by ID.
//
// A transport is single-use: once the subprocess fails or a call
// exceeds its deadline, the process is killed and every later call
// returns a *TransportError wrapping [ErrClosed].
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem guards every field below. A channel instead of a mutex so
	// that waiting callers can give up when their context ends.
	sem chan struct{}

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	dead   bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// acquire takes the semaphore or returns ctx.Err().
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; select picks randomly.
	if err := ctx.Err(); err != nil {
		<-t.sem
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// start launches the subprocess on first use. Caller must hold sem.
func (t *StdioTransport) start() error {
	if t.dead {
		return &TransportError{Op: "start", Err: ErrClosed}
	}
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	// The process outlives individual call contexts; it is only ended
	// by Close or by a transport failure.
	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &TransportError{Op: "start", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &TransportError{Op: "start", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		t.dead = true
		return &TransportError{Op: "start", Err: fmt.Errorf("start %s: %w", t.config.Command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)

	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr logs the subprocess's stderr at debug level until EOF.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

type readResult struct {
	line []byte
	err  error
}

// Send writes req and reads lines until the response with the same ID
// arrives. Lines that are not JSON or carry other IDs are skipped.
//
// If ctx ends while waiting for the response, the subprocess is killed:
// a late reply would otherwise be read as the answer to the next call.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "mcp send", "json", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.fail()
		return nil, &TransportError{Op: "write", Err: err}
	}

	for {
		ch := make(chan readResult, 1)
		reader := t.reader
		go func() {
			line, readErr := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			t.fail()
			return nil, &TransportError{Op: "read", Err: ctx.Err()}
		case res := <-ch:
			if res.err != nil {
				t.fail()
				return nil, &TransportError{Op: "read", Err: res.err}
			}

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess",
					"line", string(res.line),
				)
				continue
			}
			if resp.ID != req.ID {
				t.logger.Debug("skipping unmatched MCP message", "id", resp.ID, "want", req.ID)
				continue
			}

			t.logger.Log(ctx, levelTrace, "mcp recv", "json", string(res.line))
			return &resp, nil
		}
	}
}

// Notify writes a notification. No response is read.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.fail()
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close waits for any in-flight call, then ends the subprocess: stdin
// is closed to ask it to exit, and it is killed if it is still running
// after a grace period. Close on an unstarted transport returns nil.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	t.dead = true
	if t.cmd == nil {
		return nil
	}

	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	t.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		_ = t.cmd.Process.Kill()
		<-done
	}

	t.cmd = nil
	t.stdin = nil
	t.reader = nil
	return err
}

// fail kills the subprocess after a transport error and marks the
// transport dead. Caller must hold sem.
func (t *StdioTransport) fail() {
	t.dead = true
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.logger.Warn("killing MCP subprocess after transport failure", "pid", t.cmd.Process.Pid)
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
}
