package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Record is one decoded unit of backend output: a JSON object payload or a
// terminal error. An error record is always the last record of a stream.
type Record struct {
	SessionID string
	Payload   map[string]any
	Err       string
}

func (r Record) IsError() bool {
	return r.Err != ""
}

// Result summarizes a reaped invocation.
type Result struct {
	ExitCode int
	Records  int
	TimedOut bool
	Leaked   bool
	Duration time.Duration
	Err      error
}

// Clean reports whether the backend ran to a successful exit.
func (r Result) Clean() bool {
	return r.Err == nil && r.ExitCode == 0 && !r.TimedOut && !r.Leaked
}

// Invocation is one backend process bound to one session and one message.
type Invocation struct {
	sessionID string
	message   string
	mode      Mode
	args      []string
	pid       int

	parent      context.Context
	cancel      context.CancelFunc
	records     chan Record
	abandoned   chan struct{}
	abandonOnce sync.Once
	stopping    chan struct{}
	stopOnce    sync.Once
	done        chan struct{}

	killTimeout time.Duration
	maxDuration time.Duration
	maxLine     int
	stderr      *tailBuffer
	exited      atomic.Bool
	logger      *slog.Logger

	result Result
}

func (inv *Invocation) SessionID() string { return inv.sessionID }
func (inv *Invocation) Mode() Mode        { return inv.mode }
func (inv *Invocation) PID() int          { return inv.pid }

func (inv *Invocation) Args() []string {
	return append([]string(nil), inv.args...)
}

// Records yields records in backend order and is closed once the process has
// been reaped.
func (inv *Invocation) Records() <-chan Record {
	return inv.records
}

// Close abandons the stream and blocks until the process is reaped. It is safe
// to call more than once and after the stream has been drained.
func (inv *Invocation) Close() {
	inv.abandonOnce.Do(func() { close(inv.abandoned) })
	inv.cancel()
	<-inv.done
}

// stop terminates the backend on the gateway's behalf. Unlike Close the
// consumer is still reading, so the stream ends with an error record.
func (inv *Invocation) stop() {
	inv.stopOnce.Do(func() { close(inv.stopping) })
	inv.cancel()
}

func (inv *Invocation) isStopping() bool {
	select {
	case <-inv.stopping:
		return true
	default:
		return false
	}
}

// Wait blocks until the invocation is reaped and returns its outcome.
func (inv *Invocation) Wait() Result {
	<-inv.done
	return inv.result
}

func (inv *Invocation) isAbandoned() bool {
	select {
	case <-inv.abandoned:
		return true
	default:
		return false
	}
}

// emit delivers rec unless the consumer has gone away.
func (inv *Invocation) emit(rec Record) bool {
	select {
	case inv.records <- rec:
		return true
	case <-inv.abandoned:
		return false
	case <-inv.parent.Done():
		return false
	}
}

// run drives the process to completion. release runs after the records
// channel closes and before Wait or Close return.
func (inv *Invocation) run(ctx context.Context, cmd *exec.Cmd, stdout *os.File, startErr error, release func()) {
	started := time.Now()
	defer close(inv.done)
	defer release()
	defer close(inv.records)
	defer inv.cancel()
	defer func() { inv.result.Duration = time.Since(started) }()

	if startErr != nil {
		inv.result.ExitCode = -1
		inv.result.Err = startErr
		if inv.parent.Err() == nil {
			inv.emit(Record{SessionID: inv.sessionID, Err: fmt.Sprintf("failed to start backend: %v", startErr)})
		}
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		inv.readLoop(stdout)
	}()
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	reaped, interrupted := false, false
	select {
	case <-readDone:
		select {
		case err := <-waitCh:
			inv.reaped(cmd, err)
			reaped = true
		case <-ctx.Done():
			interrupted = true
		}
	case err := <-waitCh:
		inv.reaped(cmd, err)
		reaped = true
		// Let the reader drain what is left in the pipe. Reads past the
		// deadline mean a grandchild inherited stdout and is holding it open.
		_ = stdout.SetReadDeadline(time.Now().Add(inv.killTimeout))
		select {
		case <-readDone:
		case <-ctx.Done():
			interrupted = true
		}
	case <-ctx.Done():
		interrupted = true
	}

	if !reaped {
		reaped = inv.terminate(cmd, waitCh)
	}
	stdout.Close()
	<-readDone

	switch {
	case inv.parent.Err() != nil || inv.isAbandoned():
		inv.logger.Debug("stream abandoned by consumer", "pid", inv.pid)
	case interrupted && inv.isStopping():
		inv.result.Err = ErrShuttingDown
		inv.logger.Info("backend terminated for shutdown", "pid", inv.pid)
		inv.emit(Record{SessionID: inv.sessionID, Err: "backend terminated: gateway shutting down"})
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		inv.result.TimedOut = true
		inv.emit(Record{SessionID: inv.sessionID, Err: fmt.Sprintf("backend timed out after %s", inv.maxDuration)})
	case !reaped:
		inv.emit(Record{SessionID: inv.sessionID, Err: "backend process did not exit"})
	case !cmd.ProcessState.Success():
		msg := strings.TrimSpace(inv.stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("backend failed: %s", cmd.ProcessState)
		}
		inv.logger.Warn("backend exited with failure", "pid", inv.pid, "exit_code", inv.result.ExitCode, "stderr", msg)
		inv.emit(Record{SessionID: inv.sessionID, Err: msg})
	default:
		inv.logger.Info("backend completed", "pid", inv.pid, "records", inv.result.Records, "duration", time.Since(started))
	}
}

func (inv *Invocation) reaped(cmd *exec.Cmd, err error) {
	inv.exited.Store(true)
	inv.result.ExitCode = -1
	if cmd.ProcessState != nil {
		inv.result.ExitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.Is(err, exec.ErrWaitDelay) {
		// The process exited; only a grandchild still held its stderr.
		inv.logger.Debug("backend stderr held open after exit", "pid", inv.pid)
		return
	}
	if err != nil && !errors.As(err, &exitErr) {
		inv.result.Err = err
		inv.logger.Debug("backend wait returned", "pid", inv.pid, "error", err)
	}
}

// terminate escalates SIGTERM, then SIGKILL, waiting killTimeout after each.
// It reports whether the process was reaped.
func (inv *Invocation) terminate(cmd *exec.Cmd, waitCh <-chan error) bool {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		inv.logger.Warn("failed to signal backend", "pid", inv.pid, "error", err)
	}
	select {
	case err := <-waitCh:
		inv.reaped(cmd, err)
		return true
	case <-time.After(inv.killTimeout):
	}

	inv.logger.Warn("backend ignored SIGTERM, killing", "pid", inv.pid, "timeout", inv.killTimeout)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		inv.logger.Warn("failed to kill backend", "pid", inv.pid, "error", err)
	}
	select {
	case err := <-waitCh:
		inv.reaped(cmd, err)
		return true
	case <-time.After(inv.killTimeout):
	}

	inv.result.Leaked = true
	inv.logger.Error("backend process leaked", "pid", inv.pid, "timeout", inv.killTimeout)
	return false
}

func (inv *Invocation) readLoop(stdout *os.File) {
	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		if inv.exited.Load() {
			_ = stdout.SetReadDeadline(time.Now().Add(inv.killTimeout))
		}
		line, err := readLine(reader, inv.maxLine)
		if errors.Is(err, errLineTooLong) {
			inv.logger.Debug("skipping oversized output line", "limit", inv.maxLine)
			continue
		}
		if len(line) > 0 && !inv.handleLine(line) {
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				inv.logger.Debug("stdout read stopped", "error", err)
			}
			return
		}
	}
}

// handleLine returns false once the consumer is gone.
func (inv *Invocation) handleLine(line []byte) bool {
	payload, err := decodeLine(line)
	if err != nil {
		if !errors.Is(err, errBlankLine) {
			inv.logger.Debug("skipping non-record output", "error", err, "line", truncate(string(line), 200))
		}
		return true
	}
	if !inv.emit(Record{SessionID: inv.sessionID, Payload: payload}) {
		return false
	}
	inv.result.Records++
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
