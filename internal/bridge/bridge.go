package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"
)

const (
	DefaultCommand        = "claude"
	DefaultMaxDuration    = 10 * time.Minute
	DefaultKillTimeout    = 5 * time.Second
	DefaultMaxLineBytes   = 16 * 1024 * 1024
	DefaultMaxStderrBytes = 64 * 1024
	DefaultBufferSize     = 32
)

var (
	ErrEmptyCommand = errors.New("backend command is empty")
	ErrShuttingDown = errors.New("gateway shutting down")
)

// Mode is how an invocation binds to its conversation.
type Mode string

const (
	ModeStart  Mode = "start"
	ModeResume Mode = "resume"
)

// Registry is the subset of the session registry the bridge needs.
type Registry interface {
	HasStarted(token string) bool
	MarkStarted(token string)
}

type Options struct {
	// Command is a shell-style command line such as "claude" or
	// "npx @anthropic-ai/claude-code".
	Command        string
	ExtraArgs      []string
	Env            []string
	WorkDir        string
	MaxDuration    time.Duration
	KillTimeout    time.Duration
	MaxLineBytes   int
	MaxStderrBytes int
	BufferSize     int
	Logger         *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Command == "" {
		o.Command = DefaultCommand
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = DefaultMaxLineBytes
	}
	if o.MaxStderrBytes <= 0 {
		o.MaxStderrBytes = DefaultMaxStderrBytes
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Bridge turns (session, message) pairs into live record streams backed by
// one backend process each.
type Bridge struct {
	opts     Options
	command  []string
	registry Registry
	logger   *slog.Logger

	// A token's launch lock spans mode selection through MarkStarted so two
	// first requests for one token cannot both start a conversation.
	locksMu     sync.Mutex
	launchLocks map[string]*launchLock

	activeMu sync.Mutex
	active   map[*Invocation]struct{}
}

func New(registry Registry, opts Options) (*Bridge, error) {
	opts.applyDefaults()
	command, err := shlex.Split(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse backend command %q: %w", opts.Command, err)
	}
	if len(command) == 0 {
		return nil, ErrEmptyCommand
	}
	return &Bridge{
		opts:        opts,
		command:     command,
		registry:    registry,
		logger:      opts.Logger.With("component", "bridge"),
		launchLocks: map[string]*launchLock{},
		active:      map[*Invocation]struct{}{},
	}, nil
}

type launchLock struct {
	mu   sync.Mutex
	refs int
}

// lockToken serializes launches for one token and returns the unlock func.
// Launches for different tokens proceed in parallel.
func (b *Bridge) lockToken(token string) func() {
	b.locksMu.Lock()
	l, ok := b.launchLocks[token]
	if !ok {
		l = &launchLock{}
		b.launchLocks[token] = l
	}
	l.refs++
	b.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.launchLocks, token)
		}
		b.locksMu.Unlock()
	}
}

func (b *Bridge) Executable() string {
	return b.command[0]
}

func (b *Bridge) SelectMode(token string) Mode {
	if b.registry.HasStarted(token) {
		return ModeResume
	}
	return ModeStart
}

// Args builds the argument vector passed after the executable. The message is
// always the final positional argument.
func (b *Bridge) Args(mode Mode, token, message string) []string {
	args := make([]string, 0, len(b.command)+len(b.opts.ExtraArgs)+9)
	args = append(args, b.command[1:]...)
	args = append(args, "--print", "--verbose", "--output-format", "stream-json")
	if mode == ModeResume {
		args = append(args, "--resume", token)
	} else {
		args = append(args, "--session-id", token)
	}
	args = append(args, "--dangerously-skip-permissions")
	args = append(args, b.opts.ExtraArgs...)
	return append(args, message)
}

// Stream launches the backend for token and returns the running invocation.
// Launch failures are reported as a single error record on the invocation.
func (b *Bridge) Stream(ctx context.Context, token, message string) *Invocation {
	runCtx, cancel := context.WithTimeout(ctx, b.opts.MaxDuration)
	inv := &Invocation{
		sessionID:   token,
		message:     message,
		parent:      ctx,
		cancel:      cancel,
		records:     make(chan Record, b.opts.BufferSize),
		abandoned:   make(chan struct{}),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		killTimeout: b.opts.KillTimeout,
		maxDuration: b.opts.MaxDuration,
		maxLine:     b.opts.MaxLineBytes,
		stderr:      newTailBuffer(b.opts.MaxStderrBytes),
	}

	unlock := b.lockToken(token)
	inv.mode = b.SelectMode(token)
	inv.args = b.Args(inv.mode, token, message)
	inv.logger = b.logger.With("session_id", token, "mode", string(inv.mode))
	var (
		cmd      *exec.Cmd
		stdout   *os.File
		startErr error
	)
	if err := ctx.Err(); err != nil {
		startErr = err
	} else {
		cmd, stdout, startErr = b.launch(inv)
		if startErr == nil && inv.mode == ModeStart {
			b.registry.MarkStarted(token)
		}
	}
	unlock()

	if startErr != nil {
		inv.logger.Warn("backend launch failed", "error", startErr)
	} else {
		inv.pid = cmd.Process.Pid
		inv.logger.Info("backend started", "pid", inv.pid)
	}

	b.track(inv)
	go inv.run(runCtx, cmd, stdout, startErr, func() { b.untrack(inv) })
	return inv
}

func (b *Bridge) launch(inv *Invocation) (*exec.Cmd, *os.File, error) {
	cmd := exec.Command(b.command[0], inv.args...)
	cmd.Dir = b.opts.WorkDir
	if len(b.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), b.opts.Env...)
	}
	cmd.Stderr = inv.stderr
	// Bounds how long Wait keeps copying stderr after the process exits when
	// a grandchild still holds the pipe open.
	cmd.WaitDelay = b.opts.KillTimeout

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, err
	}
	// The child owns the write end now; EOF on stdoutR means it closed stdout.
	stdoutW.Close()
	return cmd, stdoutR, nil
}

func (b *Bridge) track(inv *Invocation) {
	b.activeMu.Lock()
	b.active[inv] = struct{}{}
	b.activeMu.Unlock()
}

func (b *Bridge) untrack(inv *Invocation) {
	b.activeMu.Lock()
	delete(b.active, inv)
	b.activeMu.Unlock()
}

// Active reports the number of invocations that have not been reaped yet.
func (b *Bridge) Active() int {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	return len(b.active)
}

// Shutdown terminates every in-flight invocation and waits for them to be
// reaped. Consumers still reading receive a terminal error record. When ctx
// expires first the remaining streams are abandoned.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.activeMu.Lock()
	invocations := make([]*Invocation, 0, len(b.active))
	for inv := range b.active {
		invocations = append(invocations, inv)
	}
	b.activeMu.Unlock()

	if len(invocations) > 0 {
		b.logger.Info("terminating in-flight invocations", "count", len(invocations))
	}
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, inv := range invocations {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inv.stop()
				<-inv.done
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, inv := range invocations {
			inv.abandonOnce.Do(func() { close(inv.abandoned) })
		}
		return ctx.Err()
	}
}
