// Package process runs one external command per invocation with streamed,
// normalized output, a deadline, and cooperative cancellation.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cmerrors "github.com/codemachine-cli/codemachine/internal/errors"
	"github.com/codemachine-cli/codemachine/internal/instance"
)

// DefaultTimeout applies when Spec.Timeout is zero.
const DefaultTimeout = 30 * time.Minute

// DefaultGracePeriod is how long a terminated process group gets before SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// eventBuffer is the capacity of an execution's event channel.
const eventBuffer = 512

// StreamName identifies which output pipe an event came from.
type StreamName string

const (
	Stdout StreamName = "stdout"
	Stderr StreamName = "stderr"
)

// Event is one normalized output line.
type Event struct {
	Stream StreamName
	Line   string
	Time   time.Time
}

// Spec describes a single command invocation.
type Spec struct {
	Command string
	Args    []string

	// Dir is the working directory; it must exist.
	Dir string

	// Env replaces the child environment when non-nil.
	Env []string

	// Stdin is written to the child's standard input.
	Stdin string

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	// StripANSI removes escape sequences during normalization.
	StripANSI bool

	// AgentID and EngineID label the tracked instance.
	AgentID  string
	EngineID string

	// InstallHint is shown when Command cannot be found.
	InstallHint string
}

func (s Spec) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s Spec) grace() time.Duration {
	if s.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return s.GracePeriod
}

// Result is the outcome of a finished invocation. It is returned alongside
// errors too, so callers can inspect partial output.
type Result struct {
	InstanceID string
	ExitCode   int
	ExitSignal string
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// Runner spawns processes and records them in an optional instance tracker.
type Runner struct {
	tracker  *instance.Tracker
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithTracker records every spawned process in t.
func WithTracker(t *instance.Tracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// WithLookPath replaces exec.LookPath (primarily for tests).
func WithLookPath(fn func(string) (string, error)) Option {
	return func(r *Runner) {
		if fn != nil {
			r.lookPath = fn
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Runner{
		logger:   logger,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tracker returns the attached instance tracker, or nil.
func (r *Runner) Tracker() *instance.Tracker {
	return r.tracker
}

// Execution is a running invocation.
//
// Events must be drained until closed; the channel closes once both pipes
// have been fully read. Wait returns the single terminal outcome and may be
// called any number of times.
type Execution struct {
	events     chan Event
	done       chan struct{}
	instanceID string

	result *Result
	err    error
}

// Events returns the normalized line stream.
func (e *Execution) Events() <-chan Event {
	return e.events
}

// InstanceID returns the tracked instance id, or "" without a tracker.
func (e *Execution) InstanceID() string {
	return e.instanceID
}

// Wait blocks until the process has exited and all output was delivered.
func (e *Execution) Wait() (*Result, error) {
	<-e.done
	return e.result, e.err
}

// Run starts spec, discards events, and waits for the result.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	exe, err := r.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	for range exe.Events() {
	}
	return exe.Wait()
}

// Start spawns spec.Command. Errors returned here mean nothing was spawned.
func (r *Runner) Start(ctx context.Context, spec Spec) (*Execution, error) {
	if spec.Command == "" {
		return nil, cmerrors.ProcessIO("<empty>", errors.New("command is empty"))
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil {
			return nil, cmerrors.ProcessIO(spec.Command, fmt.Errorf("working directory: %w", err))
		}
		if !info.IsDir() {
			return nil, cmerrors.ProcessIO(spec.Command, fmt.Errorf("working directory %s is not a directory", spec.Dir))
		}
	}

	path, err := r.lookPath(spec.Command)
	if err != nil {
		return nil, cmerrors.BinaryNotInstalled(spec.Command, spec.InstallHint).WithCause(err)
	}

	// exec.Command, not CommandContext: cancellation is handled below so the
	// group gets SIGTERM and a grace period before SIGKILL.
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Plain pipes instead of StdoutPipe: Wait then returns when the leader
	// exits, even if a descendant still holds the write ends.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, cmerrors.ProcessIO(spec.Command, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, cmerrors.ProcessIO(spec.Command, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = spec.grace()

	exe := &Execution{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	if r.tracker != nil {
		inst := r.tracker.Start(spec.AgentID, spec.EngineID)
		exe.instanceID = inst.ID
	}

	started := time.Now()
	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		startErr := cmerrors.ProcessIO(spec.Command, err)
		r.finish(exe.instanceID, instance.Outcome{State: instance.StateError, Err: startErr})
		return nil, startErr
	}

	r.logger.Debug("process started",
		"command", spec.Command,
		"pid", cmd.Process.Pid,
		"instance", exe.instanceID,
		"dir", spec.Dir)

	go r.supervise(ctx, spec, cmd, stdoutR, stderrR, exe, started)
	return exe, nil
}

type exitReason int

const (
	exitNormal exitReason = iota
	exitTimeout
	exitCancelled
)

func (r *Runner) supervise(ctx context.Context, spec Spec, cmd *exec.Cmd, stdoutPipe, stderrPipe *os.File, exe *Execution, started time.Time) {
	defer close(exe.done)
	defer stdoutPipe.Close()
	defer stderrPipe.Close()

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error { return pump(stdoutPipe, &stdout, Stdout, spec.StripANSI, exe.events) })
	g.Go(func() error { return pump(stderrPipe, &stderr, Stderr, spec.StripANSI, exe.events) })

	pumpsDone := make(chan error, 1)
	go func() { pumpsDone <- g.Wait() }()

	leaderDone := make(chan error, 1)
	go func() { leaderDone <- cmd.Wait() }()

	timer := time.NewTimer(spec.timeout())
	defer timer.Stop()

	reason := exitNormal
	var waitErr error
	select {
	case waitErr = <-leaderDone:
	case <-ctx.Done():
		reason = exitCancelled
		waitErr = r.terminate(cmd, leaderDone, spec.grace())
	case <-timer.C:
		reason = exitTimeout
		waitErr = r.terminate(cmd, leaderDone, spec.grace())
	}

	pumpErr := r.drain(cmd.Process.Pid, pumpsDone, spec.grace(), stdoutPipe, stderrPipe)
	close(exe.events)

	res := &Result{
		InstanceID: exe.instanceID,
		ExitCode:   -1,
		Stdout:     Normalize(stdout.String(), spec.StripANSI),
		Stderr:     Normalize(stderr.String(), spec.StripANSI),
		Duration:   time.Since(started),
	}
	if ps := cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.ExitSignal = ws.Signal().String()
		}
	}
	exe.result = res

	outcome := instance.Outcome{ExitSignal: res.ExitSignal}
	if res.ExitCode >= 0 {
		code := res.ExitCode
		outcome.ExitCode = &code
	}

	var exitErr *exec.ExitError
	switch {
	case reason == exitTimeout:
		exe.err = cmerrors.ProcessTimeout(spec.Command, spec.timeout())
		outcome.State = instance.StateTerminated
	case reason == exitCancelled:
		exe.err = cmerrors.ProcessCancelled(spec.Command, ctx.Err())
		outcome.State = instance.StateTerminated
	case errors.As(waitErr, &exitErr):
		diag := res.Stderr
		if strings.TrimSpace(diag) == "" {
			diag = res.Stdout
		}
		exe.err = cmerrors.ProcessNonZeroExit(spec.Command, res.ExitCode, diag)
		outcome.State = instance.StateError
	case waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay):
		exe.err = cmerrors.ProcessIO(spec.Command, waitErr)
		outcome.State = instance.StateError
	case pumpErr != nil:
		exe.err = cmerrors.ProcessIO(spec.Command, pumpErr)
		outcome.State = instance.StateError
	default:
		outcome.State = instance.StateCompleted
	}
	outcome.Err = exe.err
	r.finish(exe.instanceID, outcome)

	r.logger.Debug("process finished",
		"command", spec.Command,
		"instance", exe.instanceID,
		"state", outcome.State,
		"exit_code", res.ExitCode,
		"duration", res.Duration)
}

// terminate sends SIGTERM to the process group, then SIGKILL after grace.
func (r *Runner) terminate(cmd *exec.Cmd, leaderDone <-chan error, grace time.Duration) error {
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case err := <-leaderDone:
		return err
	case <-time.After(grace):
		r.logger.Warn("process ignored SIGTERM, killing", "pid", pid, "grace", grace)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return <-leaderDone
	}
}

// drain waits for both pumps once the leader is gone. Descendants still
// holding the pipes get grace to finish, then the group is killed and the
// read ends are closed.
func (r *Runner) drain(pid int, pumpsDone <-chan error, grace time.Duration, pipes ...*os.File) error {
	select {
	case err := <-pumpsDone:
		return err
	case <-time.After(grace):
	}

	r.logger.Debug("output still open after exit, killing process group", "pid", pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case err := <-pumpsDone:
		return err
	case <-time.After(grace):
		for _, f := range pipes {
			f.Close()
		}
		return <-pumpsDone
	}
}

func (r *Runner) finish(id string, out instance.Outcome) {
	if r.tracker == nil || id == "" {
		return
	}
	if err := r.tracker.Finish(id, out); err != nil {
		r.logger.Error("instance transition rejected", "instance", id, "error", err)
	}
}

// pump copies one pipe into buf and emits each complete line as an event.
func pump(rd io.Reader, buf *bytes.Buffer, name StreamName, stripANSI bool, events chan<- Event) error {
	br := bufio.NewReaderSize(rd, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			buf.WriteString(line)
			events <- Event{Stream: name, Line: NormalizeLine(line, stripANSI), Time: time.Now()}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
