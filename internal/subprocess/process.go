package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"stemdeck/internal/services"
)

const (
	defaultTailLines    = 20
	defaultIdleInterval = time.Second
	maxLineBytes        = 1 << 20
)

// EventKind distinguishes the values Next returns.
type EventKind int

const (
	// EventLine carries one line of output.
	EventLine EventKind = iota + 1
	// EventIdle means no output arrived within the idle interval.
	EventIdle
	// EventExit means the process exited; Err holds the exit error.
	EventExit
	// EventDone means the caller's context ended before the process did.
	EventDone
)

// Event is one observation of a supervised process.
type Event struct {
	Kind EventKind
	Line string
	Err  error
}

// Options describes one invocation.
type Options struct {
	Binary       string
	Args         []string
	Dir          string
	Env          []string
	TailLines    int
	IdleInterval time.Duration
}

// ExitError reports a non-zero exit with the captured output tail.
type ExitError struct {
	Binary string
	Code   int
	Signal string
	Tail   []string
}

func (e *ExitError) Error() string {
	var b strings.Builder
	b.WriteString(e.Binary)
	if e.Signal != "" {
		fmt.Fprintf(&b, " killed by %s", e.Signal)
	} else {
		fmt.Fprintf(&b, " exited with status %d", e.Code)
	}
	if len(e.Tail) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Tail, " | "))
	}
	return b.String()
}

// Is lets errors.Is(err, services.ErrSubprocess) match exit failures.
func (e *ExitError) Is(target error) bool {
	return target == services.ErrSubprocess
}

// Process is a running, supervised command.
type Process struct {
	cmd    *exec.Cmd
	binary string
	idle   time.Duration
	events chan Event

	mu   sync.Mutex
	tail []string
	max  int

	exited  bool
	exitErr error
}

// Start launches the command in a new process group.
func Start(opts Options) (*Process, error) {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "subprocess", "start", "binary is required", nil)
	}
	cmd := exec.Command(binary, opts.Args...) //nolint:gosec
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	// The child holds its own copy; closing ours lets the reader see EOF.
	_ = pw.Close()

	p := &Process{
		cmd:    cmd,
		binary: binary,
		idle:   opts.IdleInterval,
		events: make(chan Event, 64),
		max:    opts.TailLines,
	}
	if p.idle <= 0 {
		p.idle = defaultIdleInterval
	}
	if p.max <= 0 {
		p.max = defaultTailLines
	}
	go p.pump(pr)
	return p, nil
}

func (p *Process) pump(r io.ReadCloser) {
	defer close(p.events)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.record(line)
		p.events <- Event{Kind: EventLine, Line: line}
	}
	scanErr := scanner.Err()
	_ = r.Close()

	err := p.cmd.Wait()
	if err == nil && scanErr != nil {
		err = fmt.Errorf("read output: %w", scanErr)
	}
	p.events <- Event{Kind: EventExit, Err: p.exitError(err)}
}

func (p *Process) exitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	out := &ExitError{Binary: p.binary, Code: exitErr.ExitCode(), Tail: p.Tail()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		out.Signal = unix.SignalName(status.Signal())
		if out.Signal == "" {
			out.Signal = status.Signal().String()
		}
	}
	return out
}

func (p *Process) record(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, line)
	if len(p.tail) > p.max {
		p.tail = append(p.tail[:0], p.tail[len(p.tail)-p.max:]...)
	}
}

// Tail returns a copy of the most recent output lines.
func (p *Process) Tail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tail...)
}

// PID returns the process id, which is also the process group id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Next blocks until a line arrives, the idle interval passes, the process
// exits, or ctx ends. After EventExit every further call returns EventExit.
func (p *Process) Next(ctx context.Context) Event {
	if p.exited {
		return Event{Kind: EventExit, Err: p.exitErr}
	}
	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	select {
	case ev, ok := <-p.events:
		return p.observe(ev, ok)
	case <-timer.C:
		return Event{Kind: EventIdle}
	case <-ctx.Done():
		return Event{Kind: EventDone, Err: context.Cause(ctx)}
	}
}

func (p *Process) observe(ev Event, ok bool) Event {
	if !ok {
		return Event{Kind: EventExit, Err: p.exitErr}
	}
	if ev.Kind == EventExit {
		p.exited = true
		p.exitErr = ev.Err
	}
	return ev
}

// Wait drains remaining output and returns the exit error.
func (p *Process) Wait() error {
	for !p.exited {
		ev, ok := <-p.events
		p.observe(ev, ok)
		if !ok {
			break
		}
	}
	return p.exitErr
}

// Kill sends SIGKILL to the whole process group and waits for exit.
func (p *Process) Kill() error {
	p.signal(unix.SIGKILL)
	return p.Wait()
}

// Terminate sends SIGTERM to the process group, waits up to grace for the
// process to exit while draining its output, then kills it.
func (p *Process) Terminate(grace time.Duration) error {
	if p.exited {
		return p.exitErr
	}
	if grace <= 0 {
		return p.Kill()
	}
	p.signal(unix.SIGTERM)
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for !p.exited {
		select {
		case ev, ok := <-p.events:
			p.observe(ev, ok)
			if !ok {
				return p.exitErr
			}
		case <-deadline.C:
			return p.Kill()
		}
	}
	return p.exitErr
}

// Stop ends the process according to cause: causes that ask for a graceful
// stop (timeouts) get SIGTERM and the grace period, anything else is killed
// immediately.
func (p *Process) Stop(cause error, grace time.Duration) error {
	var graceful interface{ GracefulStop() bool }
	if errors.As(cause, &graceful) && graceful.GracefulStop() {
		return p.Terminate(grace)
	}
	return p.Kill()
}

func (p *Process) signal(sig unix.Signal) {
	pid := p.PID()
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = p.cmd.Process.Signal(sig)
	}
}

// scanLinesOrCR splits on \n, \r\n, or a bare \r.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		} else if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// Wait for the next byte to tell \r\n from a bare \r.
			return 0, nil, nil
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
