package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// readLimit is the largest chunk read from a process's output in one go.
const readLimit = 32768

// drainTimeout bounds how long output is read after the process has exited.
const drainTimeout = time.Second

// DefaultGracePeriod is how long a stopping process gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// LaunchSpec describes how to launch a process.
type LaunchSpec struct {
	Command string
	Args    []string
	// Env holds overrides applied on top of the gateway's own environment.
	Env map[string]string
	Dir string
}

func (s LaunchSpec) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

type Status int32

const (
	StatusStarting Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// Handle wraps one running process: its stdin, the readers pumping its stdout and
// stderr into a Broadcaster, and its lifecycle status.
// A Handle is never reused; restarting a process creates a new Handle.
type Handle struct {
	Name      string
	Spec      LaunchSpec
	StartTime time.Time

	log         *zap.SugaredLogger
	cmd         *exec.Cmd
	input       *input
	broadcaster *Broadcaster

	mu       sync.Mutex
	status   Status
	exitCode int
	done     chan struct{}
}

// launch starts the process described by spec and the goroutines that read its output.
func launch(log *zap.SugaredLogger, name string, spec LaunchSpec, opts BroadcastOptions) (*Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.environ()
	cmd.Dir = spec.Dir
	// own process group, so that stopping also reaches the children of wrappers like npx
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Name: name, Err: fmt.Errorf("creating stdin pipe: %w", err)}
	}
	// plain os.Pipes rather than StdoutPipe, so that cmd.Wait returns when the process
	// exits even if a background child still holds the write ends
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, &LaunchError{Name: name, Err: fmt.Errorf("creating stdout pipe: %w", err)}
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		closeAll(stdout, stdoutW)
		return nil, &LaunchError{Name: name, Err: fmt.Errorf("creating stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	h := &Handle{
		Name:        name,
		Spec:        spec,
		log:         log.Named("handle").With("Process", name),
		cmd:         cmd,
		input:       &input{w: stdin},
		broadcaster: NewBroadcaster(log, name, opts),
		status:      StatusStarting,
		exitCode:    -1,
		done:        make(chan struct{}),
	}

	err = cmd.Start()
	// the child has its own copies now
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdout, stderr)
		h.broadcaster.Close()
		return nil, &LaunchError{Name: name, Err: err}
	}
	h.StartTime = time.Now()
	h.transition(StatusRunning)
	h.log.Infow("process started", "PID", cmd.Process.Pid, "Command", spec.Command, "Args", spec.Args)

	var readers sync.WaitGroup
	readers.Add(2)
	go h.readOutput(&readers, SourceStdout, stdout)
	go h.readOutput(&readers, SourceStderr, stderr)
	go h.reap(&readers, stdout, stderr)

	return h, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (h *Handle) readOutput(wg *sync.WaitGroup, src Source, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, readLimit)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if ce := h.log.Desugar().Check(zap.DebugLevel, "read output"); ce != nil {
				ce.Write(zap.String("Source", string(src)), zap.Int("Bytes", n), zap.ByteString("Data", chunk))
			}
			h.broadcaster.Publish(outputEvent(src, chunk))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.log.Debugw("output reader got error", "Source", src, "Error", err)
			}
			return
		}
	}
}

// reap waits for the process to exit and settles its status, then waits for the
// output readers before terminating the broadcast. Readers still blocked after
// drainTimeout, because a leftover child holds the pipes open, are cut off by
// killing the process group and closing the read ends.
func (h *Handle) reap(readers *sync.WaitGroup, outputs ...*os.File) {
	err := h.cmd.Wait()
	_ = h.input.close()

	exitCode := h.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.log.Debugw("unexpected wait error", "Error", err)
	}

	h.mu.Lock()
	h.exitCode = exitCode
	if h.status == StatusStopping {
		h.transitionLocked(StatusStopped)
	} else {
		h.transitionLocked(StatusFailed)
	}
	status := h.status
	h.mu.Unlock()

	if status == StatusFailed {
		h.log.Warnw("process exited unexpectedly", "ExitCode", exitCode, "Error", err)
	} else {
		h.log.Infow("process stopped", "ExitCode", exitCode)
	}

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		h.log.Warnw("output still open after exit, killing leftover children", "DrainTimeout", drainTimeout)
		_ = syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
		closeAll(outputs...)
		<-drained
	}
	closeAll(outputs...)

	close(h.done)
	h.broadcaster.Close()
}

// Terminate sends SIGTERM and returns immediately. If the process has not exited
// after grace, it is killed.
func (h *Handle) Terminate(grace time.Duration) {
	if !h.transition(StatusStopping) {
		return
	}
	h.log.Infow("stopping process", "GracePeriod", grace)
	h.signal(syscall.SIGTERM)

	go func() {
		// closing stdin can block behind an in-flight write until the process goes away
		_ = h.input.close()
	}()

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			h.log.Warnw("grace period exceeded, killing process", "GracePeriod", grace)
			h.signal(syscall.SIGKILL)
		}
	}()
}

func (h *Handle) signal(sig syscall.Signal) {
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.log.Debugw("error signaling process", "Signal", sig, "Error", err)
		}
	}
}

// transition moves the status forward. It reports false if the move is not allowed.
func (h *Handle) transition(to Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(to)
}

func (h *Handle) transitionLocked(to Status) bool {
	if h.status.Terminal() {
		return false
	}
	if to != StatusFailed && to <= h.status {
		return false
	}
	h.status = to
	return true
}

// send writes payload to the process's stdin as a single unit.
func (h *Handle) send(payload []byte) error {
	if h.Status() != StatusRunning {
		return ErrNotAvailable
	}
	return h.input.write(payload)
}

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Live reports whether the handle can still serve requests.
func (h *Handle) Live() bool {
	s := h.Status()
	return s == StatusStarting || s == StatusRunning
}

// ExitCode returns the exit code, or -1 if the process has not exited or was killed by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained or cut off.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Broadcaster() *Broadcaster {
	return h.broadcaster
}
