package kernelproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/internal/kernelwire"
	"pkt.systems/kernelx/schema"
	"pkt.systems/pslog"
)

// outputDrain is how long the output readers get after the kernel exits.
// A descendant that inherited stdout can keep the pipe open forever.
const outputDrain = 500 * time.Millisecond

// Config controls how the kernel bridge process is started.
type Config struct {
	BinaryPath string
	Args       []string
	Env        []string
	WorkingDir string
	Username   string
	// StopGrace is how long a stopping kernel gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
}

// Session implements core.KernelSession over a child process that reads
// execute requests as JSON lines on stdin and writes every reply on stdout.
type Session struct {
	cfg       Config
	log       pslog.Logger
	router    *kernelwire.Router
	events    *kernelwire.Broadcaster
	sessionID string

	mu       sync.Mutex
	proc     *process
	exitCode int
	exited   bool
	closed   bool
}

var _ core.KernelSession = (*Session)(nil)

type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *kernelwire.Encoder
	done     chan struct{}
	exitCode int
	stopping bool
	started  time.Time
}

// Start launches the kernel bridge.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.BinaryPath == "" {
		return nil, errors.New("kernel binary path is required")
	}
	if cfg.Username == "" {
		cfg.Username = "kernelx"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	log := pslog.Ctx(ctx)
	s := &Session{
		cfg:       cfg,
		log:       log,
		router:    kernelwire.NewRouter(log),
		events:    kernelwire.NewBroadcaster(),
		sessionID: kernelwire.NewSessionID(),
	}
	if _, err := s.launch(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) launch() (*process, error) {
	cmd := exec.Command(s.cfg.BinaryPath, s.cfg.Args...)
	if s.cfg.WorkingDir != "" {
		cmd.Dir = s.cfg.WorkingDir
	}
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		s.log.Error("kernel stdout failed", "err", err)
		return nil, core.NewSessionError(core.SessionErrorUnavailable, "start", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdout, stdoutW)
		s.log.Error("kernel stderr failed", "err", err)
		return nil, core.NewSessionError(core.SessionErrorUnavailable, "start", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeFiles(stdout, stdoutW, stderr, stderrW)
		s.log.Error("kernel stdin failed", "err", err)
		return nil, core.NewSessionError(core.SessionErrorUnavailable, "start", err)
	}
	err = cmd.Start()
	closeFiles(stdoutW, stderrW)
	if err != nil {
		closeFiles(stdout, stderr)
		s.log.Error("kernel start failed", "binary", s.cfg.BinaryPath, "err", err)
		return nil, core.NewSessionError(core.SessionErrorUnavailable, "start", err)
	}
	proc := &process{
		cmd:     cmd,
		stdin:   stdin,
		enc:     kernelwire.NewEncoder(stdin),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.mu.Lock()
	proc.stopping = s.closed
	s.proc = proc
	s.exited = false
	s.exitCode = 0
	s.mu.Unlock()
	s.log.Info("kernel started", "pid", cmd.Process.Pid, "binary", s.cfg.BinaryPath, "args_len", len(s.cfg.Args))
	s.router.SetState(schema.ExecutionStateIdle)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		s.readMessages(stdout)
	}()
	go func() {
		defer readers.Done()
		s.readStderr(stderr)
	}()
	go func() {
		err := cmd.Wait()
		drained := make(chan struct{})
		go func() {
			readers.Wait()
			close(drained)
		}()
		timer := time.NewTimer(outputDrain)
		select {
		case <-drained:
		case <-timer.C:
			s.log.Warn("kernel output still open after exit", "pid", cmd.Process.Pid)
		}
		timer.Stop()
		closeFiles(stdout, stderr)
		s.reap(proc, err)
	}()
	return proc, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Session) readMessages(reader io.Reader) {
	dec := kernelwire.NewDecoder(reader)
	for {
		msg, err := dec.Next(context.Background())
		if err != nil {
			var decodeErr *kernelwire.DecodeError
			if errors.As(err, &decodeErr) {
				line := string(decodeErr.Line())
				preview := kernelwire.PreviewText(line, 200)
				s.log.Warn("kernel message decode failed", "preview", preview, "truncated", len(preview) < len(line), "err", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Warn("kernel stdout read failed", "err", err)
			}
			return
		}
		s.log.Debug("kernel message", "msg_type", msg.Type(), "parent", msg.ParentID())
		s.router.Dispatch(msg)
	}
}

func (s *Session) readStderr(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		preview := kernelwire.PreviewText(text, 200)
		s.log.Warn("kernel stderr", "preview", preview, "truncated", len(preview) < len(text))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Warn("kernel stderr read failed", "err", err)
	}
}

// reap records the exit of proc and reports an unexpected exit as a
// disconnect.
func (s *Session) reap(proc *process, err error) {
	code, signal := exitStatus(err)
	s.mu.Lock()
	proc.exitCode = code
	expected := proc.stopping
	current := s.proc == proc
	if current && !expected {
		s.exited = true
		s.exitCode = code
	}
	s.mu.Unlock()
	close(proc.done)

	fields := []any{"exit_code", code, "duration_ms", time.Since(proc.started).Milliseconds(), "expected", expected}
	if signal != "" {
		fields = append(fields, "signal", signal)
	}
	s.log.Info("kernel exited", fields...)
	if !current || expected {
		return
	}
	failed := s.router.FailAll(&schema.KernelCrashedError{ExitCode: code, Known: true})
	dropped := s.events.Publish(core.SessionEvent{Type: core.SessionDisconnected, ExitCode: code, HasExitCode: true})
	if dropped > 0 {
		s.log.Warn("kernel disconnect event dropped", "subscribers", dropped)
	}
	s.log.Warn("kernel disconnected", "exit_code", code, "failed_requests", failed)
}

// exitStatus maps a Wait error to a shell-style exit code. A kernel killed by
// a signal reports 128 plus the signal number.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, ""
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), status.Signal().String()
	}
	return exitErr.ExitCode(), ""
}

// RequestExecute sends an execute_request to the kernel.
func (s *Session) RequestExecute(ctx context.Context, req core.ExecuteRequest) (core.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewSessionError(core.ClassifySessionError(err), "execute", err)
	}
	proc, err := s.current("execute")
	if err != nil {
		return nil, err
	}
	msg, err := kernelwire.NewExecuteRequest(s.sessionID, s.cfg.Username, req)
	if err != nil {
		return nil, core.NewSessionError(core.SessionErrorProtocol, "execute", err)
	}
	handle := s.router.Register(msg.Header.MsgID)
	if err := proc.enc.Encode(msg); err != nil {
		_ = handle.Close()
		return nil, core.NewSessionError(core.SessionErrorTransport, "execute", err)
	}
	return handle, nil
}

// Interrupt sends SIGINT to the kernel process group.
func (s *Session) Interrupt(_ context.Context, _ time.Duration) error {
	proc, err := s.current("interrupt")
	if err != nil {
		return err
	}
	if err := signalGroup(proc, unix.SIGINT); err != nil {
		return core.NewSessionError(core.SessionErrorTransport, "interrupt", err)
	}
	s.log.Info("kernel interrupt sent", "pid", proc.cmd.Process.Pid)
	return nil
}

// Restart stops the kernel and launches a new one. It does not publish a
// SessionRestarted event; the caller asked for it.
func (s *Session) Restart(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.NewSessionError(core.SessionErrorUnavailable, "restart", schema.ErrSessionUnavailable)
	}
	old := s.proc
	if old != nil {
		old.stopping = true
	}
	s.mu.Unlock()

	s.router.SetState(schema.ExecutionStateRestarting)
	if old != nil {
		if err := s.stop(ctx, old, timeout); err != nil {
			return err
		}
	}
	s.router.FailAll(schema.ErrSessionUnavailable)

	proc, err := s.launch()
	if err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		_ = s.stop(context.Background(), proc, 0)
		return core.NewSessionError(core.SessionErrorUnavailable, "restart", schema.ErrSessionUnavailable)
	}
	s.log.Info("kernel restarted", "pid", proc.cmd.Process.Pid)
	return nil
}

// WaitForIdle blocks until the kernel reports idle.
func (s *Session) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	return s.router.WaitForIdle(ctx, timeout)
}

// Subscribe registers for lifecycle events.
func (s *Session) Subscribe() (<-chan core.SessionEvent, func()) {
	return s.events.Subscribe()
}

// ExitCode reports the exit code of a kernel that exited on its own.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exited
}

// Close stops the kernel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	proc := s.proc
	if proc != nil {
		proc.stopping = true
	}
	s.mu.Unlock()

	var err error
	if proc != nil {
		err = s.stop(context.Background(), proc, 0)
	}
	s.router.FailAll(schema.ErrSessionUnavailable)
	s.events.Close()
	return err
}

func (s *Session) current(op string) (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.proc == nil {
		return nil, core.NewSessionError(core.SessionErrorUnavailable, op, schema.ErrSessionUnavailable)
	}
	if s.exited {
		return nil, core.NewSessionError(core.SessionErrorUnavailable, op, &schema.KernelCrashedError{ExitCode: s.exitCode, Known: true})
	}
	return s.proc, nil
}

// stop closes stdin, then escalates from SIGTERM to SIGKILL until the process
// is gone.
func (s *Session) stop(ctx context.Context, proc *process, timeout time.Duration) error {
	_ = proc.stdin.Close()
	grace := s.cfg.StopGrace
	if timeout > 0 && timeout < grace {
		grace = timeout
	}
	if err := signalGroup(proc, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		s.log.Warn("kernel terminate failed", "err", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.log.Warn("kernel did not stop, killing", "pid", proc.cmd.Process.Pid)
	if err := signalGroup(proc, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return core.NewSessionError(core.SessionErrorTransport, "stop", err)
	}
	select {
	case <-proc.done:
		return nil
	case <-time.After(5 * time.Second):
		return core.NewSessionError(core.SessionErrorTimeout, "stop", fmt.Errorf("kernel pid %d did not exit", proc.cmd.Process.Pid))
	}
}

func signalGroup(proc *process, sig unix.Signal) error {
	if proc == nil || proc.cmd == nil || proc.cmd.Process == nil {
		return errors.New("process not started")
	}
	select {
	case <-proc.done:
		return unix.ESRCH
	default:
	}
	pid := proc.cmd.Process.Pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		return unix.Kill(-pgid, sig)
	}
	return unix.Kill(pid, sig)
}
