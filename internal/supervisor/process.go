package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/protocol"
)

// stdoutDrainTimeout bounds how long exit handling waits for buffered stdout
// after the process has exited.
const stdoutDrainTimeout = 2 * time.Second

// process is one spawned plugin instance and its stdio plumbing.
type process struct {
	instanceID string
	pid        int
	startedAt  time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *tailBuffer

	writeMu sync.Mutex

	readerDone chan struct{}
	done       chan struct{} // closed once the process has exited and stdout is drained
	state      *os.ProcessState
	waitErr    error

	termOnce sync.Once
}

type spawnSpec struct {
	desc         *plugin.Plugin
	env          []string
	stderrTail   int
	maxLineBytes int
	onLine       func(p *process, line []byte)
	onOverflow   func(p *process, size int)
	logger       *slog.Logger
}

// CheckEntrypoint verifies the entrypoint is an executable regular file.
func CheckEntrypoint(desc *plugin.Plugin) error {
	if desc.Entrypoint == "" {
		return &ConfigurationError{Plugin: desc.Name, Reason: "entrypoint is empty"}
	}
	info, err := os.Stat(desc.Entrypoint)
	if err != nil {
		return &ConfigurationError{Plugin: desc.Name, Reason: fmt.Sprintf("entrypoint %s: %v", desc.Entrypoint, err)}
	}
	if !info.Mode().IsRegular() {
		return &ConfigurationError{Plugin: desc.Name, Reason: fmt.Sprintf("entrypoint %s is not a regular file", desc.Entrypoint)}
	}
	if info.Mode()&0111 == 0 {
		return &ConfigurationError{Plugin: desc.Name, Reason: fmt.Sprintf("entrypoint %s is not executable", desc.Entrypoint)}
	}
	if desc.Path != "" {
		if dir, err := os.Stat(desc.Path); err != nil || !dir.IsDir() {
			return &ConfigurationError{Plugin: desc.Name, Reason: fmt.Sprintf("working directory %s is not a directory", desc.Path)}
		}
	}
	return nil
}

// spawn starts the plugin with piped stdio. Stdout goes through an os.Pipe so
// that Wait never blocks on our own reader.
func spawn(spec spawnSpec) (*process, error) {
	desc := spec.desc

	// Don't use CommandContext; termination is managed by the supervisor.
	cmd := exec.Command(desc.Entrypoint, desc.Args...)
	cmd.Dir = desc.Path
	cmd.Env = spec.env
	cmd.WaitDelay = stdoutDrainTimeout
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Plugin: desc.Name, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &SpawnError{Plugin: desc.Name, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	cmd.Stdout = stdoutW

	p := &process{
		instanceID: uuid.NewString(),
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdoutR,
		stderr:     newTailBuffer(spec.stderrTail),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stdin.Close()
		return nil, &SpawnError{Plugin: desc.Name, Err: err}
	}
	// The child holds its own copy of the write end.
	_ = stdoutW.Close()

	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()

	go p.readLoop(spec)
	go p.wait(spec.logger)
	return p, nil
}

func (p *process) readLoop(spec spawnSpec) {
	defer close(p.readerDone)
	defer p.stdout.Close()

	err := protocol.ReadLines(p.stdout, spec.maxLineBytes, func(line []byte) {
		spec.onLine(p, line)
	}, func(size int) {
		spec.onOverflow(p, size)
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		spec.logger.Debug("stdout reader stopped", "error", err)
	}
}

func (p *process) wait(logger *slog.Logger) {
	p.waitErr = p.cmd.Wait()
	p.state = p.cmd.ProcessState

	// Let responses already written before exit reach the registry.
	select {
	case <-p.readerDone:
	case <-time.After(stdoutDrainTimeout):
		logger.Warn("stdout still open after exit, closing reader", "pid", p.pid)
		_ = p.stdout.Close()
		<-p.readerDone
	}
	close(p.done)
}

// exited reports whether the process has exited, without blocking.
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// write sends one request line. Concurrent callers never interleave.
func (p *process) write(req *protocol.Request) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return protocol.EncodeRequest(p.stdin, req)
}

// terminate sends SIGTERM and escalates to SIGKILL if the process is still
// alive after grace. Safe to call more than once.
func (p *process) terminate(grace time.Duration, logger *slog.Logger) {
	p.termOnce.Do(func() {
		if p.exited() {
			return
		}
		_ = p.stdin.Close()
		if err := signalTerminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			logger.Error("failed to send SIGTERM", "pid", p.pid, "error", err)
		}
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL", "pid", p.pid)
				if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					logger.Error("failed to send SIGKILL", "pid", p.pid, "error", err)
				}
			}
		}()
	})
}

// kill stops the process immediately.
func (p *process) kill() {
	p.termOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.cmd.Process.Kill()
	})
}

// exitReason describes how the process ended and whether that was abnormal.
// Only valid after done is closed.
func (p *process) exitReason() (string, bool) {
	if p.state == nil {
		return fmt.Sprintf("wait failed: %v", p.waitErr), true
	}
	if ws, ok := p.state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return fmt.Sprintf("signal %s", ws.Signal()), true
	}
	code := p.state.ExitCode()
	return fmt.Sprintf("exit code %d", code), code != 0
}
