package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const defaultGracePeriod = 5 * time.Second

// Command configures the transcoder process.
type Command struct {
	// Binary is the executable path or name (resolved via PATH).
	Binary string
	// Args are the command-line arguments.
	Args []string
	// Dir is the working directory. If empty, uses the current directory.
	Dir string
	// Env is additional environment variables (key=value). Merged with os.Environ.
	Env []string
	// GracePeriod is how long to wait after SIGTERM before SIGKILL.
	// Defaults to 5 seconds if zero.
	GracePeriod time.Duration
}

// Process is a running transcoder. Reading it returns the process's standard
// output; standard error is logged line by line.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	logger *slog.Logger

	waitOnce sync.Once
	waitErr  error
}

// Start launches cmd. The process is stopped when ctx is cancelled or Close
// is called.
func Start(ctx context.Context, cmd Command, logger *slog.Logger) (*Process, error) {
	if cmd.Binary == "" {
		return nil, errors.New("source: binary is required")
	}

	gracePeriod := cmd.GracePeriod
	if gracePeriod == 0 {
		gracePeriod = defaultGracePeriod
	}

	ctx, cancel := context.WithCancel(ctx)

	c := exec.CommandContext(ctx, cmd.Binary, cmd.Args...) //nolint:gosec // the transcoder command line is operator configuration
	c.Dir = cmd.Dir
	c.Env = mergeEnv(cmd.Env)
	c.Stderr = &lineLogger{logger: logger}

	// Own process group so helpers spawned by the transcoder die with it.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = gracePeriod

	stdout, err := c.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("source: stdout pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("source: start %s: %w", cmd.Binary, err)
	}

	logger.Info("transcoder started", "binary", cmd.Binary, "pid", c.Process.Pid)

	return &Process{
		cmd:    c,
		stdout: stdout,
		cancel: cancel,
		logger: logger,
	}, nil
}

// Read reads the transcoder's output. Once the output ends the process is
// reaped; a non-zero exit is reported instead of io.EOF.
func (p *Process) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err == io.EOF {
		if werr := p.wait(); werr != nil {
			return n, fmt.Errorf("source: transcoder exited: %w", werr)
		}
	}
	return n, err
}

// Close stops the transcoder and waits for it to exit. It may be called while
// another goroutine is blocked in Read.
func (p *Process) Close() error {
	p.cancel()
	// Wait must not run while a read is pending; closing the pipe ends it.
	_ = p.stdout.Close()
	err := p.wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, context.Canceled) {
		// Killed on request.
		return nil
	}
	return err
}

func (p *Process) wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.logger.Info("transcoder exited", "code", p.cmd.ProcessState.ExitCode())
	})
	return p.waitErr
}

// mergeEnv merges additional env vars with the current environment.
func mergeEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil // inherit parent env
	}
	env := os.Environ()
	return append(env, extra...)
}

// lineLogger logs each complete line written to it.
type lineLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.logger.Debug("transcoder", "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
