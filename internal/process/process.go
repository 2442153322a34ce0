package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/kballard/go-shellquote"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

var ErrEmptyCommand = errors.New("empty command")

const maxLineSize = 1024 * 1024

// Process is a running command whose stdout and stderr are merged into one line stream.
type Process struct {
	cmd       *exec.Cmd
	out       *os.File
	logOutput bool
	killed    atomic.Bool
}

type Option func(*Process)

// WithLogOutput logs every line at INFO as it is read.
func WithLogOutput() Option {
	return func(p *Process) { p.logOutput = true }
}

// Start launches argv. Cancelling ctx kills the whole process group.
func Start(ctx context.Context, argv []string, opts ...Option) (*Process, error) {
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("Start: error creating pipe: %w", err)
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	p := &Process{cmd: cmd, out: reader}
	for _, opt := range opts {
		opt(p)
	}

	setProcessGroup(cmd)
	cmd.Cancel = p.Kill

	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("Start: error starting %s: %w", argv[0], err)
	}
	_ = writer.Close()

	return p, nil
}

// Lines yields every non-empty output line. Stopping the iteration early kills the process.
func (p *Process) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(p.out)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if p.logOutput {
				syslog.L.Info().WithMessage(line).Write()
			}
			if !yield(line) {
				syslog.L.Info().WithMessage("callback requested cancellation, cancelling...").Write()
				_ = p.Kill()
				return
			}
		}
	}
}

// Kill terminates the process and everything it spawned.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	p.killed.Store(true)
	return killProcessGroup(p.cmd)
}

func (p *Process) Killed() bool { return p.killed.Load() }

// Wait reaps the process and returns its exit code. A non-zero exit is not an error.
func (p *Process) Wait() (int, error) {
	defer p.out.Close()

	// drain so a writer blocked on a full pipe can exit
	_, _ = io.Copy(io.Discard, p.out)

	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("Wait: %w", err)
}

// Execute streams each line to onLine until it returns true, then kills the process.
func Execute(ctx context.Context, argv []string, onLine func(string) bool, opts ...Option) (int, error) {
	p, err := Start(ctx, argv, opts...)
	if err != nil {
		return -1, err
	}

	for line := range p.Lines() {
		if onLine != nil && onLine(line) {
			break
		}
	}

	return p.Wait()
}

// Run accumulates every output line. The exit code is ignored.
func Run(ctx context.Context, argv []string, opts ...Option) (string, error) {
	p, err := Start(ctx, argv, opts...)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for line := range p.Lines() {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	if _, err := p.Wait(); err != nil {
		return sb.String(), err
	}
	return sb.String(), nil
}

// Popen runs argv to completion and returns its trimmed combined output. ok is false only
// when the command could not be started.
func Popen(ctx context.Context, argv []string) (string, bool) {
	if len(argv) == 0 {
		return "", false
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			syslog.L.Error(err).WithMessage("failed to run command").WithField("command", Quote(argv)).Write()
			return "", false
		}
	}
	return strings.TrimSpace(string(out)), true
}

// Quote renders argv as a copy-pasteable shell command.
func Quote(argv []string) string {
	return shellquote.Join(argv...)
}
