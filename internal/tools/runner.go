package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxOutputBytes = 8 * 1024 * 1024
	DefaultTimeout        = 60 * time.Second

	shellAuto = "auto"
)

var (
	ErrEmptyCommand = errors.New("tools: empty command")
	ErrTimedOut     = errors.New("tools: command timed out")
	ErrOutputLimit  = errors.New("tools: output limit exceeded")
)

// Request describes one shell invocation.
type Request struct {
	Command string
	// Shell is "auto"/empty for the platform default, or a shell binary.
	Shell   string
	Timeout time.Duration
}

// Result is the outcome of one invocation. Err is nil only for a zero exit.
type Result struct {
	Output   string
	ExitCode int
	Err      error
	Duration time.Duration
}

// CommandRunner abstracts shell command execution for runtime adapters.
type CommandRunner interface {
	Run(ctx context.Context, req Request) Result
}

// ShellRunner executes commands on the local host through a shell.
type ShellRunner struct {
	// DefaultShell replaces the platform default for "auto" requests.
	DefaultShell string
	// MaxOutputBytes caps each captured stream; exceeding it kills the process.
	MaxOutputBytes int
}

var _ CommandRunner = ShellRunner{}

func (r ShellRunner) Run(ctx context.Context, req Request) Result {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return Result{ExitCode: 1, Err: ErrEmptyCommand}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := r.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := r.shellArgs(req.Shell, command)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.WaitDelay = time.Second

	var overflowed bool
	var once sync.Once
	overflow := func() {
		once.Do(func() {
			overflowed = true
			cancel()
		})
	}
	stdout := &limitBuffer{limit: limit, onOverflow: overflow}
	stderr := &limitBuffer{limit: limit, onOverflow: overflow}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Output:   combineOutput(stdout.String(), stderr.String()),
		Duration: time.Since(start),
	}
	if err == nil {
		return res
	}

	res.ExitCode = 1
	switch {
	case overflowed:
		res.Err = fmt.Errorf("%w: %d bytes", ErrOutputLimit, limit)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Err = fmt.Errorf("%w after %v", ErrTimedOut, timeout)
	default:
		res.Err = err
		var exitErr *exec.ExitError
		var execErr *exec.Error
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			res.ExitCode = exitErr.ExitCode()
		} else if errors.As(err, &execErr) {
			res.ExitCode = 127
		}
	}
	return res
}

func (r ShellRunner) shellArgs(shell, command string) (string, []string) {
	shell = strings.TrimSpace(shell)
	if shell == "" || shell == shellAuto {
		shell = strings.TrimSpace(r.DefaultShell)
	}
	if shell == "" || shell == shellAuto {
		if runtime.GOOS == "windows" {
			shell = "powershell"
		} else {
			shell = "sh"
		}
	}
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(shell), ".exe"))
	switch base {
	case "powershell", "pwsh":
		return shell, []string{"-NoProfile", "-NonInteractive", "-Command", command}
	case "cmd":
		return shell, []string{"/C", command}
	default:
		return shell, []string{"-c", command}
	}
}

// combineOutput joins stdout and stderr on a newline when both are present.
func combineOutput(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	return strings.TrimSpace(out)
}

// limitBuffer keeps the first limit bytes and reports overflow once.
// Excess bytes are discarded so the child never blocks on a full pipe.
type limitBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	onOverflow func()
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room >= len(p) {
		return b.buf.Write(p)
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	if b.onOverflow != nil {
		b.onOverflow()
	}
	return len(p), nil
}

func (b *limitBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
