package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/luckiday/dreamgaussian-api/internal/cgroups"
	"github.com/luckiday/dreamgaussian-api/pkg/logging"
)

// Command is one external process invocation
type Command struct {
	Name string   // unique per invocation; names the stage cgroup
	Args []string // argv; Args[0] is the program
	Dir  string
	Env  []string // appended to the current environment
}

// RunResult describes a finished process
type RunResult struct {
	ExitCode int
	Output   string // tail of combined stdout/stderr
	Duration time.Duration
}

// Runner starts external processes. It returns a non-nil error only when
// the process could not be started or was killed by ctx; a non-zero exit
// is reported through RunResult.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd Command) (RunResult, error)
}

// ExecRunner runs commands with os/exec, each in its own process group
type ExecRunner struct {
	// OutputLimit bounds the captured output tail in bytes
	OutputLimit int
	// Stream, if set, receives the full output as it is produced
	Stream io.Writer
	// Cgroups, if set, confines each named command to its own cgroup
	// with Limits. Confinement is best effort: the process joins after
	// Start, so anything it forks before the join runs unconfined.
	Cgroups *cgroups.Manager
	Limits  cgroups.Limits
	Logger  *logging.Logger
}

const defaultOutputLimit = 64 << 10

// Run implements Runner
func (r *ExecRunner) Run(ctx context.Context, c Command) (RunResult, error) {
	if len(c.Args) == 0 {
		return RunResult{}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	// Own process group so a timeout kills the stage's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	limit := r.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}
	tail := &tailBuffer{limit: limit}
	var out io.Writer = tail
	if r.Stream != nil {
		out = io.MultiWriter(tail, r.Stream)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	cgroupPath := r.createCgroup(c.Name)
	defer r.deleteCgroup(cgroupPath)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1}, fmt.Errorf("failed to start: %w", err)
	}
	if err := r.Cgroups.Join(cgroupPath, cmd.Process.Pid); err != nil {
		r.warn("Failed to join stage cgroup", cgroupPath, err)
	}
	err := cmd.Wait()
	res := RunResult{ExitCode: 0, Output: tail.String(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

func (r *ExecRunner) createCgroup(name string) string {
	if r.Cgroups == nil || name == "" {
		return ""
	}
	path, err := r.Cgroups.Create(name, r.Limits)
	if err != nil {
		r.warn("Failed to create stage cgroup", path, err)
		r.deleteCgroup(path)
		return ""
	}
	return path
}

func (r *ExecRunner) deleteCgroup(path string) {
	if path == "" {
		return
	}
	if err := r.Cgroups.Delete(path); err != nil {
		r.warn("Failed to delete stage cgroup", path, err)
	}
}

func (r *ExecRunner) warn(msg, path string, err error) {
	if r.Logger != nil {
		r.Logger.Warn(msg, map[string]interface{}{"cgroup": path, "error": err.Error()})
	}
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if len(p) >= t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		t.truncated = true
		return n, nil
	}
	if over := t.buf.Len() + len(p) - t.limit; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "...\n" + t.buf.String()
	}
	return t.buf.String()
}
