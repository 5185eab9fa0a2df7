package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/agent-runner/internal/config"
	"github.com/mattjoyce/agent-runner/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a provider process.
	maxStderrBytes = 64 * 1024

	// defaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	defaultGracePeriod = 5 * time.Second
)

// Exec runs a configured command per execution, speaking JSON over stdin/stdout.
type Exec struct {
	name    string
	command string
	args    []string
	env     map[string]string
	grace   time.Duration
	logger  *slog.Logger
}

// NewExec creates an exec provider from its config entry.
func NewExec(name string, conf config.ProviderConf, logger *slog.Logger) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	grace := conf.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Exec{
		name:    name,
		command: conf.Command,
		args:    conf.Args,
		env:     conf.Env,
		grace:   grace,
		logger:  logger.With("provider", name),
	}
}

func (p *Exec) Name() string { return p.name }

// Run spawns the command in inv.Cwd and waits for its response. When ctx is
// cancelled the process group gets SIGTERM, then SIGKILL after the grace period.
func (p *Exec) Run(ctx context.Context, inv Invocation) (Result, error) {
	logger := p.logger.With("execution_id", inv.ExecutionID)

	// Not CommandContext: termination is managed below so SIGTERM comes first.
	cmd := exec.Command(p.command, p.args...)
	cmd.Dir = inv.Cwd
	cmd.Env = mergeEnv(os.Environ(), p.env, inv.Agent.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger.Debug("spawning provider", "command", p.command, "cwd", inv.Cwd)
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start process: %w", err)
	}

	req := &protocol.ProviderRequest{
		Protocol:    protocol.ProviderProtocolVersion,
		ExecutionID: inv.ExecutionID,
		Prompt:      inv.Prompt,
		Cwd:         inv.Cwd,
		Agent:       inv.Agent,
		DeadlineAt:  inv.Deadline,
	}
	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeProviderRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		p.terminate(cmd, waitErr, logger)
		return Result{}, fmt.Errorf("provider %s stopped: %w", p.name, ctx.Err())

	case err := <-waitErr:
		stderrStr := stderr.String()
		if werr := <-writeErr; werr != nil && err == nil {
			return Result{}, fmt.Errorf("write request: %w", werr)
		}

		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return Result{}, fmt.Errorf("wait for process: %w", err)
			}
			exitCode = exitErr.ExitCode()
			logger.Warn("provider exited with non-zero status", "exit_code", exitCode)
		}

		resp, raw, derr := protocol.DecodeProviderResponseLenient(bytes.NewReader(stdout.Bytes()))
		if derr != nil {
			logger.Error("failed to decode provider response", "error", derr, "stdout", truncate(string(raw), 2048))
			if exitCode != 0 {
				return Result{}, fmt.Errorf("provider exited with code %d: %s", exitCode, lastLine(stderrStr))
			}
			return Result{}, fmt.Errorf("decode response: %w", derr)
		}

		for _, entry := range resp.Logs {
			logger.Info("provider log", "level", entry.Level, "message", entry.Message)
		}
		return Result{
			Status: resp.Status,
			Output: resp.Result,
			Error:  resp.Error,
			Usage:  resp.Usage,
		}, nil
	}
}

func (p *Exec) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid

	logger.Warn("provider cancelled, sending SIGTERM")
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("provider exited after SIGTERM")
	case <-grace.C:
		logger.Warn("provider did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// mergeEnv overlays the maps onto base in order; later keys win.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for _, o := range overlays {
		for k, v := range o {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// cappedBuffer keeps the last limit bytes written. The end of stderr is where
// a crashing process says why.
type cappedBuffer struct {
	buf   []byte
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= c.limit {
		c.buf = append(c.buf[:0], p[n-c.limit:]...)
		return n, nil
	}
	if over := len(c.buf) + n - c.limit; over > 0 {
		c.buf = append(c.buf[:0], c.buf[over:]...)
	}
	c.buf = append(c.buf, p...)
	return n, nil
}

func (c *cappedBuffer) String() string { return string(c.buf) }

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return truncate(lines[len(lines)-1], 512)
}
