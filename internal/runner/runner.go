// Package runner executes the configured agent CLI as a subprocess, one
// invocation per dispatch. The message arrives on stdin, session
// metadata in the environment, and stdout is the reply.
package runner

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
	"strconv"
	"strings"
	"time"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/dispatch"
)

// Runner spawns cfg.Command once per execution.
type Runner struct {
	cfg    config.RunnerConfig
	logger *slog.Logger
}

func New(cfg config.RunnerConfig, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger.With("component", "runner")}
}

type handle struct {
	cancel context.CancelFunc
}

func (h *handle) Cancel() { h.cancel() }

// ExecuteStreaming starts the agent CLI and forwards stdout to cb as it
// is produced. After a successful start, exactly one of OnComplete or
// OnError fires.
func (r *Runner) ExecuteStreaming(ctx context.Context, workDir, message string, cb dispatch.StreamCallbacks, opts dispatch.ExecuteOptions) (dispatch.Handle, error) {
	runCtx, cancel := r.withTimeout(ctx)

	cmd := r.command(runCtx, workDir, message, opts)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %q: %w", r.cfg.Command, err)
	}

	go r.drainStderr(stderr, opts.AgentID)

	go func() {
		defer cancel()

		var out strings.Builder
		reader := bufio.NewReader(stdout)
		var readErr error
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				out.WriteString(line)
				if cb.OnChunk != nil {
					cb.OnChunk(line)
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr = err
				}
				break
			}
		}

		// Pipes must be fully drained before Wait.
		waitErr := cmd.Wait()
		if err := runCtx.Err(); err != nil {
			r.fail(cb, fmt.Errorf("agent cli: %w", err))
			return
		}
		if readErr != nil {
			r.fail(cb, fmt.Errorf("read agent output: %w", readErr))
			return
		}
		code, err := exitCode(waitErr)
		if err != nil {
			r.fail(cb, err)
			return
		}
		if cb.OnComplete != nil {
			cb.OnComplete(dispatch.Result{
				Success:  code == 0,
				Output:   out.String(),
				ExitCode: code,
			})
		}
	}()

	return &handle{cancel: cancel}, nil
}

// ExecuteOnce runs the agent CLI to completion and collects stdout.
func (r *Runner) ExecuteOnce(ctx context.Context, workDir, message string, opts dispatch.ExecuteOptions) (dispatch.Result, error) {
	runCtx, cancel := r.withTimeout(ctx)
	defer cancel()

	cmd := r.command(runCtx, workDir, message, opts)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if stderr.Len() > 0 {
		r.logger.Debug("agent stderr", "agent", opts.AgentID, "output", strings.TrimSpace(stderr.String()))
	}
	if err := runCtx.Err(); err != nil {
		return dispatch.Result{}, fmt.Errorf("agent cli: %w", err)
	}
	code, err := exitCode(runErr)
	if err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{
		Success:  code == 0,
		Output:   stdout.String(),
		ExitCode: code,
	}, nil
}

func (r *Runner) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.TimeoutSeconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutSeconds)*time.Second)
}

func (r *Runner) command(ctx context.Context, workDir, message string, opts dispatch.ExecuteOptions) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(message)
	cmd.Env = append(os.Environ(), executionEnv(opts)...)
	return cmd
}

func (r *Runner) fail(cb dispatch.StreamCallbacks, err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (r *Runner) drainStderr(stderr io.Reader, agentID string) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.logger.Debug("agent stderr", "agent", agentID, "line", scanner.Text())
	}
}

// executionEnv exposes per-dispatch session metadata to the agent CLI.
func executionEnv(opts dispatch.ExecuteOptions) []string {
	env := []string{
		"DISPATCHD_AGENT_ID=" + opts.AgentID,
		"DISPATCHD_SESSION_ID=" + opts.SessionID,
		"DISPATCHD_SESSION_NEW=" + strconv.FormatBool(opts.NewSession),
		"DISPATCHD_RESET=" + strconv.FormatBool(opts.Reset),
	}
	if opts.Config != nil {
		if agent := opts.Config.Agent(opts.AgentID); agent != nil {
			if agent.Provider != "" {
				env = append(env, "DISPATCHD_PROVIDER="+agent.Provider)
			}
			if agent.Model != "" {
				env = append(env, "DISPATCHD_MODEL="+agent.Model)
			}
		}
	}
	return env
}

// exitCode maps a Wait error to the process exit code. A non-zero exit
// is a result, not an error; anything else is.
func exitCode(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("agent cli: %w", waitErr)
}
