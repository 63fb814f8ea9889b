package scrub

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Runner executes one scrub job against a mountpoint. The context is
// the cancellation token: once it fires the underlying unit or process
// must be stopped and Run must return promptly. A cancelled job returns
// the context error and no verdict.
type Runner interface {
	Run(ctx context.Context, mountpoint string) (Status, error)
}

const (
	// pollInterval is the fixed interval for resolving an ambiguous
	// unit state.
	pollInterval = time.Second
	// stopTimeout bounds the best effort unit stop after cancellation.
	stopTimeout = 10 * time.Second
)

// ServiceRunner delegates a job to the service manager under a
// per-mountpoint unit name.
type ServiceRunner struct {
	Manager UnitManager
	Unit    string        // unit name template, %s = escaped mountpoint
	Poll    time.Duration // state poll interval, pollInterval when zero
}

func (r ServiceRunner) Run(ctx context.Context, mountpoint string) (Status, error) {
	name := UnitName(r.Unit, mountpoint)

	res, err := r.Manager.Start(ctx, name)
	if err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			r.stop(ctx, name)
			return StatusClean, ctxErr
		}
		return StatusUnableToRun, err
	}

	switch res {
	case "failed":
		// the unit ran and entered the failed state
		return StatusFindings, nil
	case "done":
	default:
		slog.DebugContext(ctx, "ambiguous start job result", "unit", name, "result", res)
	}

	return r.await(ctx, name)
}

// await polls the unit state until it is conclusive or the job is
// cancelled.
func (r ServiceRunner) await(ctx context.Context, name string) (Status, error) {
	poll := r.Poll
	if poll <= 0 {
		poll = pollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		state, err := r.Manager.State(ctx, name)
		if err != nil {
			// the unit was started; make sure it is down before the
			// scheduler reclaims its devices
			r.stop(ctx, name)
			if ctxErr := context.Cause(ctx); ctxErr != nil {
				return StatusClean, ctxErr
			}
			return StatusUnableToRun, err
		}
		switch state {
		case UnitInactive:
			return StatusClean, nil
		case UnitFailed:
			return StatusFindings, nil
		}

		select {
		case <-ctx.Done():
			r.stop(ctx, name)
			return StatusClean, ctx.Err()
		case <-ticker.C:
		}
	}
}

// stop asks the manager to stop the unit. The job context is already
// cancelled here, so the request runs on its own bounded context.
func (r ServiceRunner) stop(ctx context.Context, name string) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := r.Manager.Stop(stopCtx, name); err != nil {
		slog.WarnContext(ctx, "stopping unit failed", "unit", name, "error", err)
	}
}

// StderrFunc receives one line of the scrub tool's stderr.
type StderrFunc func(ctx context.Context, line string)

// ExecRunner invokes the scrub tool directly as a subprocess. The
// mountpoint is appended to Args; stdout is inherited, stderr lines go
// to the Stderr callback. Cancellation terminates the process.
type ExecRunner struct {
	Path   string
	Args   []string
	Stderr StderrFunc
}

func (r ExecRunner) Run(ctx context.Context, mountpoint string) (Status, error) {
	args := append(append([]string(nil), r.Args...), mountpoint)
	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Stdout = os.Stdout
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	var stderr io.ReadCloser
	if r.Stderr != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return StatusUnableToRun, err
		}
	}

	if err := cmd.Start(); err != nil {
		return StatusUnableToRun, fmt.Errorf("starting %s: %w", r.Path, err)
	}

	if stderr != nil {
		r.processStderr(ctx, stderr)
	}

	err := cmd.Wait()
	if err == nil {
		return StatusClean, nil
	}
	if ctxErr := context.Cause(ctx); ctxErr != nil {
		return StatusClean, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return Status(exitErr.ExitCode()), nil
	}
	return StatusUnableToRun, err
}

// processStderr forwards stderr lines until EOF. It must finish before
// cmd.Wait closes the pipe.
func (r ExecRunner) processStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		r.Stderr(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

// FallbackRunner tries the primary strategy and, when the service
// manager was unavailable to even attempt it, the fallback. Any other
// primary error stands as is: the unit may already have been launched,
// and a second external job for the same mountpoint must never spawn.
type FallbackRunner struct {
	Primary  Runner
	Fallback Runner
}

func (r FallbackRunner) Run(ctx context.Context, mountpoint string) (Status, error) {
	status, err := r.Primary.Run(ctx, mountpoint)
	if !errors.Is(err, ErrUnavailable) {
		return status, err
	}
	slog.DebugContext(ctx, "falling back to direct invocation", "mountpoint", mountpoint, "error", err)
	return r.Fallback.Run(ctx, mountpoint)
}
