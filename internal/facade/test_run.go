package facade

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/devit-sh/devitd/internal/apierrors"
	"github.com/devit-sh/devitd/internal/sandbox"
)

// RunConfig is test_run's input: the command to execute, its working
// directory, and the sandbox profile to plan (but not enforce — enforcement
// is an external runner's job per C9).
type RunConfig struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
	Timeout    time.Duration
	Profile    sandbox.Profile
}

// TestResults is test_run's success shape.
type TestResults struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	Plan     sandbox.Plan  `json:"sandbox_plan"`
	TimedOut bool          `json:"timed_out"`
}

// runTest plans a sandbox for cfg (the plan is informational/advisory here;
// an external runner enforces it) and executes the command, capturing
// stdout/stderr and classifying timeout vs. normal exit.
func runTest(ctx context.Context, cfg RunConfig) (TestResults, error) {
	if cfg.Command == "" {
		return TestResults{}, apierrors.New(apierrors.CodeInvalidDiff, "test_run requires a command").WithActionable(true)
	}

	plan := sandbox.PlanForTest(cfg.WorkingDir, cfg.Profile)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkingDir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	results := TestResults{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
		Plan:     plan,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		results.TimedOut = true
		return results, apierrors.New(apierrors.CodeTestTimeout, "test run exceeded its timeout").WithDetails(results)
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			results.ExitCode = exitErr.ExitCode()
			return results, apierrors.New(apierrors.CodeTestFail, "test run exited non-zero").WithDetails(results)
		}
		return results, apierrors.Wrap(apierrors.CodeIO, err)
	}

	return results, nil
}
