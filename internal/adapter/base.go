package adapter

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultAvailabilityTimeout bounds the --version probe in IsAvailable.
const DefaultAvailabilityTimeout = 5 * time.Second

// cliSpec describes how one CLI variant differs from the others: binary
// name, argument formation, the credential environment variable, and
// whether the prompt is a positional argument or piped over stdin.
type cliSpec struct {
	provider      string
	model         string
	binary        string
	credentialEnv string
	promptViaArgs bool
	buildArgs     func(req TaskRequest, prompt string) []string
}

// cliAdapter is the shared ModelAdapter implementation for every
// subprocess-backed CLI variant; only cliSpec varies between providers.
type cliAdapter struct {
	spec   cliSpec
	logger *zap.Logger
}

func newCLIAdapter(spec cliSpec, logger *zap.Logger) *cliAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cliAdapter{spec: spec, logger: logger.With(zap.String("provider", spec.provider))}
}

func (a *cliAdapter) Provider() string { return a.spec.provider }
func (a *cliAdapter) Model() string    { return a.spec.model }
func (a *cliAdapter) Close() error     { return nil }

func (a *cliAdapter) IsAvailable(ctx context.Context) bool {
	if err := ValidateBinaryPath(a.spec.binary); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultAvailabilityTimeout)
	defer cancel()
	res := runProcess(ctx, runSpec{binary: a.spec.binary, args: []string{"--version"}}, a.logger)
	return res.err == nil && res.exitCode == 0
}

func buildPrompt(req TaskRequest) string {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "Task: %s\n%s", req.Title, req.Description)
	if len(req.Files) > 0 {
		fmt.Fprintf(&b, "\nFiles: %s", strings.Join(req.Files, ", "))
	}
	return b.String()
}

func (a *cliAdapter) Execute(ctx context.Context, req TaskRequest, onProgress ProgressFunc, onOutput OutputFunc) (*Result, error) {
	start := time.Now()

	if err := ValidateBinaryPath(a.spec.binary); err != nil {
		return &Result{Success: false, Error: err.Error()}, err
	}

	timeout := req.Timeout
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	prompt := buildPrompt(req)
	var args []string
	var stdin string
	if a.spec.promptViaArgs {
		args = a.spec.buildArgs(req, prompt)
	} else {
		args = a.spec.buildArgs(req, "")
		stdin = prompt
	}

	if onProgress != nil {
		onProgress(fmt.Sprintf("spawning %s for task %s", a.spec.binary, req.TaskID))
	}

	env := os.Environ()
	spec := runSpec{
		binary:     a.spec.binary,
		args:       args,
		env:        env,
		stdin:      stdin,
		dir:        req.WorkingDir,
		killGrace:  DefaultKillGrace,
		onOutput:   onOutput,
		onProgress: onProgress,
	}

	res := runProcess(runCtx, spec, a.logger)
	duration := time.Since(start)

	result := &Result{
		Output:     res.stdout,
		DurationMs: duration.Milliseconds(),
	}
	result.FilesCreated, result.FilesModified, result.FilesDeleted = parseFileOps(res.stdout)
	result.TokenUsage = estimateTokenUsage(req, res.stdout)

	switch {
	case res.timedOut:
		result.Success = false
		result.Error = "execution timeout"
	case res.exitCode == 0 && !strings.Contains(strings.ToLower(res.stderr), "error"):
		result.Success = true
	default:
		result.Success = false
		if res.stderr != "" {
			result.Error = res.stderr
		} else if res.err != nil {
			result.Error = res.err.Error()
		} else {
			result.Error = fmt.Sprintf("exit code %d", res.exitCode)
		}
	}

	if onProgress != nil {
		onProgress(fmt.Sprintf("%s finished task %s success=%v", a.spec.binary, req.TaskID, result.Success))
	}
	return result, nil
}
