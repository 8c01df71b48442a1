package adapter

import (
	"context"
	"fmt"
	"time"
)

// MockAdapter is a ModelAdapter variant used in tests and dry runs: it
// never spawns a subprocess, always reports itself available, and
// returns a canned result after an optional simulated delay: successful
// unless ForceFailure is set, and a timeout failure if ctx ends during
// the delay.
type MockAdapter struct {
	ModelName     string
	SimulateDelay time.Duration
	ForceFailure  bool
	FailureReason string
}

// NewMockAdapter builds a MockAdapter with the given model label.
func NewMockAdapter(model string) *MockAdapter {
	return &MockAdapter{ModelName: model}
}

func (m *MockAdapter) Provider() string { return "mock" }
func (m *MockAdapter) Model() string    { return m.ModelName }
func (m *MockAdapter) Close() error     { return nil }

func (m *MockAdapter) IsAvailable(ctx context.Context) bool { return true }

func (m *MockAdapter) Execute(ctx context.Context, req TaskRequest, onProgress ProgressFunc, onOutput OutputFunc) (*Result, error) {
	start := time.Now()

	if onProgress != nil {
		onProgress(fmt.Sprintf("mock adapter starting task %s", req.TaskID))
	}

	if m.SimulateDelay > 0 {
		select {
		case <-time.After(m.SimulateDelay):
		case <-ctx.Done():
			return &Result{
				Success:    false,
				Error:      "execution timeout",
				DurationMs: time.Since(start).Milliseconds(),
				TokenUsage: estimateTokenUsage(req, ""),
			}, nil
		}
	}

	output := fmt.Sprintf("wrote %q\ncompleted task %s", mockOutputPath(req), req.TaskID)
	if onOutput != nil {
		onOutput(output)
	}

	if m.ForceFailure {
		reason := m.FailureReason
		if reason == "" {
			reason = "mock forced failure"
		}
		return &Result{
			Success:    false,
			Error:      reason,
			Output:     output,
			DurationMs: time.Since(start).Milliseconds(),
			TokenUsage: estimateTokenUsage(req, output),
		}, nil
	}

	created, modified, deleted := parseFileOps(output)
	return &Result{
		Success:       true,
		Output:        output,
		FilesCreated:  created,
		FilesModified: modified,
		FilesDeleted:  deleted,
		DurationMs:    time.Since(start).Milliseconds(),
		TokenUsage:    estimateTokenUsage(req, output),
	}, nil
}

func mockOutputPath(req TaskRequest) string {
	if len(req.Files) > 0 {
		return req.Files[0]
	}
	return "mock_output.txt"
}
