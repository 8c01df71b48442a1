package adapter

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

// shAdapter exercises the shared cliAdapter/runProcess path against the
// system shell, standing in for a real coding-assistant CLI so the
// subprocess lifecycle (spawn, stream stdout, classify exit) is covered
// without depending on an actual claude/codex/gemini binary being present.
func shAdapter() ModelAdapter {
	return newCLIAdapter(cliSpec{
		provider:      "sh",
		model:         "",
		binary:        "/bin/sh",
		promptViaArgs: false,
		buildArgs: func(req TaskRequest, prompt string) []string {
			return []string{"-c", "cat; echo done >&2"}
		},
	}, zap.NewNop())
}

func TestCLIAdapter_IsAvailable(t *testing.T) {
	a := shAdapter()
	if !a.IsAvailable(context.Background()) {
		t.Skip("/bin/sh --version not available in this environment")
	}
}

func TestCLIAdapter_ExecuteStreamsOutput(t *testing.T) {
	a := newCLIAdapter(cliSpec{
		provider:      "sh",
		binary:        "/bin/sh",
		promptViaArgs: false,
		buildArgs: func(req TaskRequest, prompt string) []string {
			return []string{"-c", `echo "created \"out.txt\""`}
		},
	}, zap.NewNop())

	var chunks []string
	res, err := a.Execute(context.Background(), TaskRequest{TaskID: "t-1", Timeout: 5 * time.Second}, nil,
		func(chunk string) { chunks = append(chunks, chunk) })
	if err != nil {
		t.Fatalf("execute must not throw, got: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.Error)
	}
	if len(chunks) == 0 {
		t.Error("expected streamed output chunks")
	}
	if len(res.FilesCreated) != 1 || res.FilesCreated[0] != "out.txt" {
		t.Errorf("expected parsed created file out.txt, got %v", res.FilesCreated)
	}
}

func TestCLIAdapter_RejectsUnsafeBinaryPath(t *testing.T) {
	a := newCLIAdapter(cliSpec{
		provider: "sh",
		binary:   "/bin/sh; rm -rf /",
		buildArgs: func(req TaskRequest, prompt string) []string {
			return nil
		},
	}, zap.NewNop())

	res, err := a.Execute(context.Background(), TaskRequest{TaskID: "t-2"}, nil, nil)
	if err == nil {
		t.Fatal("expected an error before spawn for unsafe binary path")
	}
	if res.Success {
		t.Fatal("expected failure for unsafe binary path")
	}
}

func TestCLIAdapter_TimesOutAndKills(t *testing.T) {
	a := newCLIAdapter(cliSpec{
		provider: "sh",
		binary:   "/bin/sh",
		buildArgs: func(req TaskRequest, prompt string) []string {
			return []string{"-c", "sleep 30"}
		},
	}, zap.NewNop())

	res, err := a.Execute(context.Background(), TaskRequest{TaskID: "t-3", Timeout: 100 * time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("execute must not throw, got: %v", err)
	}
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.Error != "execution timeout" {
		t.Errorf("expected timeout error, got %q", res.Error)
	}
}
