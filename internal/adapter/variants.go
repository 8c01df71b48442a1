package adapter

import (
	"go.uber.org/zap"
)

// NewClaudeCodeAdapter builds the adapter variant that shells out to the
// Claude Code CLI, prompt delivered as a positional argument.
func NewClaudeCodeAdapter(binary, model string, logger *zap.Logger) ModelAdapter {
	if binary == "" {
		binary = "claude"
	}
	return newCLIAdapter(cliSpec{
		provider:      "claude-code",
		model:         model,
		binary:        binary,
		credentialEnv: "ANTHROPIC_API_KEY",
		promptViaArgs: true,
		buildArgs: func(req TaskRequest, prompt string) []string {
			args := []string{"-p", prompt}
			if model != "" {
				args = append(args, "--model", model)
			}
			return args
		},
	}, logger)
}

// NewCodexAdapter builds the adapter variant that shells out to the Codex
// CLI, prompt piped over stdin.
func NewCodexAdapter(binary, model string, logger *zap.Logger) ModelAdapter {
	if binary == "" {
		binary = "codex"
	}
	return newCLIAdapter(cliSpec{
		provider:      "codex",
		model:         model,
		binary:        binary,
		credentialEnv: "OPENAI_API_KEY",
		promptViaArgs: false,
		buildArgs: func(req TaskRequest, prompt string) []string {
			args := []string{"exec", "--quiet"}
			if model != "" {
				args = append(args, "--model", model)
			}
			return args
		},
	}, logger)
}

// NewGeminiAdapter builds the adapter variant that shells out to the
// Gemini CLI, prompt delivered as a positional argument.
func NewGeminiAdapter(binary, model string, logger *zap.Logger) ModelAdapter {
	if binary == "" {
		binary = "gemini"
	}
	return newCLIAdapter(cliSpec{
		provider:      "gemini",
		model:         model,
		binary:        binary,
		credentialEnv: "GEMINI_API_KEY",
		promptViaArgs: true,
		buildArgs: func(req TaskRequest, prompt string) []string {
			args := []string{"-p", prompt}
			if model != "" {
				args = append(args, "-m", model)
			}
			return args
		},
	}, logger)
}
