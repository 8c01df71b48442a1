package adapter

import (
	"fmt"
	"strings"
)

// shellMetacharacters are characters that, if present in a binary path
// supplied at runtime (config, plan metadata, etc.), signal possible
// command-substitution / injection intent. CLI adapters never pass user
// text through a shell, but the binary path itself is validated before
// spawn as defense against a config value that turns out to be a crafted
// shell one-liner rather than a plain executable path.
const shellMetacharacters = ";&|`$()"

var substitutionPatterns = []string{"$(", "${", "`"}

// ValidateBinaryPath rejects binary paths containing shell metacharacters
// or command-substitution patterns, before a subprocess is ever spawned.
func ValidateBinaryPath(path string) error {
	if path == "" {
		return fmt.Errorf("adapter: empty binary path")
	}
	for _, c := range shellMetacharacters {
		if strings.ContainsRune(path, c) {
			return fmt.Errorf("adapter: binary path %q contains disallowed shell metacharacter %q", path, string(c))
		}
	}
	for _, pattern := range substitutionPatterns {
		if strings.Contains(path, pattern) {
			return fmt.Errorf("adapter: binary path %q contains command-substitution pattern %q", path, pattern)
		}
	}
	return nil
}
