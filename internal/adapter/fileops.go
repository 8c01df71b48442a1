package adapter

import (
	"regexp"
	"strings"
)

var (
	createdVerbs  = []string{"created", "wrote", "generated"}
	modifiedVerbs = []string{"modified", "updated", "changed"}
	deletedVerbs  = []string{"deleted", "removed"}

	quotedPathRe = regexp.MustCompile(`['"` + "`" + `]([^'"` + "`" + `\s]+\.[A-Za-z0-9]+)['"` + "`" + `]`)
	bareTokenRe  = regexp.MustCompile(`\b[\w./-]+\.[A-Za-z0-9]{1,8}\b`)
)

// parseFileOps scans output line by line for verb+path patterns and
// returns the deduplicated created/modified/deleted file lists. This is
// intentionally heuristic: CLI wrappers emit free-text progress, not a
// structured file manifest.
func parseFileOps(output string) (created, modified, deleted []string) {
	createdSet := map[string]bool{}
	modifiedSet := map[string]bool{}
	deletedSet := map[string]bool{}

	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		path := extractPathLikeToken(line)
		if path == "" {
			continue
		}
		switch {
		case containsAny(lower, createdVerbs):
			createdSet[path] = true
		case containsAny(lower, modifiedVerbs):
			modifiedSet[path] = true
		case containsAny(lower, deletedVerbs):
			deletedSet[path] = true
		}
	}

	return setToSlice(createdSet), setToSlice(modifiedSet), setToSlice(deletedSet)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func extractPathLikeToken(line string) string {
	if m := quotedPathRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := bareTokenRe.FindString(line); m != "" {
		return m
	}
	return ""
}

func setToSlice(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
