package chat

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9][A-Za-z0-9_-]*)`)

// Mentions returns the @names in content in order of appearance, without
// duplicates (compared case-insensitively).
func Mentions(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m[1])
	}
	return out
}

// Mentioned reports whether content mentions name, ignoring case.
func Mentioned(content, name string) bool {
	for _, m := range Mentions(content) {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
