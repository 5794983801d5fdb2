package summarizer

import "strings"

func splitLines(text string) []string {
	return strings.Split(strings.TrimSpace(text), "\n")
}

func hasPrefixFold(line, prefix string) bool {
	line = strings.TrimSpace(line)
	return len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix)
}

func trimPrefixFold(line, prefix string) string {
	line = strings.TrimSpace(line)
	return strings.TrimSpace(line[len(prefix):])
}
