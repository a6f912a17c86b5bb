package ai

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var thinkTagRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkTags removes DeepSeek R1 reasoning tags from the response.
func StripThinkTags(text string) string {
	return strings.TrimSpace(thinkTagRegex.ReplaceAllString(text, ""))
}

// CleanComment turns a model reply into a single plain paragraph.
func CleanComment(text string, maxLen int) string {
	cleaned := StripThinkTags(text)
	cleaned = strings.TrimPrefix(cleaned, "```text")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	// maxLen counts runes
	if maxLen > 0 && utf8.RuneCountInString(cleaned) > maxLen {
		head := string([]rune(cleaned)[:maxLen])
		cut := strings.LastIndex(head, " ")
		if cut <= 0 {
			cut = len(head)
		}
		cleaned = strings.TrimRight(head[:cut], ",;:") + "…"
	}
	return cleaned
}
