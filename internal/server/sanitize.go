package server

import (
	"html"
	"regexp"
	"strings"
)

// Prompt-injection phrasings stripped from user input before it
// reaches the model. Matching is case-insensitive and deliberately
// narrow: false positives mangle legitimate questions.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|your)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an)\s`),
	regexp.MustCompile(`(?i)system\s*prompt\s*:`),
	regexp.MustCompile(`(?i)\[/?(?:INST|SYS|SYSTEM)\]`),
	regexp.MustCompile(`(?i)<\|[a-z_]+\|>`),
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// sanitizeMessage normalizes user input for the model: strips known
// injection phrasings, escapes HTML, and collapses whitespace.
func sanitizeMessage(s string) string {
	for _, re := range injectionPatterns {
		s = re.ReplaceAllString(s, "")
	}
	s = html.EscapeString(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
