package db

import (
	"strings"
	"unicode"
)

const maxTitleLen = 50

// FallbackTitle is used whenever title derivation fails for any reason. A
// broken title must never fail the surrounding message save.
const FallbackTitle = "New Conversation"

// topicKeywords is scanned in list order; the first keyword found as a
// substring of the message wins, regardless of where it appears in the input.
var topicKeywords = []string{
	"help", "question", "explain", "how", "what", "why",
	"code", "programming", "design", "business", "writing",
	"analysis", "research", "learning",
}

var fallbackGroups = []struct {
	words []string
	title string
}{
	{[]string{"create", "build", "make"}, "Project Creation"},
	{[]string{"fix", "debug", "error"}, "Problem Solving"},
	{[]string{"learn", "teach", "tutorial"}, "Learning Session"},
}

// DeriveTitle computes a conversation title from the first user message using
// the keyword heuristic. It never panics outward; any failure degrades to
// FallbackTitle.
func DeriveTitle(message string) (title string) {
	defer func() {
		if recover() != nil {
			title = FallbackTitle
		}
	}()
	return finishTitle(rawTitle(message))
}

func rawTitle(message string) string {
	lower := strings.ToLower(message)

	for _, kw := range topicKeywords {
		if strings.Contains(lower, kw) {
			return capitalize(kw) + " Discussion"
		}
	}

	for _, group := range fallbackGroups {
		for _, w := range group.words {
			if strings.Contains(lower, w) {
				return group.title
			}
		}
	}

	return "General Discussion"
}

// finishTitle trims, truncates to 50 characters with an ellipsis, and strips
// a single trailing sentence terminator.
func finishTitle(title string) string {
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen] + "..."
	}
	if n := len(title); n > 0 {
		switch title[n-1] {
		case '.', '!', '?':
			title = title[:n-1]
		}
	}
	return title
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
