package security

import (
	"fmt"
	"regexp"
	"strings"
)

var subjectTokenPattern = regexp.MustCompile(`\[(HD-[0-9]+(?:-[0-9a-z]+)?-[0-9a-f]{16})\]`)

// BuildSubject renders the outbound subject line carrying token.
func BuildSubject(token string, issueNumber int, title string) string {
	title = strings.Join(strings.Fields(title), " ")
	return fmt.Sprintf("[%s] Issue #%d: %s", token, issueNumber, title)
}

// ExtractToken returns the first bracketed thread token in subject. Reply
// prefixes such as "RE:" are ignored naturally.
func ExtractToken(subject string) (string, bool) {
	match := subjectTokenPattern.FindStringSubmatch(subject)
	if len(match) < 2 {
		return "", false
	}
	return match[1], true
}
