package webhooks

import (
	"regexp"
	"strings"
)

var (
	htmlBreakPattern     = regexp.MustCompile(`(?i)<br\s*/?>`)
	htmlParagraphPattern = regexp.MustCompile(`(?i)</p>`)
	htmlTagPattern       = regexp.MustCompile(`<[^>]+>`)
	wroteLinePattern     = regexp.MustCompile(`^On .+ wrote:$`)
	blankRunPattern      = regexp.MustCompile(`\n{3,}`)

	requesterSectionPattern = regexp.MustCompile(`(?ims)^##\s+Requester\s+contact\s*$\n(.*?)(?:^##\s+|\z)`)
	emailPattern            = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
)

var quoteHeaderPrefixes = []string{
	"-----Original Message-----",
	"From:",
	"Sent:",
	"To:",
	"Subject:",
}

// HTMLToText is a minimal conversion for mail bodies: line breaks and
// paragraphs become newlines and remaining tags are dropped.
func HTMLToText(html string) string {
	text := htmlBreakPattern.ReplaceAllString(html, "\n")
	text = htmlParagraphPattern.ReplaceAllString(text, "\n\n")
	text = htmlTagPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	return text
}

// ExtractReplyText keeps the new part of a reply, cutting at the first
// quoted line or forwarded-message header.
func ExtractReplyText(raw string) string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r", ""), "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if isQuoteBoundary(strings.TrimSpace(line)) {
			break
		}
		kept = append(kept, strings.TrimRight(line, " \t"))
	}
	text := strings.TrimSpace(strings.Join(kept, "\n"))
	return blankRunPattern.ReplaceAllString(text, "\n\n")
}

func isQuoteBoundary(line string) bool {
	if strings.HasPrefix(line, ">") {
		return true
	}
	for _, prefix := range quoteHeaderPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return wroteLinePattern.MatchString(line)
}

// ExtractRequesterEmail reads the requester from the "## Requester contact"
// section of an issue body, falling back to the first address anywhere in it.
// The result is lower-cased; empty when none is found.
func ExtractRequesterEmail(issueBody string) string {
	if match := requesterSectionPattern.FindStringSubmatch(issueBody); len(match) == 2 {
		if email := emailPattern.FindString(strings.TrimSpace(match[1])); email != "" {
			return strings.ToLower(email)
		}
	}
	return strings.ToLower(emailPattern.FindString(issueBody))
}
