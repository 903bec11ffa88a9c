// Package answer extracts a discrete A/B/C verdict from unstructured
// oracle text. Models asked a three-way multiple-choice question are
// instructed to wrap the letter in <answer></answer> tags, but in
// practice emit trailing periods, "Option A" phrasing, explanatory
// suffixes, or forget the tags entirely. The normalizer recovers the
// verdict from all of these; genuinely unparseable text yields "".
package answer

import (
	"regexp"
	"strings"
)

// OpenTag and CloseTag delimit the verdict in oracle output. Prompts
// that expect a normalized answer must instruct the model to use them.
const (
	OpenTag  = "<answer>"
	CloseTag = "</answer>"
)

var (
	// First delimiter span wins; content may span lines.
	spanRe = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)

	// Standalone "A." / "B." / "C." token, letter bordered by
	// non-letter characters. Used as the tagless fallback.
	tailRe = regexp.MustCompile(`(?:^|[^A-Za-z])([ABC])\.`)
)

// Normalize extracts the verdict letter from raw oracle text.
//
// Rules, in order:
//  1. If the text contains one or more <answer> spans, only the first
//     is considered. Its content is trimmed and, after absorbing an
//     "Option " prefix, must start with a bare A, B, or C not followed
//     by another letter. Trailing periods, dashes, and explanatory
//     suffixes are ignored.
//  2. If no span yields a letter, the full text is scanned for the
//     last standalone "A.", "B.", or "C." token.
//  3. Otherwise the answer is "".
//
// recovered reports whether normalization work was needed: it is false
// only when the first span's content was already the exact bare letter.
func Normalize(text string) (letter string, recovered bool) {
	if m := spanRe.FindStringSubmatch(text); m != nil {
		content := m[1]
		if l := letterFromSpan(content); l != "" {
			return l, strings.TrimSpace(content) != l
		}
		// Empty or invalid span content falls through to the tail scan.
	}

	if matches := tailRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		return matches[len(matches)-1][1], true
	}

	return "", false
}

// letterFromSpan cleans one delimiter span and returns its verdict
// letter, or "" if the span does not start with a bare A/B/C.
func letterFromSpan(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimLeft(s, `"'.,:;()[]`)
	s = strings.TrimSpace(s)

	// "Option A" phrasing absorbs into the bare letter.
	for _, prefix := range []string{"Option ", "option ", "OPTION "} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
			break
		}
	}

	if s == "" {
		return ""
	}
	c := s[0]
	if c != 'A' && c != 'B' && c != 'C' {
		return ""
	}
	// "Apple" must not parse as A; "A - explanation" and "A." must.
	if len(s) > 1 && isLetter(s[1]) {
		return ""
	}
	return string(c)
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
