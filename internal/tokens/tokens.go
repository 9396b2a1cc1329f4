// Package tokens provides the heuristic token estimator and the prompt
// length guard used before every generation call. Estimates are approximate
// (4 characters per token); callers must not treat them as provider-exact.
package tokens

import "strings"

// Marker is prepended to any text the guard has cut. It is visible in the
// prompt on purpose so readers (human or model) know earlier content is gone.
const Marker = "[...earlier context truncated...]\n"

// markerTokens is the marker's own estimated cost. Truncate charges it to
// the budget so a truncated string is stable under a second pass.
var markerTokens = Estimate(Marker)

// Estimate returns the approximate token count for text: ceil(len/4).
func Estimate(text string) int {
	return (len(text) + 3) / 4
}

// Truncate cuts text from the front so its estimated token count fits within
// maxTokens, marker included. The cut point advances forward to the next line
// boundary at or after the excess offset, never mid-line, to avoid breaking
// structured content. Text already within budget is returned unchanged.
//
// If no line boundary exists before the end of the string, the whole text is
// cut and only the marker remains. That is deterministic and acceptable.
func Truncate(text string, maxTokens int) string {
	estimate := Estimate(text)
	if estimate <= maxTokens {
		return text
	}

	excess := estimate - maxTokens + markerTokens
	offset := excess * 4
	if offset >= len(text) {
		return Marker
	}

	cut := len(text)
	if idx := strings.IndexByte(text[offset:], '\n'); idx >= 0 {
		cut = offset + idx + 1
	}

	return Marker + text[cut:]
}
