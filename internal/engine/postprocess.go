package engine

import (
	"encoding/json"
	"regexp"
	"strings"
)

// noReplySentinel is the explicit "no output needed" marker prose prompts
// instruct the model to emit when staying silent is the right response.
const noReplySentinel = "[NO_REPLY]"

var reasoningBlock = regexp.MustCompile(`(?s)<think(?:ing)?>.*?</think(?:ing)?>`)

// stripReasoning removes internal reasoning delimiters some models emit
// before their visible answer.
func stripReasoning(s string) string {
	return strings.TrimSpace(reasoningBlock.ReplaceAllString(s, ""))
}

// isNoReply reports whether the (already stripped) content is the no-reply
// sentinel and nothing else.
func isNoReply(s string) bool {
	return strings.TrimSpace(s) == noReplySentinel
}

// extractJSON pulls a JSON value out of model output that may wrap it in
// code fences, reasoning blocks, or surrounding prose.
func extractJSON(s string) (json.RawMessage, bool) {
	s = stripReasoning(s)

	if fenced, ok := stripCodeFence(s); ok {
		s = fenced
	}

	s = strings.TrimSpace(s)
	if json.Valid([]byte(s)) {
		return json.RawMessage(s), true
	}

	// Fall back to the outermost object or array embedded in prose.
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start >= 0 && end > start {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), true
			}
		}
	}
	return nil, false
}

// stripCodeFence unwraps a ```json ... ``` (or bare ```) fence.
func stripCodeFence(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language hint on the fence line.
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s), true
}

// repairPrompt builds the single repair re-request for malformed structured
// output.
func repairPrompt(malformed string) string {
	var b strings.Builder
	b.WriteString("Your previous reply was not valid JSON. ")
	b.WriteString("Return the same information as a single valid JSON value with no commentary, no code fences, and no surrounding text.\n\n")
	b.WriteString("Previous reply:\n")
	b.WriteString(malformed)
	return b.String()
}
