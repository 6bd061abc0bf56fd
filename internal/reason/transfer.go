package reason

import "strings"

// transferToken is the inline directive the system prompt tells the model to
// emit when a request needs the human operator.
const transferToken = "[transfer]"

// DetectTransfer strips the transfer directive from a reply and reports
// whether it was present. The remaining text is what the caller should hear
// before the bridge starts.
func DetectTransfer(text string) (string, bool) {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, transferToken)
	if idx < 0 {
		return text, false
	}

	cleaned := text[:idx] + text[idx+len(transferToken):]
	// The directive can appear more than once when the model repeats itself.
	for {
		lower = strings.ToLower(cleaned)
		idx = strings.Index(lower, transferToken)
		if idx < 0 {
			break
		}
		cleaned = cleaned[:idx] + cleaned[idx+len(transferToken):]
	}
	return strings.TrimSpace(cleaned), true
}

// directiveFilter strips the transfer directive from a streamed reply before
// deltas reach the caller-facing handler. The token can arrive split across
// deltas, so any tail that could still grow into it is held back until the
// next delta (or flush) resolves it.
type directiveFilter struct {
	next DeltaHandler
	held string
}

func newDirectiveFilter(next DeltaHandler) *directiveFilter {
	return &directiveFilter{next: next}
}

func (f *directiveFilter) write(delta string) error {
	if f.next == nil {
		return nil
	}
	buf := f.held + delta
	f.held = ""

	var out strings.Builder
	for {
		lower := strings.ToLower(buf)
		idx := strings.Index(lower, transferToken)
		if idx < 0 {
			break
		}
		out.WriteString(buf[:idx])
		buf = buf[idx+len(transferToken):]
	}
	keep := partialTokenStart(buf)
	out.WriteString(buf[:keep])
	f.held = buf[keep:]

	if out.Len() == 0 {
		return nil
	}
	return f.next(out.String())
}

// flush releases a held tail that never completed into the token.
func (f *directiveFilter) flush() error {
	held := f.held
	f.held = ""
	if f.next == nil || held == "" {
		return nil
	}
	return f.next(held)
}

// partialTokenStart returns the earliest index in s from which the remainder
// is a strict prefix of the directive token.
func partialTokenStart(s string) int {
	lower := strings.ToLower(s)
	start := len(s) - len(transferToken) + 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s); i++ {
		if strings.HasPrefix(transferToken, lower[i:]) {
			return i
		}
	}
	return len(s)
}
