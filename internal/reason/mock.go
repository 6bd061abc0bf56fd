package reason

import (
	"context"
	"fmt"
	"strings"
)

// MockAdapter provides deterministic local replies when no backend is
// configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamReply(ctx context.Context, req Request, onDelta DeltaHandler) (Reply, error) {
	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	text, transfer := DetectTransfer(text)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Reply{}, err
		}
	}
	return Reply{Text: text, Transfer: transfer}, nil
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		return "I am listening."
	}
	if wantsOperator(last) {
		return "One moment, I will connect you. [transfer]"
	}
	return fmt.Sprintf("I heard you: %s", last)
}

func wantsOperator(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range []string{"operator", "human", "medewerker", "echt persoon"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
