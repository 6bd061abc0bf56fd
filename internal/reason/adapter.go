package reason

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrReasoningFailed marks reply-generation failures so callers can count
// them toward the operator-escalation threshold.
var ErrReasoningFailed = errors.New("reasoning failed")

// Message is one prior conversation turn, oldest first.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized reply request built from the call context.
type Request struct {
	CallSID  string
	TurnID   string
	Language string
	System   string
	Messages []Message
}

// Reply is the final response after streaming deltas. Transfer is set when
// the model asked for a handoff to the human operator.
type Reply struct {
	Text     string
	Transfer bool
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter generates an assistant reply for one caller turn.
type Adapter interface {
	StreamReply(ctx context.Context, req Request, onDelta DeltaHandler) (Reply, error)
}

// Config controls adapter construction.
type Config struct {
	Mode        string
	OpenAIURL   string
	OpenAIKey   string
	OpenAIModel string
	GeminiKey   string
	GeminiModel string
	Temperature float64
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIAdapter(cfg.OpenAIURL, cfg.OpenAIKey, cfg.OpenAIModel, cfg.Temperature), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiKey) == "" {
			return nil, errors.New("gemini api key is required for gemini mode")
		}
		return NewGeminiAdapter(cfg.GeminiKey, cfg.GeminiModel, cfg.Temperature), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported reason adapter mode %q", cfg.Mode)
	}
}

func newAutoAdapter(cfg Config) Adapter {
	var chain []Adapter
	if strings.TrimSpace(cfg.OpenAIKey) != "" {
		chain = append(chain, NewOpenAIAdapter(cfg.OpenAIURL, cfg.OpenAIKey, cfg.OpenAIModel, cfg.Temperature))
	}
	if strings.TrimSpace(cfg.GeminiKey) != "" {
		chain = append(chain, NewGeminiAdapter(cfg.GeminiKey, cfg.GeminiModel, cfg.Temperature))
	}

	switch len(chain) {
	case 0:
		return NewMockAdapter()
	case 1:
		return chain[0]
	default:
		return NewFallbackAdapter(chain[0], chain[1])
	}
}

// FallbackAdapter attempts a primary adapter first and falls back on error.
// Context cancellation is never retried: a canceled turn means the caller
// barged in or hung up, and any reply would be stale.
type FallbackAdapter struct {
	primary  Adapter
	fallback Adapter
}

func NewFallbackAdapter(primary, fallback Adapter) *FallbackAdapter {
	return &FallbackAdapter{primary: primary, fallback: fallback}
}

func (a *FallbackAdapter) StreamReply(ctx context.Context, req Request, onDelta DeltaHandler) (Reply, error) {
	reply, err := a.primary.StreamReply(ctx, req, onDelta)
	if err == nil {
		return reply, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Reply{}, err
	}

	fbReply, fbErr := a.fallback.StreamReply(ctx, req, onDelta)
	if fbErr != nil {
		return Reply{}, fmt.Errorf("primary adapter error: %w; fallback adapter error: %v", err, fbErr)
	}
	return fbReply, nil
}
