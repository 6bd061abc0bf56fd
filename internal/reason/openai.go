package reason

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIAdapter streams replies from an OpenAI-compatible chat completions
// endpoint.
type OpenAIAdapter struct {
	url         string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAIAdapter(url, apiKey, model string, temperature float64) *OpenAIAdapter {
	url = strings.TrimSpace(url)
	if url == "" {
		url = defaultOpenAIURL
	}
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIAdapter{
		url:         url,
		apiKey:      strings.TrimSpace(apiKey),
		model:       model,
		temperature: temperature,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

func (a *OpenAIAdapter) StreamReply(ctx context.Context, req Request, onDelta DeltaHandler) (Reply, error) {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(openAIRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: a.temperature,
		Stream:      true,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	res, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, fmt.Errorf("%w: send request: %v", ErrReasoningFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Reply{}, fmt.Errorf("%w: status %d: %s", ErrReasoningFailed, res.StatusCode, strings.TrimSpace(string(body)))
	}

	return a.consumeSSE(ctx, res.Body, onDelta)
}

func (a *OpenAIAdapter) consumeSSE(ctx context.Context, body io.Reader, onDelta DeltaHandler) (Reply, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	filter := newDirectiveFilter(onDelta)

	var out strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			delta := choice.Delta.Content
			if delta == "" {
				continue
			}
			out.WriteString(delta)
			if err := filter.write(delta); err != nil {
				return Reply{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, fmt.Errorf("%w: stream read: %v", ErrReasoningFailed, err)
	}
	if err := filter.flush(); err != nil {
		return Reply{}, err
	}

	text, transfer := DetectTransfer(out.String())
	return Reply{Text: text, Transfer: transfer}, nil
}
