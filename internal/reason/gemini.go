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

// GeminiAdapter streams replies from the Gemini generateContent API.
type GeminiAdapter struct {
	apiKey      string
	model       string
	temperature float64
	baseURL     string
	client      *http.Client
}

func NewGeminiAdapter(apiKey, model string, temperature float64) *GeminiAdapter {
	if strings.TrimSpace(model) == "" {
		model = "gemini-1.5-flash"
	}
	return &GeminiAdapter{
		apiKey:      strings.TrimSpace(apiKey),
		model:       model,
		temperature: temperature,
		baseURL:     "https://generativelanguage.googleapis.com/v1beta",
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (a *GeminiAdapter) StreamReply(ctx context.Context, req Request, onDelta DeltaHandler) (Reply, error) {
	contents := make([]map[string]any, 0, len(req.Messages))
	for i, msg := range req.Messages {
		role := msg.Role
		if role == "assistant" {
			// Gemini uses "model" instead of "assistant".
			role = "model"
		}
		content := msg.Content
		if i == 0 && strings.TrimSpace(req.System) != "" {
			// System instruction rides in the first user message.
			content = req.System + "\n\n" + content
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]string{{"text": content}},
		})
	}

	payload, err := json.Marshal(map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"temperature": a.temperature,
		},
	})
	if err != nil {
		return Reply{}, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s&alt=sse", a.baseURL, a.model, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, fmt.Errorf("%w: send request: %v", ErrReasoningFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Reply{}, fmt.Errorf("%w: status %d: %s", ErrReasoningFailed, res.StatusCode, strings.TrimSpace(string(body)))
	}

	return a.consumeSSE(ctx, res.Body, onDelta)
}

func (a *GeminiAdapter) consumeSSE(ctx context.Context, body io.Reader, onDelta DeltaHandler) (Reply, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	filter := newDirectiveFilter(onDelta)

	var out strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var chunk struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				out.WriteString(part.Text)
				if err := filter.write(part.Text); err != nil {
					return Reply{}, err
				}
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
