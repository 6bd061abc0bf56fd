package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/mindgen/adaphone/internal/audio"
	"github.com/mindgen/adaphone/internal/reliability"
)

// WhisperTranscriber posts utterances to an OpenAI-compatible
// /audio/transcriptions endpoint.
type WhisperTranscriber struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewWhisperTranscriber(url, apiKey, model string) *WhisperTranscriber {
	if strings.TrimSpace(model) == "" {
		model = "whisper-1"
	}
	return &WhisperTranscriber{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		model:  model,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (t *WhisperTranscriber) Transcribe(ctx context.Context, utterance []int16, language string) (string, error) {
	if len(utterance) == 0 {
		return "", nil
	}

	wav, err := audio.EncodeWAV(audio.PCMToBytes(utterance), audio.SampleRate)
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	body, contentType, err := buildTranscriptionForm(wav, t.model, language)
	if err != nil {
		return "", fmt.Errorf("build form: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt, 200*time.Millisecond, time.Second)):
			}
		}

		text, retryable, err := t.attempt(ctx, body, contentType)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, lastErr)
}

func (t *WhisperTranscriber) attempt(ctx context.Context, body []byte, contentType string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", contentType)
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	res, err := t.client.Do(req)
	if err != nil {
		return "", reliability.IsTransient(err), err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", reliability.IsRetryableHTTPStatus(res.StatusCode),
			fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(payload.Text), false, nil
}

func buildTranscriptionForm(wav []byte, model, language string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("model", model); err != nil {
		return nil, "", err
	}
	if language != "" {
		if err := w.WriteField("language", language); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
