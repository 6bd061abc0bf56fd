package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mindgen/adaphone/internal/audio"
)

const defaultElevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsSynthesizer streams mu-law speech from the ElevenLabs HTTP
// streaming endpoint. The ulaw_8000 output format matches the telephone leg
// directly, so no resampling happens here.
type ElevenLabsSynthesizer struct {
	baseURL string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
}

func NewElevenLabsSynthesizer(baseURL, apiKey, voiceID, modelID string) *ElevenLabsSynthesizer {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultElevenLabsBaseURL
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_turbo_v2_5"
	}
	return &ElevenLabsSynthesizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		voiceID: strings.TrimSpace(voiceID),
		modelID: modelID,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type elevenLabsRequest struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	LanguageCode string `json:"language_code,omitempty"`
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text, language string, onFrame FrameHandler) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	payload, err := json.Marshal(elevenLabsRequest{
		Text:         text,
		ModelID:      s.modelID,
		LanguageCode: language,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=ulaw_8000", s.baseURL, s.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	res, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: send request: %v", ErrSynthesisFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("%w: status %d: %s", ErrSynthesisFailed, res.StatusCode, strings.TrimSpace(string(body)))
	}

	return streamFrames(ctx, res.Body, onFrame)
}

// streamFrames slices an arbitrary mu-law byte stream into 20ms frames.
// A short tail is padded with mu-law silence so the last frame stays valid.
func streamFrames(ctx context.Context, body io.Reader, onFrame FrameHandler) error {
	buf := make([]byte, 0, 4*audio.FrameBytes)
	chunk := make([]byte, 4096)

	flush := func(final bool) error {
		for len(buf) >= audio.FrameBytes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			frame := make([]byte, audio.FrameBytes)
			copy(frame, buf[:audio.FrameBytes])
			buf = buf[audio.FrameBytes:]
			if err := onFrame(frame); err != nil {
				return err
			}
		}
		if final && len(buf) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			frame := make([]byte, audio.FrameBytes)
			copy(frame, buf)
			for i := len(buf); i < audio.FrameBytes; i++ {
				frame[i] = 0xFF
			}
			buf = buf[:0]
			if err := onFrame(frame); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if flushErr := flush(false); flushErr != nil {
				return flushErr
			}
		}
		if err == io.EOF {
			return flush(true)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: stream read: %v", ErrSynthesisFailed, err)
		}
	}
}
