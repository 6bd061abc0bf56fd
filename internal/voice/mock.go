package voice

import (
	"context"
	"fmt"

	"github.com/mindgen/adaphone/internal/audio"
)

// MockTranscriber returns a deterministic transcript derived from the
// utterance length. Useful for local runs without provider credentials.
type MockTranscriber struct{}

func NewMockTranscriber() *MockTranscriber { return &MockTranscriber{} }

func (t *MockTranscriber) Transcribe(ctx context.Context, utterance []int16, language string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if len(utterance) == 0 {
		return "", nil
	}
	frames := len(utterance) / audio.FrameSamples
	return fmt.Sprintf("mock utterance (%d frames, %s)", frames, language), nil
}

// MockSynthesizer emits mu-law silence frames sized to the text so playback
// timing behaves like real speech.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Synthesize(ctx context.Context, text, language string, onFrame FrameHandler) error {
	frames := len(text) / 4
	if frames < 1 {
		frames = 1
	}
	for i := 0; i < frames; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame := make([]byte, audio.FrameBytes)
		for j := range frame {
			frame[j] = 0xFF
		}
		if err := onFrame(frame); err != nil {
			return err
		}
	}
	return nil
}
