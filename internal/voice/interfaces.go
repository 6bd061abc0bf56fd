package voice

import (
	"context"
	"errors"
)

// ErrTranscriptionFailed marks speech-to-text failures so the call session
// can count them toward operator escalation.
var ErrTranscriptionFailed = errors.New("transcription failed")

// ErrSynthesisFailed marks text-to-speech failures.
var ErrSynthesisFailed = errors.New("synthesis failed")

// FrameHandler receives one 20ms mu-law frame of synthesized speech.
// Returning an error stops the stream.
type FrameHandler func(frame []byte) error

// Transcriber converts one complete caller utterance to text. The utterance
// is 8kHz linear PCM; language is a BCP-47-ish hint like "nl" or "en".
type Transcriber interface {
	Transcribe(ctx context.Context, utterance []int16, language string) (string, error)
}

// Synthesizer renders reply text as a stream of 20ms mu-law frames. It must
// stop promptly when ctx is canceled; a caller barge-in cancels mid-stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string, onFrame FrameHandler) error
}
