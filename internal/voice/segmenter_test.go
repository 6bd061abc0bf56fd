package voice

import (
	"testing"

	"github.com/mindgen/adaphone/internal/audio"
)

func loudFrame() []int16 {
	frame := make([]int16, audio.FrameSamples)
	for i := range frame {
		if i%2 == 0 {
			frame[i] = 8000
		} else {
			frame[i] = -8000
		}
	}
	return frame
}

func silentFrame() []int16 {
	return make([]int16, audio.FrameSamples)
}

func testSegmenterParams() SegmenterParams {
	return SegmenterParams{
		EnergyThreshold:    0.02,
		StartFrames:        3,
		StopFrames:         5,
		MinUtteranceFrames: 3,
		MaxUtteranceFrames: 100,
	}
}

func TestSegmenterDetectsUtterance(t *testing.T) {
	seg := NewSegmenter(testSegmenterParams())

	var started, ended bool
	var utterance []int16

	push := func(frame []int16, n int) {
		for i := 0; i < n; i++ {
			for _, ev := range seg.Push(frame) {
				switch ev.Type {
				case EventSpeechStarted:
					started = true
				case EventSpeechEnded:
					ended = true
					utterance = ev.Utterance
				}
			}
		}
	}

	push(loudFrame(), 10)
	if !started {
		t.Fatal("expected speech start after sustained voice")
	}
	if ended {
		t.Fatal("speech should not end while voiced")
	}

	push(silentFrame(), 40)
	if !ended {
		t.Fatal("expected speech end after sustained silence")
	}
	if len(utterance) == 0 {
		t.Fatal("expected non-empty utterance")
	}
	if len(utterance)%audio.FrameSamples != 0 {
		t.Fatalf("utterance length %d is not frame aligned", len(utterance))
	}
	if seg.State() != StateQuiet {
		t.Fatalf("state = %v, want quiet", seg.State())
	}
}

func TestSegmenterIgnoresShortBlip(t *testing.T) {
	params := testSegmenterParams()
	params.MinUtteranceFrames = 20
	seg := NewSegmenter(params)

	var utterances int
	push := func(frame []int16, n int) {
		for i := 0; i < n; i++ {
			for _, ev := range seg.Push(frame) {
				if ev.Type == EventSpeechEnded && len(ev.Utterance) > 0 {
					utterances++
				}
			}
		}
	}

	push(loudFrame(), 5)
	push(silentFrame(), 40)
	if utterances != 0 {
		t.Fatalf("short blip produced %d utterances, want 0", utterances)
	}
}

func TestSegmenterForceCommitsLongMonologue(t *testing.T) {
	params := testSegmenterParams()
	params.MaxUtteranceFrames = 30
	seg := NewSegmenter(params)

	var utterances int
	for i := 0; i < 100; i++ {
		for _, ev := range seg.Push(loudFrame()) {
			if ev.Type == EventSpeechEnded && len(ev.Utterance) > 0 {
				utterances++
			}
		}
	}
	if utterances < 2 {
		t.Fatalf("long monologue committed %d utterances, want >= 2", utterances)
	}
}

func TestSegmenterReportsSustainedSilence(t *testing.T) {
	params := testSegmenterParams()
	params.SilenceTimeoutFrames = 10
	seg := NewSegmenter(params)

	var silences []Event
	push := func(frame []int16, n int) {
		for i := 0; i < n; i++ {
			for _, ev := range seg.Push(frame) {
				if ev.Type == EventSustainedSilence {
					silences = append(silences, ev)
				}
			}
		}
	}

	push(silentFrame(), 9)
	if len(silences) != 0 {
		t.Fatalf("got %d silence events before the timeout, want 0", len(silences))
	}
	push(silentFrame(), 1)
	if len(silences) != 1 {
		t.Fatalf("got %d silence events at the timeout, want 1", len(silences))
	}
	if want := 10 * frameDuration; silences[0].Silence != want {
		t.Fatalf("silence duration = %v, want %v", silences[0].Silence, want)
	}

	// Voice resets the counter; the next event needs a full quiet run again.
	push(loudFrame(), 1)
	push(silentFrame(), 9)
	if len(silences) != 1 {
		t.Fatalf("got %d silence events after voice broke the run, want 1", len(silences))
	}
}

func TestSegmenterResetDropsPartialUtterance(t *testing.T) {
	seg := NewSegmenter(testSegmenterParams())
	for i := 0; i < 10; i++ {
		seg.Push(loudFrame())
	}
	seg.Reset()
	if seg.State() != StateQuiet {
		t.Fatalf("state after reset = %v, want quiet", seg.State())
	}

	var ended bool
	for i := 0; i < 40; i++ {
		for _, ev := range seg.Push(silentFrame()) {
			if ev.Type == EventSpeechEnded && len(ev.Utterance) > 0 {
				ended = true
			}
		}
	}
	if ended {
		t.Fatal("reset segmenter should not emit the dropped utterance")
	}
}
