package voice

import (
	"math"
	"time"

	"github.com/mindgen/adaphone/internal/audio"
)

// SegmenterState is the speech-detection state for one direction of a call.
type SegmenterState int

const (
	StateQuiet SegmenterState = iota + 1
	StateStarting
	StateSpeaking
	StateStopping
)

func (s SegmenterState) String() string {
	switch s {
	case StateQuiet:
		return "quiet"
	case StateStarting:
		return "starting"
	case StateSpeaking:
		return "speaking"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type EventType int

const (
	EventSpeechStarted EventType = iota + 1
	EventSpeechEnded
	EventSustainedSilence
)

// frameDuration is the wall-clock span of one frame (20ms at 8kHz).
const frameDuration = time.Second * audio.FrameSamples / audio.SampleRate

// Event reports a segmenter transition. Utterance carries the accumulated
// PCM only for EventSpeechEnded; Silence is set only for
// EventSustainedSilence.
type Event struct {
	Type      EventType
	Utterance []int16
	Silence   time.Duration
}

// SegmenterParams tunes the energy-based endpointer. Durations are counted
// in 20ms frames.
type SegmenterParams struct {
	// EnergyThreshold is the normalized RMS level treated as voice (0..1).
	EnergyThreshold float64
	// StartFrames is how many consecutive voiced frames promote quiet to
	// speaking (default 10, i.e. 200ms).
	StartFrames int
	// StopFrames is how many consecutive quiet frames end the utterance
	// (default 40, i.e. 800ms).
	StopFrames int
	// MinUtteranceFrames discards blips shorter than this once speech ends.
	MinUtteranceFrames int
	// MaxUtteranceFrames force-commits a monologue that never pauses.
	MaxUtteranceFrames int
	// SilenceTimeoutFrames is how many consecutive quiet frames outside an
	// utterance trigger a sustained-silence event (default 2250, i.e. 45s).
	SilenceTimeoutFrames int
}

func DefaultSegmenterParams() SegmenterParams {
	return SegmenterParams{
		EnergyThreshold:      0.02,
		StartFrames:          10,
		StopFrames:           40,
		MinUtteranceFrames:   12,
		MaxUtteranceFrames:   1500,
		SilenceTimeoutFrames: 2250,
	}
}

// Segmenter turns a stream of 20ms PCM frames into discrete utterances.
// It is not safe for concurrent use; each call session owns one.
type Segmenter struct {
	params SegmenterParams

	state       SegmenterState
	startCount  int
	stopCount   int
	quietFrames int
	smoothed    float64
	utterance   []int16
	frameCount  int
	totalFrames int
}

func NewSegmenter(params SegmenterParams) *Segmenter {
	if params.EnergyThreshold <= 0 {
		params.EnergyThreshold = 0.02
	}
	if params.StartFrames <= 0 {
		params.StartFrames = 10
	}
	if params.StopFrames <= 0 {
		params.StopFrames = 40
	}
	if params.MaxUtteranceFrames <= 0 {
		params.MaxUtteranceFrames = 1500
	}
	if params.SilenceTimeoutFrames <= 0 {
		params.SilenceTimeoutFrames = 2250
	}
	return &Segmenter{
		params: params,
		state:  StateQuiet,
	}
}

func (s *Segmenter) State() SegmenterState { return s.state }

// Reset drops any partial utterance and returns to quiet.
func (s *Segmenter) Reset() {
	s.state = StateQuiet
	s.startCount = 0
	s.stopCount = 0
	s.quietFrames = 0
	s.smoothed = 0
	s.utterance = nil
	s.frameCount = 0
}

// Push feeds one frame and returns zero or more transition events.
func (s *Segmenter) Push(frame []int16) []Event {
	s.totalFrames++
	energy := frameEnergy(frame)

	// Exponential smoothing keeps single hot frames from triggering.
	const smoothing = 0.2
	s.smoothed = smoothing*energy + (1-smoothing)*s.smoothed
	voiced := s.smoothed >= s.params.EnergyThreshold

	var events []Event
	if voiced {
		s.quietFrames = 0
	}

	switch s.state {
	case StateQuiet:
		if voiced {
			s.startCount++
			s.state = StateStarting
			s.utterance = append(s.utterance, frame...)
			s.frameCount++
		} else {
			s.quietFrames++
			if s.quietFrames >= s.params.SilenceTimeoutFrames {
				events = append(events, Event{
					Type:    EventSustainedSilence,
					Silence: time.Duration(s.quietFrames) * frameDuration,
				})
				s.quietFrames = 0
			}
		}

	case StateStarting:
		s.utterance = append(s.utterance, frame...)
		s.frameCount++
		if voiced {
			s.startCount++
			if s.startCount >= s.params.StartFrames {
				s.state = StateSpeaking
				s.startCount = 0
				events = append(events, Event{Type: EventSpeechStarted})
			}
		} else {
			s.state = StateQuiet
			s.startCount = 0
			s.utterance = nil
			s.frameCount = 0
		}

	case StateSpeaking, StateStopping:
		s.utterance = append(s.utterance, frame...)
		s.frameCount++
		if voiced {
			s.state = StateSpeaking
			s.stopCount = 0
		} else {
			s.stopCount++
			s.state = StateStopping
			if s.stopCount >= s.params.StopFrames {
				events = append(events, s.commit())
			}
		}
		if s.state != StateQuiet && s.frameCount >= s.params.MaxUtteranceFrames {
			events = append(events, s.commit())
		}
	}

	return events
}

// commit ends the current utterance, trimming the trailing silence frames.
func (s *Segmenter) commit() Event {
	utterance := s.utterance
	trim := s.stopCount * audio.FrameSamples
	if trim > 0 && trim < len(utterance) {
		utterance = utterance[:len(utterance)-trim]
	}

	frames := s.frameCount - s.stopCount
	s.state = StateQuiet
	s.stopCount = 0
	s.startCount = 0
	s.utterance = nil
	s.frameCount = 0

	if frames < s.params.MinUtteranceFrames {
		// Too short to be speech; swallow it as noise.
		return Event{Type: EventSpeechEnded, Utterance: nil}
	}
	return Event{Type: EventSpeechEnded, Utterance: utterance}
}

// frameEnergy computes normalized RMS for one PCM frame.
func frameEnergy(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range frame {
		v := float64(sample)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	return rms / 32768.0
}
