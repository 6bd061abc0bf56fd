package voice

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindgen/adaphone/internal/audio"
	"github.com/mindgen/adaphone/internal/observability"
	"github.com/mindgen/adaphone/internal/policy"
	"github.com/mindgen/adaphone/internal/reason"
	"github.com/mindgen/adaphone/internal/session"
	"github.com/mindgen/adaphone/internal/transcript"
	"github.com/mindgen/adaphone/internal/transfer"
)

// Command is one instruction for the telephone leg. Exactly one field is
// meaningful per command.
type Command struct {
	Frame  []byte // 20ms mu-law media frame
	Clear  bool   // flush the provider's playback buffer
	Mark   string // playback checkpoint label
	Hangup bool   // end the call after draining queued audio
}

// CallConfig wires one call session to its providers and registry entry.
type CallConfig struct {
	SID          string
	Language     string
	Persona      string
	Greeting     string
	ApologyText  string
	GoodbyeText  string
	// ApologyClip is raw mu-law audio played straight to the wire when the
	// synthesizer itself is the failing stage and cannot speak ApologyText.
	ApologyClip []byte
	IdleTimeout  time.Duration
	FailureLimit int
	Segmenter    SegmenterParams

	Registry    *session.Registry
	Transcriber Transcriber
	Synthesizer Synthesizer
	Brain       reason.Adapter
	Store       transcript.Store
	Metrics     *observability.Metrics

	// OnTransfer is invoked once when the call escalates to the operator.
	OnTransfer func(callSID, cause string)
}

// Call runs the conversation loop for a single phone call: segment caller
// audio, transcribe, reason, and stream synthesized speech back, with
// barge-in cancellation at frame granularity.
type Call struct {
	cfg      CallConfig
	seg      *Segmenter
	convo    *Context
	inbound  chan []byte
	outbound chan Command

	mu           sync.Mutex
	speakCancel  context.CancelFunc
	turnCancel   context.CancelFunc
	failures     int
	transferring bool
	ended        bool

	turnWG sync.WaitGroup
}

func NewCall(cfg CallConfig) *Call {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 45 * time.Second
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 3
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = "Sorry, dat heb ik niet goed verstaan. Kunt u dat herhalen?"
	}
	if cfg.GoodbyeText == "" {
		cfg.GoodbyeText = "Ik hoor niets meer, dus ik beëindig het gesprek. Tot ziens."
	}
	if len(cfg.ApologyClip) == 0 {
		cfg.ApologyClip = defaultApologyClip()
	}
	if cfg.Segmenter.SilenceTimeoutFrames <= 0 {
		// Keep frame-counted silence aligned with the wall-clock idle timer.
		cfg.Segmenter.SilenceTimeoutFrames = int(cfg.IdleTimeout / frameDuration)
	}
	return &Call{
		cfg:      cfg,
		seg:      NewSegmenter(cfg.Segmenter),
		convo:    NewContext(cfg.Persona, cfg.Language),
		inbound:  make(chan []byte, 64),
		outbound: make(chan Command, 256),
	}
}

// Commands returns the outbound stream for the telephone leg. The channel
// closes when Run returns.
func (c *Call) Commands() <-chan Command { return c.outbound }

// HandleMedia accepts one raw mu-law frame from the media stream. A stalled
// pipeline drops the oldest pending work rather than backing up a live call.
func (c *Call) HandleMedia(payload []byte) {
	select {
	case c.inbound <- payload:
	default:
		select {
		case <-c.inbound:
		default:
		}
		select {
		case c.inbound <- payload:
		default:
		}
	}
}

// Run drives the session until ctx is canceled, the caller goes idle, or a
// transfer hands the call off. It owns the outbound channel lifecycle.
func (c *Call) Run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.ended = true
		if c.turnCancel != nil {
			c.turnCancel()
		}
		if c.speakCancel != nil {
			c.speakCancel()
		}
		c.mu.Unlock()
		c.turnWG.Wait()
		close(c.outbound)
		if c.cfg.Registry != nil {
			c.cfg.Registry.SetState(c.cfg.SID, session.StateEnded)
		}
	}()

	if c.cfg.Greeting != "" {
		c.speakAsync(ctx, c.cfg.Greeting)
	}

	idle := time.NewTimer(c.cfg.IdleTimeout)
	defer idle.Stop()

	malformed := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case payload := <-c.inbound:
			pcm, err := audio.DecodeFrame(payload)
			if err != nil {
				malformed++
				if malformed == 1 || malformed%50 == 0 {
					log.Printf("call %s: dropping malformed frame (%d so far): %v", c.cfg.SID, malformed, err)
				}
				continue
			}
			if c.cfg.Registry != nil {
				c.cfg.Registry.RecordFrames(c.cfg.SID, 1, 0)
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.MediaFrames.WithLabelValues("inbound").Inc()
			}

			for _, ev := range c.seg.Push(pcm) {
				switch ev.Type {
				case EventSpeechStarted:
					resetTimer(idle, c.cfg.IdleTimeout)
					c.interrupt()
				case EventSpeechEnded:
					resetTimer(idle, c.cfg.IdleTimeout)
					if len(ev.Utterance) == 0 {
						continue
					}
					c.startTurn(ctx, ev.Utterance)
				case EventSustainedSilence:
					if c.isTransferring() {
						continue
					}
					log.Printf("call %s: %s of sustained silence, hanging up", c.cfg.SID, ev.Silence)
					c.sayGoodbyeAndHangUp(ctx)
					return nil
				}
			}

		case <-idle.C:
			if c.isTransferring() {
				resetTimer(idle, c.cfg.IdleTimeout)
				continue
			}
			log.Printf("call %s: idle for %s, hanging up", c.cfg.SID, c.cfg.IdleTimeout)
			c.sayGoodbyeAndHangUp(ctx)
			return nil
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (c *Call) isTransferring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferring
}

// interrupt implements barge-in: any playback in flight is canceled and the
// provider buffer flushed before the next inbound frame is processed. During
// a transfer the assistant no longer reacts to caller speech.
func (c *Call) interrupt() {
	c.mu.Lock()
	if c.transferring {
		c.mu.Unlock()
		return
	}
	speakCancel := c.speakCancel
	turnCancel := c.turnCancel
	c.speakCancel = nil
	c.turnCancel = nil
	c.mu.Unlock()

	if turnCancel != nil {
		turnCancel()
	}
	if speakCancel == nil {
		return
	}
	speakCancel()
	c.sendCommand(Command{Clear: true})
	if c.cfg.Registry != nil {
		c.cfg.Registry.RecordInterruption(c.cfg.SID)
		c.cfg.Registry.SetState(c.cfg.SID, session.StateListening)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Interruptions.Inc()
	}
	log.Printf("call %s: barge-in, playback canceled", c.cfg.SID)
}

func (c *Call) startTurn(ctx context.Context, utterance []int16) {
	c.mu.Lock()
	if c.transferring || c.ended {
		c.mu.Unlock()
		return
	}
	if c.turnCancel != nil {
		// A newer utterance supersedes whatever is still in flight.
		c.turnCancel()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.turnCancel = cancel
	c.mu.Unlock()

	c.turnWG.Add(1)
	go func() {
		defer c.turnWG.Done()
		c.runTurn(turnCtx, utterance)
	}()
}

func (c *Call) runTurn(ctx context.Context, utterance []int16) {
	turnID := uuid.NewString()
	turnStart := time.Now()
	c.setState(session.StateTranscribing)

	text, err := c.cfg.Transcriber.Transcribe(ctx, utterance, c.cfg.Language)
	if err != nil {
		c.turnFailure(ctx, "stt", err)
		return
	}
	c.observeStage(observability.StageTranscribe, time.Since(turnStart))
	text = strings.TrimSpace(text)
	if text == "" {
		c.setState(session.StateListening)
		return
	}

	c.saveTurn(ctx, "caller", text)
	c.convo.AddUser(text)
	if transfer.WantsOperator(text) {
		c.escalate("caller_request")
		return
	}
	c.setState(session.StateReasoning)

	speakCtx, speakCancel := context.WithCancel(ctx)
	defer speakCancel()
	c.mu.Lock()
	c.speakCancel = speakCancel
	c.mu.Unlock()

	phrases := make(chan string, 8)
	speakDone := make(chan error, 1)
	go func() {
		speakDone <- c.speakPhrases(speakCtx, phrases, turnStart)
	}()

	var (
		buf        phraseBuffer
		firstDelta time.Time
	)
	reply, err := c.cfg.Brain.StreamReply(ctx, c.convo.Request(c.cfg.SID, turnID), func(delta string) error {
		if firstDelta.IsZero() {
			firstDelta = time.Now()
			c.observeStage(observability.StageReasonTTFT, firstDelta.Sub(turnStart))
			c.setState(session.StateSpeaking)
		}
		for _, phrase := range buf.consume(delta) {
			select {
			case phrases <- phrase:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	if err == nil {
		if tail := buf.flush(); tail != "" {
			select {
			case phrases <- tail:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
	}
	close(phrases)
	speakErr := <-speakDone

	if err != nil {
		c.turnFailure(ctx, "reason", err)
		return
	}
	if speakErr != nil && !errors.Is(speakErr, context.Canceled) {
		c.turnFailure(ctx, "tts", speakErr)
		return
	}
	if ctx.Err() != nil {
		return
	}

	c.convo.AddAssistant(reply.Text)
	c.saveTurn(ctx, "assistant", reply.Text)
	c.sendCommand(Command{Mark: turnID})
	c.observeStage(observability.StageTurnTotal, time.Since(turnStart))

	c.mu.Lock()
	c.failures = 0
	if c.speakCancel != nil {
		c.speakCancel = nil
	}
	c.mu.Unlock()

	if reply.Transfer {
		c.escalate("assistant_directive")
		return
	}
	c.setState(session.StateListening)
}

// speakPhrases renders phrases in order as they arrive from the reasoning
// stream, so first audio does not wait for the full reply.
func (c *Call) speakPhrases(ctx context.Context, phrases <-chan string, turnStart time.Time) error {
	first := true
	for phrase := range phrases {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.cfg.Synthesizer.Synthesize(ctx, phrase, c.cfg.Language, func(frame []byte) error {
			if first {
				first = false
				c.observeStage(observability.StageSynthFirst, time.Since(turnStart))
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.ObserveFirstAudioLatency(time.Since(turnStart))
				}
			}
			return c.sendFrame(ctx, frame)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// speakAsync plays standalone prompt text (greeting, apology) outside the
// turn pipeline.
func (c *Call) speakAsync(ctx context.Context, text string) {
	c.mu.Lock()
	if c.ended || c.transferring {
		c.mu.Unlock()
		return
	}
	speakCtx, cancel := context.WithCancel(ctx)
	c.speakCancel = cancel
	c.mu.Unlock()

	c.setState(session.StateSpeaking)
	c.turnWG.Add(1)
	go func() {
		defer c.turnWG.Done()
		defer cancel()
		err := c.cfg.Synthesizer.Synthesize(speakCtx, text, c.cfg.Language, func(frame []byte) error {
			return c.sendFrame(speakCtx, frame)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("call %s: prompt synthesis failed: %v", c.cfg.SID, err)
		}
		if speakCtx.Err() == nil {
			c.setState(session.StateListening)
		}
	}()
}

func (c *Call) sayGoodbyeAndHangUp(ctx context.Context) {
	c.setState(session.StateSpeaking)
	goodbyeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := c.cfg.Synthesizer.Synthesize(goodbyeCtx, c.cfg.GoodbyeText, c.cfg.Language, func(frame []byte) error {
		return c.sendFrame(goodbyeCtx, frame)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("call %s: goodbye synthesis failed: %v", c.cfg.SID, err)
	}
	c.sendCommand(Command{Hangup: true})
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CallEvents.WithLabelValues("idle_timeout").Inc()
	}
}

// turnFailure counts consecutive pipeline failures and escalates to the
// operator once the limit is hit. A canceled turn is not a failure.
func (c *Call) turnFailure(ctx context.Context, adapter string, err error) {
	if ctx.Err() != nil {
		return
	}
	log.Printf("call %s: %s failure: %v", c.cfg.SID, adapter, err)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.AdapterErrors.WithLabelValues(adapter, errorCode(err)).Inc()
	}

	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()

	if failures >= c.cfg.FailureLimit {
		c.escalate("repeated_failures")
		return
	}

	c.setState(session.StateListening)
	if adapter == "tts" {
		// The synthesizer is the broken stage; speaking through it again
		// would just fail. Play the canned clip straight to the wire.
		c.playApologyClip(ctx)
		return
	}
	// The context keeps a record of the re-prompt so the model knows the
	// last utterance never made it through.
	c.convo.AddAssistant(c.cfg.ApologyText)
	c.speakAsync(ctx, c.cfg.ApologyText)
}

func (c *Call) playApologyClip(ctx context.Context) {
	clip := c.cfg.ApologyClip
	for off := 0; off+audio.FrameBytes <= len(clip); off += audio.FrameBytes {
		if err := c.sendFrame(ctx, clip[off:off+audio.FrameBytes]); err != nil {
			return
		}
	}
}

// defaultApologyClip is a short two-tone prompt: even with synthesis down the
// caller hears that the line is alive and can try speaking again.
func defaultApologyClip() []byte {
	const toneFrames = 15 // 300ms per tone
	clip := make([]byte, 0, 2*toneFrames*audio.FrameBytes)
	pcm := make([]int16, audio.FrameSamples)
	for f := 0; f < 2*toneFrames; f++ {
		freq := 620.0
		if f >= toneFrames {
			freq = 470.0
		}
		for i := range pcm {
			at := float64(f*audio.FrameSamples+i) / float64(audio.SampleRate)
			pcm[i] = int16(6000 * math.Sin(2*math.Pi*freq*at))
		}
		frame, err := audio.EncodeFrame(pcm)
		if err != nil {
			return nil
		}
		clip = append(clip, frame...)
	}
	return clip
}

// escalate hands the call to the human operator exactly once. After this
// point barge-in and new turns are ignored; the telephone leg takes over.
func (c *Call) escalate(cause string) {
	c.mu.Lock()
	if c.transferring || c.ended {
		c.mu.Unlock()
		return
	}
	c.transferring = true
	speakCancel := c.speakCancel
	c.speakCancel = nil
	c.mu.Unlock()

	if speakCancel != nil {
		speakCancel()
		c.sendCommand(Command{Clear: true})
	}
	c.setState(session.StateTransferring)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TransferEvents.WithLabelValues("requested").Inc()
	}
	log.Printf("call %s: escalating to operator (%s)", c.cfg.SID, cause)
	if c.cfg.OnTransfer != nil {
		go c.cfg.OnTransfer(c.cfg.SID, cause)
	}
}

func (c *Call) sendFrame(ctx context.Context, frame []byte) error {
	if c.cfg.Registry != nil {
		c.cfg.Registry.RecordFrames(c.cfg.SID, 0, 1)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.MediaFrames.WithLabelValues("outbound").Inc()
	}
	select {
	case c.outbound <- Command{Frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Call) sendCommand(cmd Command) {
	select {
	case c.outbound <- cmd:
	default:
		log.Printf("call %s: outbound queue full, dropping control command", c.cfg.SID)
	}
}

func (c *Call) observeStage(stage string, d time.Duration) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ObserveStage(stage, d)
	}
}

func (c *Call) setState(state session.State) {
	if c.cfg.Registry != nil {
		c.cfg.Registry.SetState(c.cfg.SID, state)
	}
}

func (c *Call) saveTurn(ctx context.Context, role, text string) {
	if c.cfg.Store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	content, redacted := policy.RedactPII(text)
	err := c.cfg.Store.SaveTurn(saveCtx, transcript.TurnRecord{
		CallSID:  c.cfg.SID,
		Role:     role,
		Content:  content,
		Language: c.cfg.Language,
		Redacted: redacted,
	})
	if err != nil {
		log.Printf("call %s: transcript save failed: %v", c.cfg.SID, err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrTranscriptionFailed):
		return "transcription_failed"
	case errors.Is(err, ErrSynthesisFailed):
		return "synthesis_failed"
	case errors.Is(err, reason.ErrReasoningFailed):
		return "reasoning_failed"
	default:
		return "internal"
	}
}

// phraseBuffer coalesces streamed deltas into speakable phrases so TTS is
// not fed token-sized fragments.
type phraseBuffer struct {
	pending string
}

const phraseMaxChars = 140

func (b *phraseBuffer) consume(delta string) []string {
	b.pending += delta
	var out []string
	for {
		phrase, rest, ok := nextPhrase(b.pending)
		if !ok {
			break
		}
		b.pending = rest
		if strings.TrimSpace(phrase) != "" {
			out = append(out, strings.TrimSpace(phrase))
		}
	}
	return out
}

func (b *phraseBuffer) flush() string {
	out := strings.TrimSpace(b.pending)
	b.pending = ""
	return out
}

func nextPhrase(pending string) (phrase, rest string, ok bool) {
	for i, r := range pending {
		switch r {
		case '.', '!', '?', '\n':
			return pending[:i+1], pending[i+1:], true
		}
	}
	if len(pending) >= phraseMaxChars {
		cut := strings.LastIndexByte(pending[:phraseMaxChars], ' ')
		if cut <= 0 {
			cut = phraseMaxChars
		}
		return pending[:cut], pending[cut:], true
	}
	return "", pending, false
}
