package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mindgen/adaphone/internal/config"
	"github.com/mindgen/adaphone/internal/observability"
	"github.com/mindgen/adaphone/internal/session"
	"github.com/mindgen/adaphone/internal/telephony"
	"github.com/mindgen/adaphone/internal/transfer"
	"github.com/mindgen/adaphone/internal/voice"
)

const serviceVersion = "1.0.0"

// CallFactory builds the per-call pipeline once the media stream starts.
type CallFactory func(callSID, from, language string) *voice.Call

type Server struct {
	cfg       config.Config
	registry  *session.Registry
	metrics   *observability.Metrics
	control   telephony.CallControl
	transfers *transfer.Controller
	newCall   CallFactory
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, metrics *observability.Metrics, control telephony.CallControl, transfers *transfer.Controller, newCall CallFactory) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		metrics:   metrics,
		control:   control,
		transfers: transfers,
		newCall:   newCall,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony providers connect without a browser Origin; the
				// same-origin check only matters for browser-based tooling.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/voice/webhook", s.handleWebhook)
	r.Post("/api/voice/transfer", s.handleTransfer)
	r.Post("/api/voice/no-answer", s.handleNoAnswer)
	r.Get("/ws/media/{callSID}", s.handleMediaStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"version":      serviceVersion,
		"active_calls": s.registry.ActiveCount(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sids := s.registry.ActiveSIDs()
	calls := make([]*session.Call, 0, len(sids))
	for _, sid := range sids {
		if c, err := s.registry.Get(sid); err == nil {
			calls = append(calls, c)
		}
	}

	payload := map[string]any{
		"service":       "adaphone",
		"version":       serviceVersion,
		"language":      s.cfg.DefaultLanguage,
		"active_calls":  len(calls),
		"call_sessions": calls,
	}
	if s.metrics != nil {
		payload["stage_latency"] = s.metrics.StageSnapshot()
	}
	respondJSON(w, http.StatusOK, payload)
}

// handleWebhook answers the provider's inbound-call webhook. Admission
// control happens here: over capacity means a busy signal, not a degraded
// conversation for everyone else.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondTwiML(w, telephony.BusyTwiML())
		return
	}
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	from := strings.TrimSpace(r.PostFormValue("From"))
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	language := s.cfg.DefaultLanguage
	if lang := strings.TrimSpace(r.PostFormValue("Language")); lang != "" {
		language = lang
	}

	if _, err := s.registry.Create(callSID, from, language); err != nil {
		if s.metrics != nil {
			s.metrics.CallEvents.WithLabelValues("rejected").Inc()
		}
		log.Printf("webhook %s: admission refused: %v", callSID, err)
		respondTwiML(w, telephony.BusyTwiML())
		return
	}
	if s.metrics != nil {
		s.metrics.CallEvents.WithLabelValues("accepted").Inc()
		s.metrics.ActiveCalls.Set(float64(s.registry.ActiveCount()))
	}

	log.Printf("webhook %s: accepted call from %s (%s)", callSID, from, language)
	respondTwiML(w, telephony.ConnectStreamTwiML(s.cfg.StreamURL(callSID), s.cfg.Greeting, language))
}

// handleTransfer returns the hold-and-dial document directly. Exposed so an
// operator tool can yank a call out of the agent by webhook redirect.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.cfg.OperatorNumber) == "" {
		http.Error(w, "no operator configured", http.StatusServiceUnavailable)
		return
	}
	respondTwiML(w, telephony.TransferTwiML(
		s.cfg.HoldMusicURL, s.cfg.OperatorNumber, s.cfg.NoAnswerURL(), s.cfg.TransferDialTimeout))
}

// handleNoAnswer is the Dial action callback: the operator leg did not
// connect, so the caller hears a notice instead of silence.
func (s *Server) handleNoAnswer(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	status := r.PostFormValue("DialCallStatus")
	log.Printf("transfer callback: dial status %q", status)
	if s.metrics != nil && status != "" && status != "completed" {
		s.metrics.TransferEvents.WithLabelValues("no_answer").Inc()
	}
	if s.transfers != nil {
		respondTwiML(w, s.transfers.NoAnswerTwiML())
		return
	}
	respondTwiML(w, telephony.HangupTwiML("", s.cfg.DefaultLanguage))
}

// handleMediaStream bridges the provider's media websocket and the call
// pipeline: inbound frames go to the segmenter, outbound commands become
// media/mark/clear envelopes.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	callSID := chi.URLParam(r, "callSID")
	reg, err := s.registry.Get(callSID)
	if err != nil {
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	streamSID, language, err := awaitStreamStart(conn, callSID)
	if err != nil {
		log.Printf("media %s: handshake failed: %v", callSID, err)
		return
	}
	if language == "" {
		language = reg.Language
	}

	call := s.newCall(callSID, reg.From, language)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = call.Run(ctx)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeCommands(ctx, cancel, conn, call, callSID, streamSID)
	}()

	conn.SetReadLimit(1 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := telephony.ParseMessage(data)
		if err != nil {
			if errors.Is(err, telephony.ErrUnsupportedEvent) {
				continue
			}
			log.Printf("media %s: bad envelope: %v", callSID, err)
			continue
		}

		switch msg.Event {
		case telephony.EventMedia:
			audio, err := msg.Media.Audio()
			if err != nil {
				log.Printf("media %s: undecodable payload: %v", callSID, err)
				continue
			}
			call.HandleMedia(audio)
		case telephony.EventMark:
			_ = s.registry.Touch(callSID)
		case telephony.EventStop:
			cancel()
		}
		if ctx.Err() != nil {
			break
		}
	}

	cancel()
	<-runDone
	<-writerDone

	s.registry.Remove(callSID)
	if s.metrics != nil {
		s.metrics.ActiveCalls.Set(float64(s.registry.ActiveCount()))
		s.metrics.CallEvents.WithLabelValues("ended").Inc()
	}
	log.Printf("media %s: stream closed", callSID)
}

// awaitStreamStart consumes envelopes until the start event, which carries
// the stream SID needed to address outbound audio.
func awaitStreamStart(conn *websocket.Conn, callSID string) (streamSID, language string, err error) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			return "", "", errors.New("no start event before deadline")
		}
		_ = conn.SetReadDeadline(deadline)
		_, data, readErr := conn.ReadMessage()
		if readErr != nil {
			return "", "", readErr
		}
		msg, parseErr := telephony.ParseMessage(data)
		if parseErr != nil {
			continue
		}
		switch msg.Event {
		case telephony.EventConnected:
			continue
		case telephony.EventStart:
			if msg.Start.CallSID != callSID {
				return "", "", errors.New("start event call sid mismatch")
			}
			_ = conn.SetReadDeadline(time.Time{})
			return msg.Start.StreamSID, msg.Start.CustomParameters["lang"], nil
		default:
			continue
		}
	}
}

func (s *Server) writeCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, call *voice.Call, callSID, streamSID string) {
	for cmd := range call.Commands() {
		var msg telephony.Message
		switch {
		case cmd.Frame != nil:
			msg = telephony.MediaMessage(streamSID, cmd.Frame)
		case cmd.Clear:
			msg = telephony.ClearMessage(streamSID)
		case cmd.Mark != "":
			msg = telephony.MarkMessage(streamSID, cmd.Mark)
		case cmd.Hangup:
			if s.control != nil {
				hangCtx, hangCancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := s.control.Hangup(hangCtx, callSID); err != nil {
					log.Printf("media %s: hangup request failed: %v", callSID, err)
				}
				hangCancel()
			}
			cancel()
			continue
		default:
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			cancel()
			return
		}
	}
}

func respondTwiML(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
