package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mindgen/adaphone/internal/config"
	"github.com/mindgen/adaphone/internal/httpapi"
	"github.com/mindgen/adaphone/internal/observability"
	"github.com/mindgen/adaphone/internal/reason"
	"github.com/mindgen/adaphone/internal/session"
	"github.com/mindgen/adaphone/internal/telephony"
	"github.com/mindgen/adaphone/internal/transcript"
	"github.com/mindgen/adaphone/internal/transfer"
	"github.com/mindgen/adaphone/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()

	brain, err := reason.NewAdapter(reason.Config{
		Mode:        cfg.ReasonAdapterMode,
		OpenAIURL:   cfg.OpenAIAPIURL,
		OpenAIKey:   cfg.OpenAIAPIKey,
		OpenAIModel: cfg.OpenAIModel,
		GeminiKey:   cfg.GeminiAPIKey,
		GeminiModel: cfg.GeminiModel,
		Temperature: cfg.ReasonTemperature,
	})
	if err != nil {
		log.Fatalf("reason adapter init failed: %v", err)
	}

	var (
		transcriber voice.Transcriber
		synthesizer voice.Synthesizer
	)
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}
	switch voiceMode {
	case "cloud":
		if cfg.WhisperAPIKey == "" && cfg.OpenAIAPIKey == "" {
			log.Fatalf("VOICE_PROVIDER=cloud but no transcription API key is set")
		}
		if cfg.ElevenLabsAPIKey == "" {
			log.Fatalf("VOICE_PROVIDER=cloud but ELEVENLABS_API_KEY is not set")
		}
		transcriber, synthesizer = cloudProviders(cfg)
		log.Printf("voice providers: whisper + elevenlabs")
	case "mock":
		transcriber = voice.NewMockTranscriber()
		synthesizer = voice.NewMockSynthesizer()
		log.Printf("voice providers: mock")
	case "auto":
		if (cfg.WhisperAPIKey != "" || cfg.OpenAIAPIKey != "") && cfg.ElevenLabsAPIKey != "" {
			transcriber, synthesizer = cloudProviders(cfg)
			log.Printf("voice providers: whisper + elevenlabs")
		} else {
			transcriber = voice.NewMockTranscriber()
			synthesizer = voice.NewMockSynthesizer()
			log.Printf("voice providers: mock (missing provider credentials)")
		}
	default:
		log.Fatalf("invalid VOICE_PROVIDER: %q (expected auto|cloud|mock)", cfg.VoiceProvider)
	}

	registry := session.NewRegistry(cfg.MaxConcurrentCalls, cfg.CallIdleTimeout)
	registry.SetExpireHook(func(c *session.Call) {
		metrics.CallEvents.WithLabelValues("expired").Inc()
		metrics.ActiveCalls.Set(float64(registry.ActiveCount()))
	})

	var control telephony.CallControl
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		control = telephony.NewClient(telephony.ClientConfig{
			BaseURL:    cfg.TwilioAPIBaseURL,
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
		})
	} else {
		log.Printf("call control disabled: no provider credentials")
	}

	var transfers *transfer.Controller
	if control != nil && cfg.OperatorNumber != "" {
		transfers = transfer.NewController(transfer.Config{
			Calls:           control,
			Registry:        registry,
			Metrics:         metrics,
			OperatorNumber:  cfg.OperatorNumber,
			HoldMusicURL:    cfg.HoldMusicURL,
			NoAnswerURL:     cfg.NoAnswerURL(),
			Language:        cfg.DefaultLanguage,
			DialTimeoutSecs: cfg.TransferDialTimeout,
			BridgeTimeout:   cfg.TransferBridgeTimeout,
		})
	} else {
		log.Printf("operator transfer disabled: call control or OPERATOR_NUMBER missing")
	}

	newCall := func(callSID, from, language string) *voice.Call {
		return voice.NewCall(voice.CallConfig{
			SID:          callSID,
			Language:     language,
			Persona:      cfg.Persona,
			IdleTimeout:  cfg.CallIdleTimeout,
			FailureLimit: cfg.FailureLimit,
			Segmenter:    voice.DefaultSegmenterParams(),
			Registry:     registry,
			Transcriber:  transcriber,
			Synthesizer:  synthesizer,
			Brain:        brain,
			Store:        store,
			Metrics:      metrics,
			OnTransfer: func(sid, cause string) {
				if transfers == nil {
					log.Printf("call %s: transfer requested (%s) but transfers are disabled", sid, cause)
					return
				}
				transferCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.TransferBridgeTimeout)
				defer cancel()
				if err := transfers.Start(transferCtx, sid, cause); err != nil {
					log.Printf("call %s: transfer failed: %v", sid, err)
				}
			},
		})
	}

	api := httpapi.New(cfg, registry, metrics, control, transfers, newCall)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

func cloudProviders(cfg config.Config) (voice.Transcriber, voice.Synthesizer) {
	whisperKey := cfg.WhisperAPIKey
	if whisperKey == "" {
		whisperKey = cfg.OpenAIAPIKey
	}
	transcriber := voice.NewWhisperTranscriber(cfg.WhisperAPIURL, whisperKey, cfg.WhisperModel)
	synthesizer := voice.NewElevenLabsSynthesizer(cfg.ElevenLabsBaseURL, cfg.ElevenLabsAPIKey, cfg.ElevenLabsTTSVoice, cfg.ElevenLabsTTSModel)
	return transcriber, synthesizer
}
