package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mindgen/adaphone/internal/observability"
	"github.com/mindgen/adaphone/internal/session"
	"github.com/mindgen/adaphone/internal/telephony"
)

// ErrBridgeTimeout means the bridge window closed without a single
// successful status read; the provider side is effectively unreachable and
// the call gets hung up rather than left on hold forever.
var ErrBridgeTimeout = errors.New("operator bridge timeout")

// operatorPhrases are caller utterances that request a human directly,
// checked against the lowercased transcript.
var operatorPhrases = []string{
	"operator",
	"human",
	"real person",
	"speak to someone",
	"medewerker",
	"echt persoon",
	"iemand spreken",
	"doorverbinden",
}

// WantsOperator reports whether a caller utterance asks for a human.
func WantsOperator(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range operatorPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// Config wires the controller to the telephony provider and registry.
type Config struct {
	Calls          telephony.CallControl
	Registry       *session.Registry
	Metrics        *observability.Metrics
	OperatorNumber string
	HoldMusicURL   string
	// NoAnswerURL receives the DialCallStatus callback when the operator
	// does not pick up.
	NoAnswerURL     string
	FallbackNotice  string
	Language        string
	DialTimeoutSecs int
	PollInterval    time.Duration
	BridgeTimeout   time.Duration
}

// Controller hands a live call to the human operator: a short hold clip
// plays, the dial leg rings the operator, and a bounded status poll decides
// what actually happened to the call.
type Controller struct {
	cfg Config
}

func NewController(cfg Config) *Controller {
	if cfg.DialTimeoutSecs <= 0 {
		cfg.DialTimeoutSecs = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BridgeTimeout <= 0 {
		cfg.BridgeTimeout = 45 * time.Second
	}
	if cfg.FallbackNotice == "" {
		cfg.FallbackNotice = "Onze medewerker is helaas niet bereikbaar. Probeert u het later opnieuw."
	}
	return &Controller{cfg: cfg}
}

// NoAnswerTwiML is the response for the dial-status callback: a spoken
// notice and a clean hangup instead of silence.
func (c *Controller) NoAnswerTwiML() string {
	return telephony.HangupTwiML(c.cfg.FallbackNotice, c.cfg.Language)
}

// Start redirects the call onto the hold-and-dial document and watches the
// bridge until it resolves.
func (c *Controller) Start(ctx context.Context, callSID, cause string) error {
	if strings.TrimSpace(c.cfg.OperatorNumber) == "" {
		c.observe("unconfigured")
		return fmt.Errorf("no operator number configured")
	}

	log.Printf("transfer %s: redirecting to operator (%s)", callSID, cause)
	twiml := telephony.TransferTwiML(c.cfg.HoldMusicURL, c.cfg.OperatorNumber, c.cfg.NoAnswerURL, c.cfg.DialTimeoutSecs)
	if err := c.cfg.Calls.Redirect(ctx, callSID, twiml); err != nil {
		c.observe("redirect_failed")
		return fmt.Errorf("redirect call: %w", err)
	}
	if c.cfg.Registry != nil {
		c.cfg.Registry.SetState(callSID, session.StateTransferring)
	}

	outcome, err := c.watchBridge(ctx, callSID)
	switch {
	case err == nil:
		c.observe(outcome)
		log.Printf("transfer %s: %s", callSID, outcome)
	case errors.Is(err, ErrBridgeTimeout):
		c.observe("timeout")
		log.Printf("transfer %s: no status within bridge window, playing notice and hanging up", callSID)
		c.apologizeAndHangup(ctx, callSID)
	case errors.Is(err, context.Canceled):
	default:
		c.observe("failed")
		log.Printf("transfer %s: bridge watch failed: %v", callSID, err)
	}
	return err
}

// watchBridge polls call status until the call reaches a terminal state or
// the bridge window closes. A call still in progress once the dial window
// has passed means the operator picked up.
func (c *Controller) watchBridge(ctx context.Context, callSID string) (string, error) {
	deadline := time.Now().Add(c.cfg.BridgeTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	sawStatus := false
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		status, err := c.cfg.Calls.Status(ctx, callSID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// One flaky poll should not fail the whole transfer.
			log.Printf("transfer %s: status poll failed: %v", callSID, err)
		} else {
			sawStatus = true
			switch status {
			case "completed":
				// Either the bridged conversation finished or the
				// no-answer notice played out.
				return "ended", nil
			case "busy", "no-answer", "failed", "canceled":
				return "ended", nil
			}
		}

		if time.Now().After(deadline) {
			if sawStatus {
				// Past hold clip plus dial timeout and still live: the
				// operator answered and the humans are talking.
				return "bridged", nil
			}
			return "", ErrBridgeTimeout
		}
	}
}

// apologizeAndHangup speaks the fallback notice before the line drops; a
// caller stuck on hold should not simply get cut off. The notice document
// ends in a hangup, so the REST hangup is only the fallback when the
// redirect itself fails.
func (c *Controller) apologizeAndHangup(ctx context.Context, callSID string) {
	twiml := telephony.HangupTwiML(c.cfg.FallbackNotice, c.cfg.Language)
	if err := c.cfg.Calls.Redirect(ctx, callSID, twiml); err != nil {
		log.Printf("transfer %s: fallback notice failed: %v", callSID, err)
		c.hangup(ctx, callSID)
	}
}

func (c *Controller) hangup(ctx context.Context, callSID string) {
	if err := c.cfg.Calls.Hangup(ctx, callSID); err != nil {
		log.Printf("transfer %s: hangup failed: %v", callSID, err)
	}
}

func (c *Controller) observe(outcome string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.TransferEvents.WithLabelValues(outcome).Inc()
	}
}
