package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the call session's turn-taking state, mirrored here so the
// status surface can report it without reaching into the pipeline.
type State string

const (
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateReasoning    State = "reasoning"
	StateSpeaking     State = "speaking"
	StateTransferring State = "transferring"
	StateEnded        State = "ended"
)

var (
	ErrNotFound = errors.New("call not found")
	// ErrDuplicateCall means the provider sent a call SID that is already
	// live. Providers never reuse SIDs for live calls, so this is a protocol
	// violation worth logging, not retrying.
	ErrDuplicateCall = errors.New("duplicate call sid")
	// ErrCapacityExceeded means admission control rejected the call; the
	// webhook layer answers with a busy signal.
	ErrCapacityExceeded = errors.New("call capacity exceeded")
)

// Call is the registry's view of one live call.
type Call struct {
	SID            string    `json:"call_sid"`
	From           string    `json:"from"`
	Language       string    `json:"language"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	InboundFrames  uint64    `json:"inbound_frames"`
	OutboundFrames uint64    `json:"outbound_frames"`
	Interruptions  int       `json:"interruptions"`
}

// Registry is the process-wide table of live calls. It is the only state
// shared across call goroutines; every operation is O(1) under one mutex.
type Registry struct {
	mu          sync.RWMutex
	calls       map[string]*Call
	capacity    int
	idleTimeout time.Duration
	onExpire    func(*Call)
}

func NewRegistry(capacity int, idleTimeout time.Duration) *Registry {
	if capacity <= 0 {
		capacity = 32
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Registry{
		calls:       make(map[string]*Call),
		capacity:    capacity,
		idleTimeout: idleTimeout,
	}
}

// SetExpireHook installs a callback fired after the janitor ends an idle
// call. The hook runs outside the registry lock.
func (r *Registry) SetExpireHook(hook func(*Call)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Create admits a new call. Fails with ErrDuplicateCall for a live SID and
// ErrCapacityExceeded once the admission limit is reached.
func (r *Registry) Create(callSID, from, language string) (*Call, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[callSID]; exists {
		return nil, ErrDuplicateCall
	}
	if len(r.calls) >= r.capacity {
		return nil, ErrCapacityExceeded
	}

	c := &Call{
		SID:            callSID,
		From:           from,
		Language:       language,
		State:          StateListening,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.calls[callSID] = c
	return clone(c), nil
}

func (r *Registry) Get(callSID string) (*Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[callSID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// Remove drops the call from the table. Creating the same SID again after
// Remove succeeds.
func (r *Registry) Remove(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callSID)
}

func (r *Registry) Touch(callSID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (r *Registry) SetState(callSID string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callSID]
	if !ok {
		return ErrNotFound
	}
	c.State = state
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordFrames advances the inbound/outbound frame sequence counters.
func (r *Registry) RecordFrames(callSID string, inbound, outbound uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[callSID]; ok {
		c.InboundFrames += inbound
		c.OutboundFrames += outbound
		c.LastActivityAt = time.Now().UTC()
	}
}

// RecordInterruption counts one barge-in for the call.
func (r *Registry) RecordInterruption(callSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[callSID]; ok {
		c.Interruptions++
		c.LastActivityAt = time.Now().UTC()
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, c := range r.calls {
		if c.State != StateEnded {
			count++
		}
	}
	return count
}

// ActiveSIDs lists live call SIDs for the status surface.
func (r *Registry) ActiveSIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sids := make([]string, 0, len(r.calls))
	for sid, c := range r.calls {
		if c.State != StateEnded {
			sids = append(sids, sid)
		}
	}
	return sids
}

// StartJanitor periodically ends calls with no activity past the idle
// timeout. It is the backstop behind the per-call idle timer.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle()
			}
		}
	}()
}

func (r *Registry) expireIdle() {
	now := time.Now().UTC()
	var expired []*Call

	r.mu.Lock()
	for sid, c := range r.calls {
		if c.State == StateEnded {
			delete(r.calls, sid)
			continue
		}
		if now.Sub(c.LastActivityAt) < r.idleTimeout {
			continue
		}
		c.State = StateEnded
		c.LastActivityAt = now
		expired = append(expired, clone(c))
		delete(r.calls, sid)
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Call) *Call {
	cp := *c
	return &cp
}
