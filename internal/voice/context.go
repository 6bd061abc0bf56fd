package voice

import (
	"sync"

	"github.com/mindgen/adaphone/internal/reason"
)

const (
	// defaultMaxExchanges bounds how many caller/assistant exchange pairs
	// stay in the prompt window.
	defaultMaxExchanges = 8
	// defaultMaxContextBytes caps total prompt bytes regardless of turns.
	defaultMaxContextBytes = 16 << 10
)

// Context holds one call's rolling conversation history plus the pinned
// persona instruction. Eviction drops oldest turns first and never touches
// the persona.
type Context struct {
	mu           sync.Mutex
	persona      string
	language     string
	turns        []reason.Message
	maxExchanges int
	maxBytes     int
}

func NewContext(persona, language string) *Context {
	return &Context{
		persona:      persona,
		language:     language,
		maxExchanges: defaultMaxExchanges,
		maxBytes:     defaultMaxContextBytes,
	}
}

func (c *Context) Persona() string  { return c.persona }
func (c *Context) Language() string { return c.language }

func (c *Context) AddUser(text string) {
	c.add(reason.Message{Role: "user", Content: text})
}

func (c *Context) AddAssistant(text string) {
	c.add(reason.Message{Role: "assistant", Content: text})
}

func (c *Context) add(msg reason.Message) {
	if msg.Content == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, msg)
	c.evictLocked()
}

func (c *Context) evictLocked() {
	maxTurns := c.maxExchanges * 2
	for len(c.turns) > maxTurns {
		c.turns = c.turns[1:]
	}
	for len(c.turns) > 1 && c.bytesLocked() > c.maxBytes {
		c.turns = c.turns[1:]
	}
}

func (c *Context) bytesLocked() int {
	total := len(c.persona)
	for _, t := range c.turns {
		total += len(t.Content)
	}
	return total
}

// Messages returns a copy of the history, oldest first.
func (c *Context) Messages() []reason.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]reason.Message, len(c.turns))
	copy(out, c.turns)
	return out
}

// Request builds the reasoning request for the next reply.
func (c *Context) Request(callSID, turnID string) reason.Request {
	return reason.Request{
		CallSID:  callSID,
		TurnID:   turnID,
		Language: c.language,
		System:   c.persona,
		Messages: c.Messages(),
	}
}
