package voice

import (
	"strings"
	"testing"
)

func TestContextKeepsOrderAndPersona(t *testing.T) {
	c := NewContext("You are a receptionist.", "nl")
	c.AddUser("hallo")
	c.AddAssistant("goedemiddag")
	c.AddUser("zijn jullie open?")

	req := c.Request("CA1", "turn-1")
	if req.System != "You are a receptionist." {
		t.Fatalf("System = %q", req.System)
	}
	if req.Language != "nl" {
		t.Fatalf("Language = %q", req.Language)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(req.Messages))
	}
	if req.Messages[0].Content != "hallo" || req.Messages[2].Content != "zijn jullie open?" {
		t.Fatalf("messages out of order: %+v", req.Messages)
	}
}

func TestContextEvictsOldestExchanges(t *testing.T) {
	c := NewContext("persona", "nl")
	for i := 0; i < 20; i++ {
		c.AddUser("question")
		c.AddAssistant("answer")
	}

	msgs := c.Messages()
	if len(msgs) != defaultMaxExchanges*2 {
		t.Fatalf("len(Messages) = %d, want %d", len(msgs), defaultMaxExchanges*2)
	}
	if c.Persona() != "persona" {
		t.Fatal("persona must survive eviction")
	}
}

func TestContextEvictsOnByteBudget(t *testing.T) {
	c := NewContext("persona", "nl")
	big := strings.Repeat("x", 10<<10)
	c.AddUser(big)
	c.AddAssistant(big)
	c.AddUser("latest")

	msgs := c.Messages()
	if len(msgs) == 0 {
		t.Fatal("context should never evict everything")
	}
	if msgs[len(msgs)-1].Content != "latest" {
		t.Fatalf("newest turn must survive, got %q", msgs[len(msgs)-1].Content)
	}
}
