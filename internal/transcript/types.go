package transcript

import (
	"context"
	"time"
)

// TurnRecord is one archived caller or agent turn.
type TurnRecord struct {
	ID        string    `json:"id"`
	CallSID   string    `json:"call_sid"`
	Role      string    `json:"role"` // caller|agent
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	Redacted  bool      `json:"redacted"`
	CreatedAt time.Time `json:"created_at"`
}

// Store archives call transcripts for operators. The pipeline never reads
// from it; a store failure must never affect a live call.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, callSID string, limit int) ([]TurnRecord, error)
	Close() error
}
