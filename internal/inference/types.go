package inference

import (
	"context"
	"time"

	"github.com/samcharles93/strand/internal/chat"
	"github.com/samcharles93/strand/internal/model"
)

// StreamFunc receives generated text as it is produced. An empty string
// marks the end of a turn.
type StreamFunc func(token string)

// Session is the model-side state machine driven by a Master.
// *model.Llama implements it.
type Session interface {
	AddMessage(m chat.Message)
	PopMessage() (chat.Message, bool)
	Reset()
	NewTurn()
	NextToken(ctx context.Context, index int) (model.Token, error)
	GeneratedTokens() int
}

// Stats summarizes one turn. Duration and TPS exclude the first token, which
// pays for the prompt prefill.
type Stats struct {
	PromptPrefill   time.Duration
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}
