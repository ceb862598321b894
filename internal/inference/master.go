// Package inference drives dialog turns over a Session and streams the
// decoded tokens.
package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/strand/internal/chat"
	"github.com/samcharles93/strand/internal/logger"
	"github.com/samcharles93/strand/internal/model"
)

// Options configures a Master.
type Options struct {
	// Prompt is the first user message, echoed by Generate.
	Prompt       string
	SystemPrompt string
	// SampleLen caps the tokens sampled per turn.
	SampleLen int
	Logger    logger.Logger
}

// Master runs dialog turns. Replies are kept in the history so later turns
// see the whole conversation.
type Master struct {
	session Session
	opts    Options
	log     logger.Logger
	started bool
}

// New returns a Master over session.
func New(session Session, opts Options) *Master {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Master{session: session, opts: opts, log: log}
}

// Generate runs the first turn with the configured prompt. The prompt itself
// is streamed before the reply.
func (m *Master) Generate(ctx context.Context, stream StreamFunc) (Stats, error) {
	if stream == nil {
		stream = func(string) {}
	}
	stream(m.opts.Prompt)
	return m.Ask(ctx, m.opts.Prompt, stream)
}

// Ask appends prompt as a user message and generates the reply. A failed
// turn removes the prompt again.
func (m *Master) Ask(ctx context.Context, prompt string, stream StreamFunc) (Stats, error) {
	if stream == nil {
		stream = func(string) {}
	}
	if !m.started {
		if err := safeReset(m.session); err != nil {
			return Stats{}, err
		}
		if m.opts.SystemPrompt != "" {
			m.session.AddMessage(chat.NewSystem(m.opts.SystemPrompt))
		}
		m.started = true
	}
	m.session.NewTurn()
	m.session.AddMessage(chat.NewUser(prompt))

	var reply strings.Builder
	stats, err := m.run(ctx, func(text string) {
		reply.WriteString(text)
		stream(text)
	})
	if err != nil {
		// The reply never made it into the history, so neither does the prompt.
		m.session.PopMessage()
		return stats, err
	}
	m.session.AddMessage(chat.NewAssistant(SanitizeAssistantForContext(reply.String())))
	return stats, nil
}

// Reset forgets the conversation.
func (m *Master) Reset() error {
	m.started = false
	return safeReset(m.session)
}

func (m *Master) run(ctx context.Context, emit StreamFunc) (Stats, error) {
	var stats Stats
	start := time.Now()
	for index := 0; index < m.opts.SampleLen; index++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if index == 1 {
			stats.PromptPrefill = time.Since(start)
			start = time.Now()
		}

		tok, err := safeNextToken(ctx, m.session, index)
		if err != nil {
			return stats, fmt.Errorf("token %d: %w", index, err)
		}
		if tok.IsEndOfStream {
			m.log.Debug("end of stream", "token", tok.ID, "index", index)
			break
		}
		emit(tok.String())
	}
	emit("")

	stats.TokensGenerated = m.session.GeneratedTokens()
	stats.Duration = time.Since(start)
	if stats.TokensGenerated > 1 && stats.Duration > 0 {
		stats.TPS = float64(stats.TokensGenerated-1) / stats.Duration.Seconds()
	}
	m.log.Debug("turn complete",
		"tokens", stats.TokensGenerated,
		"prefill", stats.PromptPrefill,
		"duration", stats.Duration,
		"tps", fmt.Sprintf("%.2f", stats.TPS),
	)
	return stats, nil
}

func safeReset(s Session) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Reset: %v", rec)
		}
	}()
	s.Reset()
	return nil
}

func safeNextToken(ctx context.Context, s Session, index int) (tok model.Token, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in NextToken: %v", rec)
		}
	}()
	return s.NextToken(ctx, index)
}
