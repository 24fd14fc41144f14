// Package prompt turns retrieved knowledge and a visitor message into one grounded assistant turn.
package prompt

import (
	"context"
	"errors"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/provider"
	"github.com/rs/zerolog"
)

// DefaultTemperature keeps replies close to the knowledge base
const DefaultTemperature = 0.4

// Completer is the completion half of the provider client
type Completer interface {
	Complete(ctx context.Context, req provider.CompletionRequest) (*provider.Completion, error)
}

// Input is one turn to answer
type Input struct {
	Context
	History []models.Turn
	Message string
}

type Orchestrator struct {
	completer   Completer
	guard       *Guard
	temperature float64
	maxTokens   int
	maxHistory  int
	logger      zerolog.Logger
}

// Options tune the completion call
type Options struct {
	Temperature float64
	MaxTokens   int
	// MaxHistory bounds how many prior turns are sent, 10 when unset
	MaxHistory int
}

func NewOrchestrator(completer Completer, opts Options) *Orchestrator {
	if opts.Temperature <= 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 10
	}
	return &Orchestrator{
		completer:   completer,
		guard:       NewGuard(),
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		maxHistory:  opts.MaxHistory,
		logger:      logging.NewLogger("prompt"),
	}
}

// Respond asks the model for a reply. Only provider failures are returned as errors; output
// that is not the JSON contract still yields a Reply carrying the raw text.
func (o *Orchestrator) Respond(ctx context.Context, in Input) (*Reply, error) {
	system := SystemPrompt(in.Context)
	history := in.History
	if len(history) > o.maxHistory {
		history = history[len(history)-o.maxHistory:]
	}

	if o.guard.DetectLeakageAttempt(in.Message) {
		o.logger.Warn().Msg("Possible prompt extraction attempt")
	}

	completion, err := o.completer.Complete(ctx, provider.CompletionRequest{
		Messages:    o.guard.Assemble(system, history, in.Message),
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	reply, err := ParseReply(completion.Content)
	if err != nil {
		if !errors.Is(err, ErrParse) {
			return nil, err
		}
		o.logger.Warn().
			Str("raw", logging.SanitizeForLog(completion.Content, 200)).
			Msg("Model reply was not valid JSON, using raw text")
	}

	reply.Text = o.guard.Redact(reply.Text, system)
	if reply.RequestEmail && EmailSeen(in.History, in.Message) {
		reply.RequestEmail = false
	}
	return reply, nil
}
