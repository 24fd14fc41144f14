package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/config"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CallSink persists provider call rows
type CallSink interface {
	RecordProviderCall(ctx context.Context, call *models.ProviderCall) error
}

// Pricing holds USD prices per 1000 tokens
type Pricing struct {
	Input     decimal.Decimal
	Output    decimal.Decimal
	Embedding decimal.Decimal
}

var thousand = decimal.NewFromInt(1000)

// PricingFromConfig parses the configured prices; unparsable values count as zero
func PricingFromConfig(cfg *config.ProviderConfig) Pricing {
	parse := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return Pricing{
		Input:     parse(cfg.InputPricePer1K),
		Output:    parse(cfg.OutputPricePer1K),
		Embedding: parse(cfg.EmbeddingPricePer1K),
	}
}

// Cost returns the USD cost of a call's token usage
func (p Pricing) Cost(operation string, usage Usage) decimal.Decimal {
	if operation == OperationEmbed {
		return p.Embedding.Mul(decimal.NewFromInt(int64(usage.PromptTokens))).Div(thousand)
	}
	in := p.Input.Mul(decimal.NewFromInt(int64(usage.PromptTokens)))
	out := p.Output.Mul(decimal.NewFromInt(int64(usage.CompletionTokens)))
	return in.Add(out).Div(thousand)
}

// Recorder writes provider call rows off the request path
type Recorder struct {
	sink    CallSink
	pricing Pricing
	wg      sync.WaitGroup
}

func NewRecorder(sink CallSink, pricing Pricing) *Recorder {
	return &Recorder{sink: sink, pricing: pricing}
}

// Record persists one call asynchronously. Failures are logged and dropped.
func (r *Recorder) Record(agentID *uuid.UUID, operation, providerName, model string, result *Completion, status models.CallStatus, callErr error, latency time.Duration) {
	call := &models.ProviderCall{
		ID:        uuid.New(),
		AgentID:   agentID,
		Operation: operation,
		Provider:  providerName,
		Model:     model,
		LatencyMs: int(latency.Milliseconds()),
		Status:    status,
		CostUSD:   decimal.Zero,
		CreatedAt: time.Now(),
	}
	if result != nil {
		call.InputTokens = result.Usage.PromptTokens
		call.OutputTokens = result.Usage.CompletionTokens
		call.CostUSD = r.pricing.Cost(operation, result.Usage)
	}
	if callErr != nil {
		code := errorType(callErr)
		call.ErrorCode = &code
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sink.RecordProviderCall(ctx, call); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("operation", operation).Msg("Failed to record provider call")
		}
	}()
}

// Wait blocks until pending writes finish
func (r *Recorder) Wait() {
	r.wg.Wait()
}
