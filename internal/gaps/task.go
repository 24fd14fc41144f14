package gaps

import (
	"context"

	"github.com/aimerfeng/AgentDesk/internal/tasks"
)

// TaskHandler classifies the question carried by a knowledge_gap task
func (c *Classifier) TaskHandler() tasks.Handler {
	return func(ctx context.Context, t tasks.Task) error {
		var p tasks.GapPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		result, err := c.Classify(ctx, t.AgentID, p.Question, p.Original)
		if err != nil {
			return err
		}
		c.logger.Info().
			Str("agent_id", t.AgentID.String()).
			Str("gap_id", result.GapID.String()).
			Bool("matched", result.Matched).
			Int64("count", result.Count).
			Msg("Knowledge gap recorded")
		return nil
	}
}
