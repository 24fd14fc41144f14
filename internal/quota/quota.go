// Package quota enforces per-tenant message limits.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

var ErrTenantNotFound = errors.New("tenant not found")

// LimitReachedError is returned when the tenant has used its plan's messages
type LimitReachedError struct {
	MessagesUsed int64
	MessageLimit int64
	Plan         string
}

func (e *LimitReachedError) Error() string {
	return fmt.Sprintf("message limit reached: %d/%d on plan %s", e.MessagesUsed, e.MessageLimit, e.Plan)
}

// Usage is a tenant's counter for the current period
type Usage struct {
	MessagesUsed int64
	MessageLimit int64
	Plan         string
}

// Exhausted reports whether another message would exceed the limit. A limit of 0 is unlimited.
func (u *Usage) Exhausted() bool {
	return u.MessageLimit > 0 && u.MessagesUsed >= u.MessageLimit
}

// Counter reads and atomically bumps the usage counter
type Counter interface {
	Usage(ctx context.Context, tenantID uuid.UUID) (*Usage, error)
	Increment(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

type Guard struct {
	counter Counter
	logger  zerolog.Logger
}

func NewGuard(counter Counter) *Guard {
	return &Guard{counter: counter, logger: logging.NewLogger("quota")}
}

// Check rejects with *LimitReachedError when the tenant has no messages left
func (g *Guard) Check(ctx context.Context, tenantID uuid.UUID) error {
	u, err := g.counter.Usage(ctx, tenantID)
	if err != nil {
		return err
	}
	if u.Exhausted() {
		monitoring.RecordQuotaRejection()
		return &LimitReachedError{MessagesUsed: u.MessagesUsed, MessageLimit: u.MessageLimit, Plan: u.Plan}
	}
	return nil
}

// Increment counts one delivered reply. Retries of the same request are counted again.
func (g *Guard) Increment(ctx context.Context, tenantID uuid.UUID) error {
	used, err := g.counter.Increment(ctx, tenantID)
	if err != nil {
		return err
	}
	g.logger.Debug().Str("tenant_id", tenantID.String()).Int64("messages_used", used).Msg("Usage incremented")
	return nil
}

// PGCounter keeps the counter on the tenants row
type PGCounter struct {
	db *pgxpool.Pool
}

func NewPGCounter(db *pgxpool.Pool) *PGCounter {
	return &PGCounter{db: db}
}

func (c *PGCounter) Usage(ctx context.Context, tenantID uuid.UUID) (*Usage, error) {
	var u Usage
	err := c.db.QueryRow(ctx, `
		SELECT messages_used, message_limit, plan FROM tenants WHERE id = $1
	`, tenantID).Scan(&u.MessagesUsed, &u.MessageLimit, &u.Plan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	return &u, nil
}

// Increment adds one in a single statement so concurrent turns never lose a count
func (c *PGCounter) Increment(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	var used int64
	err := c.db.QueryRow(ctx, `
		UPDATE tenants SET messages_used = messages_used + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING messages_used
	`, tenantID).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTenantNotFound
		}
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	return used, nil
}

// ResetPeriod zeroes the counter at billing rollover
func (c *PGCounter) ResetPeriod(ctx context.Context, tenantID uuid.UUID) error {
	tag, err := c.db.Exec(ctx, `
		UPDATE tenants SET messages_used = 0, period_start = NOW(), updated_at = NOW() WHERE id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}
