package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service errors
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentNotOwned  = errors.New("agent not owned by tenant")
	ErrTenantNotFound = errors.New("tenant not found")
	ErrInvalidDomain  = errors.New("invalid allowed domain")
)

const agentColumns = `id, tenant_id, name, allowed_domains, hmac_secret, website_url,
	training_status, total_chunks, created_at, updated_at`

// Service handles agent and tenant setup
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new agent service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// ListAgentsResponse represents a paginated list of agents
type ListAgentsResponse struct {
	Agents     []models.Agent `json:"agents"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int            `json:"total_pages"`
}

// NormalizeDomains lowercases allow-list entries and reduces URLs to their host.
// Wildcard entries keep their "*." prefix.
func NormalizeDomains(domains []string) ([]string, error) {
	out := make([]string, 0, len(domains))
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if strings.Contains(d, "://") {
			u, err := url.Parse(d)
			if err != nil || u.Hostname() == "" {
				return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, d)
			}
			d = u.Hostname()
		}
		d = strings.TrimSuffix(d, "/")
		host := strings.TrimPrefix(d, "*.")
		if host == "" || strings.ContainsAny(host, " /*") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, d)
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out, nil
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(
		&a.ID, &a.TenantID, &a.Name, &a.AllowedDomains, &a.HMACSecret, &a.WebsiteURL,
		&a.TrainingStatus, &a.TotalChunks, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateTenant creates a tenant with a message allowance; a limit of 0 is unlimited
func (s *Service) CreateTenant(ctx context.Context, name, plan string, messageLimit int64) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx, `
		INSERT INTO tenants (name, plan, message_limit)
		VALUES ($1, $2, $3)
		RETURNING id, name, plan, messages_used, message_limit, period_start, created_at, updated_at
	`, name, plan, messageLimit).Scan(
		&t.ID, &t.Name, &t.Plan, &t.MessagesUsed, &t.MessageLimit,
		&t.PeriodStart, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return &t, nil
}

// Create creates a new agent for a tenant
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, req *models.CreateAgentRequest) (*models.Agent, error) {
	domains, err := NormalizeDomains(req.AllowedDomains)
	if err != nil {
		return nil, err
	}

	a, err := scanAgent(s.db.QueryRow(ctx, `
		INSERT INTO agents (tenant_id, name, allowed_domains, hmac_secret, website_url, training_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+agentColumns,
		tenantID, req.Name, domains, req.HMACSecret, req.WebsiteURL, models.TrainingStatusUntrained,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return a, nil
}

// GetByID retrieves an agent by ID
func (s *Service) GetByID(ctx context.Context, agentID uuid.UUID) (*models.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetByIDForTenant retrieves an agent and verifies it belongs to the tenant
func (s *Service) GetByIDForTenant(ctx context.Context, agentID, tenantID uuid.UUID) (*models.Agent, error) {
	a, err := s.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.TenantID != tenantID {
		return nil, ErrAgentNotOwned
	}
	return a, nil
}

// List retrieves agents for a tenant with pagination
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, page, pageSize int) (*ListAgentsResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM agents WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := []models.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &ListAgentsResponse{
		Agents:     agents,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// SetTrainingStatus moves the agent's knowledge base through untrained/training/trained/error
func (s *Service) SetTrainingStatus(ctx context.Context, agentID uuid.UUID, status models.TrainingStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET training_status = $1, updated_at = NOW() WHERE id = $2
	`, status, agentID)
	if err != nil {
		return fmt.Errorf("failed to update training status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// RefreshTotalChunks recounts the agent's chunks and stores the total
func (s *Service) RefreshTotalChunks(ctx context.Context, agentID uuid.UUID) (int, error) {
	var total int
	err := s.db.QueryRow(ctx, `
		UPDATE agents
		SET total_chunks = (SELECT COUNT(*) FROM chunks WHERE agent_id = $1), updated_at = NOW()
		WHERE id = $1
		RETURNING total_chunks
	`, agentID).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAgentNotFound
		}
		return 0, fmt.Errorf("failed to refresh chunk total: %w", err)
	}
	return total, nil
}

// ListIDs returns every agent id, used by the re-embed scheduler
func (s *Service) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent ids: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
