package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/agent"
	"github.com/aimerfeng/AgentDesk/internal/config"
	apierrors "github.com/aimerfeng/AgentDesk/internal/errors"
	"github.com/aimerfeng/AgentDesk/internal/knowledge"
	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/middleware"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const chatPath = "/api/v1/chat"

// ChatHandler answers one widget message
type ChatHandler interface {
	Handle(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error)
}

// AgentService manages a tenant's agents
type AgentService interface {
	Create(ctx context.Context, tenantID uuid.UUID, req *models.CreateAgentRequest) (*models.Agent, error)
	GetByIDForTenant(ctx context.Context, agentID, tenantID uuid.UUID) (*models.Agent, error)
	List(ctx context.Context, tenantID uuid.UUID, page, pageSize int) (*agent.ListAgentsResponse, error)
}

// Ingestor turns uploaded documents into embedded chunks
type Ingestor interface {
	Ingest(ctx context.Context, agentID uuid.UUID, up knowledge.Upload) (*knowledge.IngestResult, error)
	ReembedMissing(ctx context.Context, agentID uuid.UUID) (*knowledge.ReembedResult, error)
}

// GapService lists and fills knowledge gaps
type GapService interface {
	List(ctx context.Context, agentID uuid.UUID, includeFilled bool) ([]models.KnowledgeGap, error)
	Fill(ctx context.Context, agentID, gapID uuid.UUID, answer string) (*models.KnowledgeGap, error)
}

type AlertLister interface {
	ListSecurityAlerts(ctx context.Context, agentID uuid.UUID, limit int) ([]models.SecurityAlert, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies are the services behind the HTTP surface
type Dependencies struct {
	Chat     ChatHandler
	Agents   AgentService
	Ingestor Ingestor
	Gaps     GapService
	Alerts   AlertLister
	Health   map[string]HealthCheck
}

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	deps             Dependencies
	jwtAuthenticator *middleware.JWTAuthenticator
	logger           zerolog.Logger
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, deps Dependencies) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(cors(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		deps:             deps,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
		logger:           logging.NewLogger("server"),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// Widget chat (public, authorized per agent)
		v1.POST("/chat", s.handleChat)

		// Operator routes (protected)
		agents := v1.Group("/agents")
		agents.Use(s.jwtAuthenticator.JWTAuth())
		{
			agents.GET("", s.handleListAgents)
			agents.POST("", middleware.RequireEditor(), s.handleCreateAgent)
			agents.GET("/:id", s.handleGetAgent)
			agents.POST("/:id/documents", middleware.RequireEditor(), s.handleUploadDocument)
			agents.POST("/:id/reembed", middleware.RequireEditor(), s.handleReembed)
			agents.GET("/:id/gaps", s.handleListGaps)
			agents.POST("/:id/gaps/:gapId/fill", middleware.RequireEditor(), s.handleFillGap)
			agents.GET("/:id/alerts", s.handleListAlerts)
		}
	}
}

// cors applies the widget policy to the chat endpoint and the dashboard policy elsewhere
func cors(allowedOrigins []string) gin.HandlerFunc {
	widget := middleware.WidgetCORS()
	operator := middleware.CORS(allowedOrigins)
	return func(c *gin.Context) {
		if c.Request.URL.Path == chatPath {
			widget(c)
			return
		}
		operator(c)
	}
}

// healthCheck reports healthy only when every registered dependency answers
func (s *APIServer) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Health))
	status, code := "healthy", http.StatusOK
	for name, check := range s.deps.Health {
		if err := check(ctx); err != nil {
			s.logger.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			checks[name] = "unhealthy"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	c.JSON(code, gin.H{
		"status":  status,
		"service": s.config.Server.Name,
		"checks":  checks,
	})
}

// respondError writes the standard error envelope
func respondError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.NewErrorResponse(
		err,
		middleware.GetRequestIDFromContext(c),
		middleware.GetCorrelationIDFromContext(c),
		c.Request.URL.Path,
		c.Request.Method,
	))
}
