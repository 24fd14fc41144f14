package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/aimerfeng/AgentDesk/internal/agent"
	apierrors "github.com/aimerfeng/AgentDesk/internal/errors"
	"github.com/aimerfeng/AgentDesk/internal/gaps"
	"github.com/aimerfeng/AgentDesk/internal/knowledge"
	"github.com/aimerfeng/AgentDesk/internal/middleware"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// multipart framing allowed on top of the file itself
const uploadOverhead = 1 << 20

func (s *APIServer) handleListAgents(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	resp, err := s.deps.Agents.List(c.Request.Context(), middleware.GetTenantIDFromContext(c), page, pageSize)
	if err != nil {
		s.internalError(c, err, "Failed to list agents")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleCreateAgent(c *gin.Context) {
	var req models.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	a, err := s.deps.Agents.Create(c.Request.Context(), middleware.GetTenantIDFromContext(c), &req)
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrInvalidDomain):
			respondError(c, apierrors.NewValidationError(err.Error()))
		case errors.Is(err, agent.ErrTenantNotFound):
			respondError(c, apierrors.NewInvalidRequestError("Tenant does not exist"))
		default:
			s.internalError(c, err, "Failed to create agent")
		}
		return
	}

	c.JSON(http.StatusCreated, a)
}

func (s *APIServer) handleGetAgent(c *gin.Context) {
	a, ok := s.ownedAgent(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a)
}

// handleUploadDocument ingests one multipart "file" into the agent's knowledge base
func (s *APIServer) handleUploadDocument(c *gin.Context) {
	a, ok := s.ownedAgent(c)
	if !ok {
		return
	}

	maxBytes := s.config.Knowledge.MaxUploadBytes
	if maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+uploadOverhead)
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, apierrors.ErrPayloadTooLargeError)
			return
		}
		respondError(c, apierrors.NewInvalidRequestError("Multipart field \"file\" is required"))
		return
	}
	if maxBytes > 0 && header.Size > maxBytes {
		respondError(c, apierrors.ErrPayloadTooLargeError)
		return
	}

	f, err := header.Open()
	if err != nil {
		s.internalError(c, err, "Failed to open upload")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.internalError(c, err, "Failed to read upload")
		return
	}

	result, err := s.deps.Ingestor.Ingest(c.Request.Context(), a.ID, knowledge.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		switch {
		case errors.Is(err, knowledge.ErrEmptyDocument), errors.Is(err, knowledge.ErrUnsupportedContent):
			respondError(c, apierrors.NewInvalidRequestError(err.Error()))
		default:
			s.internalError(c, err, "Failed to ingest document")
		}
		return
	}

	c.JSON(http.StatusCreated, result)
}

func (s *APIServer) handleReembed(c *gin.Context) {
	a, ok := s.ownedAgent(c)
	if !ok {
		return
	}

	result, err := s.deps.Ingestor.ReembedMissing(c.Request.Context(), a.ID)
	if err != nil {
		s.internalError(c, err, "Failed to re-embed chunks")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *APIServer) handleListGaps(c *gin.Context) {
	a, ok := s.ownedAgent(c)
	if !ok {
		return
	}

	includeFilled, _ := strconv.ParseBool(c.DefaultQuery("include_filled", "false"))
	list, err := s.deps.Gaps.List(c.Request.Context(), a.ID, includeFilled)
	if err != nil {
		s.internalError(c, err, "Failed to list knowledge gaps")
		return
	}
	if list == nil {
		list = []models.KnowledgeGap{}
	}
	c.JSON(http.StatusOK, gin.H{"gaps": list})
}

// handleFillGap answers a gap, which adds the answer as a retrievable chunk
func (s *APIServer) handleFillGap(c *gin.Context) {
	a, ok := s.ownedAgent(c)
	if !ok {
		return
	}

	gapID, err := uuid.Parse(c.Param("gapId"))
	if err != nil {
		respondError(c, apierrors.ErrGapNotFoundError)
		return
	}

	var req models.FillGapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	gap, err := s.deps.Gaps.Fill(c.Request.Context(), a.ID, gapID, req.Answer)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrGapNotFound):
			respondError(c, apierrors.ErrGapNotFoundError)
		case errors.Is(err, gaps.ErrEmptyAnswer):
			respondError(c, apierrors.NewValidationError("answer must not be blank"))
		case errors.Is(err, gaps.ErrAlreadyFilled):
			respondError(c, apierrors.NewInvalidRequestError("Knowledge gap is already filled"))
		default:
			s.internalError(c, err, "Failed to fill knowledge gap")
		}
		return
	}

	c.JSON(http.StatusOK, gap)
}

func (s *APIServer) handleListAlerts(c *gin.Context) {
	a, ok := s.ownedAgent(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	alerts, err := s.deps.Alerts.ListSecurityAlerts(c.Request.Context(), a.ID, limit)
	if err != nil {
		s.internalError(c, err, "Failed to list security alerts")
		return
	}
	if alerts == nil {
		alerts = []models.SecurityAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// ownedAgent loads the :id agent for the caller's tenant. Agents of other tenants read as missing.
func (s *APIServer) ownedAgent(c *gin.Context) (*models.Agent, bool) {
	agentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrAgentNotFoundError)
		return nil, false
	}

	a, err := s.deps.Agents.GetByIDForTenant(c.Request.Context(), agentID, middleware.GetTenantIDFromContext(c))
	if err != nil {
		if errors.Is(err, agent.ErrAgentNotFound) || errors.Is(err, agent.ErrAgentNotOwned) {
			respondError(c, apierrors.ErrAgentNotFoundError)
			return nil, false
		}
		s.internalError(c, err, "Failed to load agent")
		return nil, false
	}
	return a, true
}

func (s *APIServer) internalError(c *gin.Context, err error, msg string) {
	s.logger.Error().Err(err).
		Str("request_id", middleware.GetRequestIDFromContext(c)).
		Str("path", c.Request.URL.Path).
		Msg(msg)
	respondError(c, apierrors.ErrInternalServerError)
}
