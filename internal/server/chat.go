package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/aimerfeng/AgentDesk/internal/agent"
	"github.com/aimerfeng/AgentDesk/internal/chat"
	apierrors "github.com/aimerfeng/AgentDesk/internal/errors"
	"github.com/aimerfeng/AgentDesk/internal/middleware"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/quota"
	"github.com/aimerfeng/AgentDesk/internal/security"
	"github.com/gin-gonic/gin"
)

// handleChat answers a widget message
func (s *APIServer) handleChat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	req.Origin = c.GetHeader("Origin")
	if req.Origin == "" {
		req.Origin = c.GetHeader("Referer")
	}

	ctx := c.Request.Context()
	if timeout := s.config.Server.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := s.deps.Chat.Handle(ctx, &req)
	if err != nil {
		apiErr := mapChatError(err)
		var limited *chat.VisitorRateLimitedError
		if errors.As(err, &limited) {
			c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(limited), 10))
		}
		if apiErr.HTTPStatus >= http.StatusInternalServerError {
			s.logger.Error().Err(err).
				Str("request_id", middleware.GetRequestIDFromContext(c)).
				Str("agent_id", req.AgentID).
				Msg("Chat turn failed")
		}
		respondError(c, apiErr)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// mapChatError converts an orchestrator error into the API error returned to the widget
func mapChatError(err error) *apierrors.APIError {
	var rejection *security.Rejection
	var limit *quota.LimitReachedError
	var limited *chat.VisitorRateLimitedError

	switch {
	case errors.Is(err, chat.ErrInvalidRequest):
		return apierrors.NewValidationError(err.Error())
	case errors.Is(err, agent.ErrAgentNotFound):
		return apierrors.ErrAgentNotFoundError
	case errors.As(err, &rejection):
		switch rejection.Reason {
		case security.ReasonSignatureInvalid:
			return apierrors.ErrSignatureInvalidError
		case security.ReasonTimestampExpired:
			return apierrors.ErrTimestampExpiredError
		default:
			return apierrors.ErrDomainRejectedError
		}
	case errors.As(err, &limit):
		return apierrors.NewLimitReachedError(limit.MessagesUsed, limit.MessageLimit, limit.Plan)
	case errors.As(err, &limited):
		return apierrors.NewRateLimitError(retryAfterSeconds(limited))
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.ErrUpstreamTimeoutError
	default:
		return apierrors.ErrInternalServerError
	}
}

func retryAfterSeconds(e *chat.VisitorRateLimitedError) int64 {
	return max(1, int64(math.Ceil(e.RetryAfter.Seconds())))
}
