// Package security authorizes widget requests by origin and signature.
package security

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/logging"
	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultReplayWindow bounds how far a signed timestamp may drift from server time
const DefaultReplayWindow = 5 * time.Minute

// alertMessageLen caps the offending message stored with an alert
const alertMessageLen = 200

// Reason is the code a rejected request is reported with
type Reason string

const (
	ReasonDomainRejected   Reason = "domain_rejected"
	ReasonSignatureInvalid Reason = "signature_invalid"
	ReasonTimestampExpired Reason = "timestamp_expired"
)

// Rejection is returned for a request the gate refuses
type Rejection struct {
	Reason Reason
}

func (r *Rejection) Error() string {
	return "request rejected: " + string(r.Reason)
}

// AlertRecorder stores security alerts
type AlertRecorder interface {
	RecordSecurityAlert(ctx context.Context, alert *models.SecurityAlert) error
}

// Request is the part of a chat request the gate inspects
type Request struct {
	Origin    string
	Message   string
	HMAC      string
	Timestamp int64
}

type Gate struct {
	alerts AlertRecorder
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func NewGate(alerts AlertRecorder, window time.Duration, opts ...Option) *Gate {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	g := &Gate{
		alerts: alerts,
		window: window,
		now:    time.Now,
		logger: logging.NewLogger("security"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize checks the origin against the agent's allow-list, then the signature when the
// agent has a secret and the request carries one. A valid signature on a timestamp outside
// the replay window is still rejected.
func (g *Gate) Authorize(ctx context.Context, agent *models.Agent, req Request) error {
	if !OriginAllowed(req.Origin, agent.AllowedDomains) {
		return g.reject(ctx, agent.ID, ReasonDomainRejected, models.AlertDomainRejected, req)
	}

	secret := agent.Secret()
	if secret == "" || req.HMAC == "" {
		return nil
	}

	if !VerifySignature(secret, agent.ID, req.Message, req.Timestamp, req.HMAC) {
		return g.reject(ctx, agent.ID, ReasonSignatureInvalid, models.AlertSignatureInvalid, req)
	}

	signedAt := time.UnixMilli(req.Timestamp)
	if drift := g.now().Sub(signedAt).Abs(); drift > g.window {
		return g.reject(ctx, agent.ID, ReasonTimestampExpired, models.AlertTimestampExpired, req)
	}
	return nil
}

func (g *Gate) reject(ctx context.Context, agentID uuid.UUID, reason Reason, alertType models.SecurityAlertType, req Request) error {
	monitoring.RecordSecurityRejection(string(reason))
	logging.LogSecurityEvent(string(reason), agentID.String(), req.Origin, fmt.Sprintf("timestamp=%d", req.Timestamp))

	if g.alerts != nil {
		alert := &models.SecurityAlert{
			AgentID: agentID,
			Type:    alertType,
			Origin:  req.Origin,
			Message: logging.SanitizeForLog(req.Message, alertMessageLen),
		}
		if err := g.alerts.RecordSecurityAlert(ctx, alert); err != nil {
			g.logger.Error().Err(err).Str("agent_id", agentID.String()).Msg("Failed to record security alert")
		}
	}
	return &Rejection{Reason: reason}
}

// SigningPayload is the string the widget signs
func SigningPayload(agentID uuid.UUID, message string, timestamp int64) string {
	return agentID.String() + ":" + message + ":" + strconv.FormatInt(timestamp, 10)
}

// Sign returns the hex HMAC-SHA256 of the signing payload
func Sign(secret string, agentID uuid.UUID, message string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(SigningPayload(agentID, message, timestamp)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the supplied hex signature in constant time
func VerifySignature(secret string, agentID uuid.UUID, message string, timestamp int64, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(SigningPayload(agentID, message, timestamp)))
	return hmac.Equal(got, mac.Sum(nil))
}

// OriginAllowed reports whether the origin's host is on the allow-list. An empty list allows
// every origin. A "*.example.com" entry matches example.com and all of its subdomains.
func OriginAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host := originHost(origin)
	if host == "" {
		return false
	}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if base, ok := strings.CutPrefix(entry, "*."); ok {
			if host == base || strings.HasSuffix(host, "."+base) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func originHost(origin string) string {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" || origin == "null" {
		return ""
	}
	if !strings.Contains(origin, "://") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(u.Hostname(), ".")
}
