package logging

import (
	"io"
	"os"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure time format
	zerolog.TimeFieldFormat = time.RFC3339Nano

	// JSON in production, console otherwise
	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	// Set global logger
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "agentdesk").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		// Process request
		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		// Level follows the response status
		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		// Log request details
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// ProviderCallLogEntry represents a structured log entry for an outbound LLM call
type ProviderCallLogEntry struct {
	AgentID      string
	Operation    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
	Status       string
	Error        string
}

// LogProviderCall logs a completion or embedding call with structured data
func LogProviderCall(entry *ProviderCallLogEntry) {
	event := log.Debug()
	if entry.Status != "success" {
		event = log.Warn()
	}

	event.
		Str("agent_id", entry.AgentID).
		Str("operation", entry.Operation).
		Str("provider", entry.Provider).
		Str("model", entry.Model).
		Int("input_tokens", entry.InputTokens).
		Int("output_tokens", entry.OutputTokens).
		Dur("latency", entry.Latency).
		Str("status", entry.Status).
		Str("error", entry.Error).
		Msg("Provider call")
}

// LogSecurityEvent logs security-related events
func LogSecurityEvent(eventType, agentID, origin, details string) {
	log.Warn().
		Str("event_type", eventType).
		Str("agent_id", agentID).
		Str("origin", origin).
		Str("details", details).
		Msg("Security event")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}

// SanitizeForLog truncates long strings for logging, respecting rune boundaries
func SanitizeForLog(data string, maxLen int) string {
	runes := []rune(data)
	if len(runes) > maxLen {
		return string(runes[:maxLen]) + "...[truncated]"
	}
	return data
}
