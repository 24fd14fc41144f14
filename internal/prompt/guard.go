package prompt

import (
	"regexp"
	"strings"

	"github.com/aimerfeng/AgentDesk/internal/models"
	"github.com/aimerfeng/AgentDesk/internal/provider"
)

const redacted = "[REDACTED]"

var leakageIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)my system prompt is`),
	regexp.MustCompile(`(?i)my instructions are`),
	regexp.MustCompile(`(?i)my initial prompt`),
	regexp.MustCompile(`(?i)my original instructions`),
}

// Guard keeps the assembled system prompt out of visitor control and out of replies
type Guard struct {
	// Patterns that might indicate prompt extraction attempts
	leakagePatterns []*regexp.Regexp
}

func NewGuard() *Guard {
	return &Guard{
		leakagePatterns: compileLeakagePatterns(),
	}
}

func compileLeakagePatterns() []*regexp.Regexp {
	patterns := []string{
		`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?)`,
		`(?i)what\s+(is|are)\s+(your|the)\s+(system\s+)?prompt`,
		`(?i)(reveal|show|print|output|tell\s+me)\s+(me\s+)?(your|the)\s+(system\s+)?prompt`,
		`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)`,
		`(?i)what\s+were\s+you\s+told`,
		`(?i)what\s+are\s+your\s+instructions`,
		`(?i)(disregard|forget)\s+(all\s+)?(previous|prior)\s+`,
		`(?i)(dump|list)\s+(your|the)\s+knowledge\s+base`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}

// Assemble puts the system prompt first, then prior turns in order, then the new user turn.
// Turns claiming any role other than user or assistant are dropped so the widget cannot
// smuggle in its own instructions.
func (g *Guard) Assemble(systemPrompt string, history []models.Turn, message string) []provider.Message {
	result := make([]provider.Message, 0, len(history)+2)
	result = append(result, provider.Message{Role: "system", Content: systemPrompt})

	for _, turn := range history {
		if turn.Role != models.RoleUser && turn.Role != models.RoleAssistant {
			continue
		}
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		result = append(result, provider.Message{Role: string(turn.Role), Content: turn.Content})
	}

	return append(result, provider.Message{Role: string(models.RoleUser), Content: message})
}

// DetectLeakageAttempt checks if a message appears to be attempting to extract the system prompt
func (g *Guard) DetectLeakageAttempt(content string) bool {
	for _, pattern := range g.leakagePatterns {
		if pattern.MatchString(content) {
			return true
		}
	}
	return false
}

// Redact removes the system prompt, or its opening, from a model reply
func (g *Guard) Redact(content, systemPrompt string) string {
	if content == "" || systemPrompt == "" {
		return content
	}

	if strings.Contains(content, systemPrompt) {
		content = strings.ReplaceAll(content, systemPrompt, redacted)
	}

	if len(systemPrompt) > 50 {
		prefix := systemPrompt[:50]
		if strings.Contains(content, prefix) {
			content = strings.ReplaceAll(content, prefix, redacted)
		}
	}

	for _, indicator := range leakageIndicators {
		loc := indicator.FindStringIndex(content)
		if loc == nil {
			continue
		}
		// Redact to the end of the sentence, at most 200 bytes past the indicator
		endIdx := min(loc[1]+200, len(content))
		for j := loc[1]; j < endIdx; j++ {
			if content[j] == '.' || content[j] == '\n' {
				endIdx = j + 1
				break
			}
		}
		content = content[:loc[0]] + redacted + content[endIdx:]
	}

	return content
}
