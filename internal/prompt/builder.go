package prompt

import (
	"fmt"
	"strings"

	"github.com/aimerfeng/AgentDesk/internal/models"
)

// Context is everything the system instruction is built from
type Context struct {
	AgentName string
	Chunks    []models.ScoredChunk
	Session   *models.SessionData
}

const styleRules = `RESPONSE STYLE:
- Be warm, friendly and professional.
- Keep answers to 2-4 sentences unless the visitor asks for detail.
- Ask a clarifying question when the request is vague.
- Use ONLY the knowledge base and page context below. Never make up facts, prices, policies or links.
- If the answer is not in the knowledge base, say so honestly and offer to connect the visitor with the team.`

const classificationRules = `CLASSIFICATION:
- shouldAnalyze "false": greetings, thanks, small talk or trivial questions.
- shouldAnalyze "pending": the visitor has a real issue but has not given enough detail yet.
- shouldAnalyze "true": there is enough context to understand the visitor's issue or request.
- knowledgeGapDetected true only when the visitor asked a specific question the knowledge base cannot answer;
  unansweredQuestion must then restate that question. Greetings and chit-chat are never gaps.
- requestEmail true only when the visitor has an unresolved problem and has not shared an email address yet.`

const outputContract = `OUTPUT:
Respond with one JSON object and nothing else:
{"reply": string, "shouldAnalyze": "false"|"pending"|"true", "analysisReason": string,
 "knowledgeGapDetected": boolean, "unansweredQuestion": string|null, "requestEmail": boolean}`

// SystemPrompt composes the grounded instruction for one turn
func SystemPrompt(c Context) string {
	name := strings.TrimSpace(c.AgentName)
	if name == "" {
		name = "the support assistant"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a customer support assistant for this website.\n\n", name)
	b.WriteString(styleRules)
	b.WriteString("\n\n")
	b.WriteString(classificationRules)
	b.WriteString("\n\n")
	b.WriteString(outputContract)
	b.WriteString("\n\nKNOWLEDGE BASE:\n")
	if kb := KnowledgeContext(c.Chunks); kb != "" {
		b.WriteString(kb)
	} else {
		b.WriteString("(no relevant entries found)")
	}
	if page := pageContext(c.Session); page != "" {
		b.WriteString("\n\n")
		b.WriteString(page)
	}
	return b.String()
}

// KnowledgeContext joins chunk texts in rank order
func KnowledgeContext(chunks []models.ScoredChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if text := strings.TrimSpace(c.Chunk.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func pageContext(s *models.SessionData) string {
	if s == nil {
		return ""
	}
	if p := s.Page; p != nil && (p.URL != "" || p.Title != "" || len(p.Headings) > 0) {
		var b strings.Builder
		b.WriteString("PAGE CONTEXT:")
		if p.URL != "" {
			b.WriteString("\nURL: " + p.URL)
		}
		if p.Title != "" {
			b.WriteString("\nTitle: " + p.Title)
		}
		if len(p.Headings) > 0 {
			b.WriteString("\nHeadings: " + strings.Join(p.Headings, " | "))
		}
		return b.String()
	}
	if s.CurrentPath != "" {
		return fmt.Sprintf("The visitor is currently on the page %s.", s.CurrentPath)
	}
	return ""
}
