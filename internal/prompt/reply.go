package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aimerfeng/AgentDesk/internal/models"
)

// ErrParse is returned alongside a fallback Reply when the model output is not the JSON contract
var ErrParse = errors.New("model reply is not valid JSON")

// ClarificationReply is used when the model returns JSON without a reply
const ClarificationReply = "I'm sorry, I didn't quite catch that. Could you tell me a bit more about what you need?"

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// Reply is one assistant turn with its classification flags, after defaults are applied
type Reply struct {
	Text                 string
	ShouldAnalyze        models.ShouldAnalyze
	AnalysisReason       string
	KnowledgeGapDetected bool
	UnansweredQuestion   *string
	RequestEmail         bool
	// FailureReason is set when the model output could not be read as the JSON contract
	FailureReason string
}

// Parsed reports whether the reply came from well-formed structured output
func (r *Reply) Parsed() bool {
	return r.FailureReason == ""
}

// flexBool accepts true/false or their string forms
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = flexBool(t)
	case string:
		*b = flexBool(strings.EqualFold(strings.TrimSpace(t), "true"))
	default:
		*b = false
	}
	return nil
}

// flexString accepts a string, a bool or null
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		*s = flexString(t)
	case bool:
		*s = flexString(fmt.Sprint(t))
	default:
		*s = ""
	}
	return nil
}

type replyContract struct {
	Reply                *string    `json:"reply"`
	ShouldAnalyze        flexString `json:"shouldAnalyze"`
	AnalysisReason       flexString `json:"analysisReason"`
	KnowledgeGapDetected flexBool   `json:"knowledgeGapDetected"`
	UnansweredQuestion   *string    `json:"unansweredQuestion"`
	RequestEmail         flexBool   `json:"requestEmail"`
}

// ParseReply reads the model's structured output. A non-nil Reply is always returned;
// when the output is not JSON the raw text becomes the reply and the error wraps ErrParse.
func ParseReply(raw string) (*Reply, error) {
	var c replyContract
	if err := decodeJSONObject(raw, &c); err != nil {
		text := strings.TrimSpace(raw)
		if text == "" {
			text = ClarificationReply
		}
		return &Reply{
			Text:          text,
			ShouldAnalyze: models.ShouldAnalyzeFalse,
			FailureReason: "reply was not valid JSON",
		}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	r := &Reply{
		Text:                 ClarificationReply,
		ShouldAnalyze:        models.ParseShouldAnalyze(string(c.ShouldAnalyze)),
		AnalysisReason:       strings.TrimSpace(string(c.AnalysisReason)),
		KnowledgeGapDetected: bool(c.KnowledgeGapDetected),
		RequestEmail:         bool(c.RequestEmail),
	}
	if c.Reply != nil && strings.TrimSpace(*c.Reply) != "" {
		r.Text = strings.TrimSpace(*c.Reply)
	}
	if c.UnansweredQuestion != nil {
		if q := strings.TrimSpace(*c.UnansweredQuestion); q != "" && !strings.EqualFold(q, "null") {
			r.UnansweredQuestion = &q
		}
	}
	// A gap without a concrete question cannot be classified
	if r.UnansweredQuestion == nil {
		r.KnowledgeGapDetected = false
	}
	return r, nil
}

// decodeJSONObject tolerates markdown code fences and prose around the object
func decodeJSONObject(raw string, out any) error {
	text := stripCodeFence(strings.TrimSpace(raw))
	err := json.Unmarshal([]byte(text), out)
	if err == nil {
		return nil
	}
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return err
	}
	return json.Unmarshal([]byte(text[start:end+1]), out)
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// DecodeJSON is the fence-tolerant decoder shared by the other model contracts
func DecodeJSON(raw string, out any) error {
	if err := decodeJSONObject(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// EmailSeen reports whether an email address appears in the message or any prior user turn
func EmailSeen(history []models.Turn, message string) bool {
	if emailPattern.MatchString(message) {
		return true
	}
	for _, t := range history {
		if t.Role == models.RoleUser && emailPattern.MatchString(t.Content) {
			return true
		}
	}
	return false
}
