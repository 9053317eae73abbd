package xapi

import (
	"net/url"
	"strings"
)

// NewAgent builds a mailto-identified agent.
func NewAgent(email, name string) Agent {
	if strings.TrimSpace(name) == "" {
		name = "User"
	}
	return Agent{
		ObjectType: "Agent",
		Name:       name,
		Mbox:       "mailto:" + strings.TrimPrefix(strings.TrimSpace(email), "mailto:"),
	}
}

// NewActivity builds an activity object with a bilingual name.
func NewActivity(id, typeIRI, name, description string) Activity {
	def := &ActivityDefinition{
		Type: typeIRI,
		Name: LanguageMap{"id": name, "en": name},
	}
	if description != "" {
		def.Description = LanguageMap{"id": description, "en": description}
	}
	return Activity{ID: id, ObjectType: "Activity", Definition: def}
}

// ResultOptions feeds NewResult. Score is on a 0-100 scale.
type ResultOptions struct {
	Score      *float64
	Success    *bool
	Completion *bool
	Duration   string
	Response   string
}

func NewResult(opts ResultOptions) *Result {
	r := &Result{
		Success:    opts.Success,
		Completion: opts.Completion,
		Duration:   opts.Duration,
		Response:   opts.Response,
	}
	if opts.Score != nil {
		raw := *opts.Score
		scaled := raw / 100
		r.Score = &Score{Raw: &raw, Scaled: &scaled, Min: Float(0), Max: Float(100)}
	}
	return r
}

// ObjectIRI joins path segments onto a platform base IRI, escaping each segment.
func ObjectIRI(base string, parts ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// IdempotencyKey builds the deterministic outbox key for one logical event,
// e.g. IdempotencyKey("lesson_complete", user, lesson) => "lesson_complete:<user>:<lesson>".
func IdempotencyKey(action, userID, entityID string, disambiguators ...string) string {
	parts := make([]string, 0, 3+len(disambiguators))
	parts = append(parts, action, userID, entityID)
	for _, d := range disambiguators {
		if d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, ":")
}

func Float(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }
