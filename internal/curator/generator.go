// Package curator generates course metadata and placeholder assessments for
// auto-curated personal courses.
package curator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"activity-pipeline/internal/catalog"
	"activity-pipeline/internal/logger"
)

const (
	// minTranscriptChars is the least source material worth summarising.
	minTranscriptChars = 200
	maxTranscriptChars = 5000
)

var ErrEmptyCompletion = errors.New("model returned no usable content")

type Catalog interface {
	CourseSummarySource(ctx context.Context, courseID string) (catalog.CourseSummary, error)
	UpdateCourseInfo(ctx context.Context, courseID, shortDesc, description string) error
	CreatePlaceholderQuizzes(ctx context.Context, courseID string) (int, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

type Generator struct {
	client  *openai.Client
	model   string
	catalog Catalog
	log     *logger.Logger
}

func NewGenerator(cfg Config, cat Catalog, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Generator{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		catalog: cat,
		log:     log.With("service", "AICurator"),
	}
}

type courseInfo struct {
	ShortDesc   string `json:"shortDesc"`
	Description string `json:"description"`
}

// GenerateCourseInfo fills in the short and long description from lesson
// transcripts. Courses that already have a short description, or have too
// little transcript text, are left alone.
func (g *Generator) GenerateCourseInfo(ctx context.Context, courseID string) error {
	src, err := g.catalog.CourseSummarySource(ctx, courseID)
	if err != nil {
		return fmt.Errorf("load course: %w", err)
	}
	if src.ShortDesc != nil && strings.TrimSpace(*src.ShortDesc) != "" {
		g.log.Debug("course already described", "course_id", courseID)
		return nil
	}

	transcript := truncate(strings.Join(src.Transcripts, "\n\n"), maxTranscriptChars)
	if len([]rune(transcript)) < minTranscriptChars {
		g.log.Debug("not enough transcript text", "course_id", courseID, "chars", len([]rune(transcript)))
		return nil
	}

	prompt := fmt.Sprintf("Based on these transcripts, generate a professional description and short summary for a course titled %q.\n"+
		"Return ONLY JSON with \"shortDesc\" (max 160 chars) and \"description\" (max 500 words).\n\n%s", src.Title, transcript)

	text, err := g.complete(ctx, prompt)
	if err != nil {
		return err
	}
	var info courseInfo
	if err := json.Unmarshal([]byte(stripFences(text)), &info); err != nil {
		return fmt.Errorf("parse course info: %w", err)
	}
	if strings.TrimSpace(info.ShortDesc) == "" {
		return ErrEmptyCompletion
	}
	if err := g.catalog.UpdateCourseInfo(ctx, courseID, info.ShortDesc, info.Description); err != nil {
		return err
	}
	g.log.Info("course info generated", "course_id", courseID)
	return nil
}

// GeneratePlaceholderAssessments creates empty checkpoint quizzes; question
// generation happens elsewhere.
func (g *Generator) GeneratePlaceholderAssessments(ctx context.Context, courseID string) (int, error) {
	n, err := g.catalog.CreatePlaceholderQuizzes(ctx, courseID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.log.Info("placeholder quizzes created", "course_id", courseID, "count", n)
	}
	return n, nil
}

func (g *Generator) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You write concise course catalog copy."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
