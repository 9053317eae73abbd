// Package xapi holds the Experience API statement model shipped to the LRS.
//
// Statements are self-describing: every reference is an IRI, never a database
// key, so the consuming LRS stays decoupled from the source schema.
package xapi

import (
	"errors"
	"strings"
	"time"
)

// LanguageMap maps a language tag to a display string.
type LanguageMap map[string]string

// Agent identifies the actor of a statement.
type Agent struct {
	ObjectType string `json:"objectType,omitempty"`
	Name       string `json:"name,omitempty"`
	Mbox       string `json:"mbox"`
}

// Verb is an IRI plus localized display strings.
type Verb struct {
	ID      string      `json:"id"`
	Display LanguageMap `json:"display"`
}

type ActivityDefinition struct {
	Type        string         `json:"type,omitempty"`
	Name        LanguageMap    `json:"name,omitempty"`
	Description LanguageMap    `json:"description,omitempty"`
	Extensions  map[string]any `json:"extensions,omitempty"`
}

// Activity is the statement object.
type Activity struct {
	ID         string              `json:"id"`
	ObjectType string              `json:"objectType,omitempty"`
	Definition *ActivityDefinition `json:"definition,omitempty"`
}

type Score struct {
	Scaled *float64 `json:"scaled,omitempty"`
	Raw    *float64 `json:"raw,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

type Result struct {
	Score      *Score         `json:"score,omitempty"`
	Success    *bool          `json:"success,omitempty"`
	Completion *bool          `json:"completion,omitempty"`
	Response   string         `json:"response,omitempty"`
	Duration   string         `json:"duration,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

type ContextActivities struct {
	Parent   []Activity `json:"parent,omitempty"`
	Grouping []Activity `json:"grouping,omitempty"`
	Category []Activity `json:"category,omitempty"`
	Other    []Activity `json:"other,omitempty"`
}

type Context struct {
	Registration      string             `json:"registration,omitempty"`
	Instructor        *Agent             `json:"instructor,omitempty"`
	Platform          string             `json:"platform,omitempty"`
	Language          string             `json:"language,omitempty"`
	ContextActivities *ContextActivities `json:"contextActivities,omitempty"`
	Extensions        map[string]any     `json:"extensions,omitempty"`
}

// Statement is a single learning record.
type Statement struct {
	ID        string     `json:"id,omitempty"`
	Actor     Agent      `json:"actor"`
	Verb      Verb       `json:"verb"`
	Object    Activity   `json:"object"`
	Result    *Result    `json:"result,omitempty"`
	Context   *Context   `json:"context,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

var (
	ErrMissingActor  = errors.New("statement actor mbox is required")
	ErrMissingVerb   = errors.New("statement verb id is required")
	ErrMissingObject = errors.New("statement object id is required")
)

// Validate checks the fields an LRS rejects outright.
func (s Statement) Validate() error {
	if strings.TrimSpace(s.Actor.Mbox) == "" {
		return ErrMissingActor
	}
	if strings.TrimSpace(s.Verb.ID) == "" {
		return ErrMissingVerb
	}
	if strings.TrimSpace(s.Object.ID) == "" {
		return ErrMissingObject
	}
	return nil
}

// WithTimestamp returns a copy stamped with now when no timestamp is set.
func (s Statement) WithTimestamp(now time.Time) Statement {
	if s.Timestamp != nil {
		return s
	}
	ts := now.UTC()
	s.Timestamp = &ts
	return s
}

// WithDefaults returns a copy carrying a timestamp and the platform context.
// The receiver and anything it points to are left untouched.
func (s Statement) WithDefaults(now time.Time, platform, language string) Statement {
	out := s.WithTimestamp(now)
	var ctx Context
	if s.Context != nil {
		ctx = *s.Context
	}
	if platform != "" {
		ctx.Platform = platform
	}
	if language != "" {
		ctx.Language = language
	}
	out.Context = &ctx
	return out
}
