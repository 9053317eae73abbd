// Package policy is a small rules engine: predicate/effect pairs keyed by
// activity type, evaluated against a snapshot of each recorded activity.
package policy

import (
	"context"
	"maps"
	"slices"
	"time"

	"activity-pipeline/internal/models"
)

// Context is the read-only view of one activity handed to policies.
type Context struct {
	UserID       string
	CourseID     string
	EntityID     string
	EntityTitle  string
	ActivityType models.ActivityType
	Metadata     map[string]any
	OccurredAt   time.Time
}

// Policy pairs a predicate with a side effect. Effects must be idempotent:
// they re-derive "already done" from persisted state instead of assuming a
// single run.
type Policy interface {
	Name() string
	Description() string
	ActivityTypes() []models.ActivityType
	ShouldExecute(ctx context.Context, pc Context) (bool, error)
	Execute(ctx context.Context, pc Context) error
}

// Keyed policies name the logical event an execution belongs to. Concurrent
// executions with the same key run once.
type Keyed interface {
	ExecutionKey(pc Context) string
}

func newContext(a models.Activity) Context {
	pc := Context{
		UserID:       a.UserID,
		EntityID:     a.EntityID,
		ActivityType: a.ActivityType,
		Metadata:     maps.Clone(a.Metadata),
		OccurredAt:   a.OccurredAt,
	}
	if a.CourseID != nil {
		pc.CourseID = *a.CourseID
	}
	if a.EntityTitle != nil {
		pc.EntityTitle = *a.EntityTitle
	}
	return pc
}

func matches(p Policy, t models.ActivityType) bool {
	return slices.Contains(p.ActivityTypes(), t)
}

func executionKey(p Policy, pc Context) string {
	if k, ok := p.(Keyed); ok {
		return p.Name() + "|" + k.ExecutionKey(pc)
	}
	return p.Name() + "|" + pc.UserID + "|" + string(pc.ActivityType) + "|" + pc.CourseID + "|" + pc.EntityID
}
