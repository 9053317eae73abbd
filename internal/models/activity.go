package models

import (
	"fmt"
	"strings"
	"time"
)

// ActivityType is the closed set of learner activities kept in the journal.
type ActivityType string

const (
	ActivityEnrollment     ActivityType = "ENROLLMENT"
	ActivityLessonComplete ActivityType = "LESSON_COMPLETE"
	ActivityQuizAttempt    ActivityType = "QUIZ_ATTEMPT"
	ActivityQuizPass       ActivityType = "QUIZ_PASS"
	ActivityQuizFail       ActivityType = "QUIZ_FAIL"
	ActivityAttendance     ActivityType = "ATTENDANCE"
	ActivityCertificate    ActivityType = "CERTIFICATE"
	ActivityVideoComplete  ActivityType = "VIDEO_COMPLETE"
	ActivityMaterialAdded  ActivityType = "MATERIAL_ADDED"
	ActivityCourseComplete ActivityType = "COURSE_COMPLETE"
)

var activityTypes = map[ActivityType]struct{}{
	ActivityEnrollment:     {},
	ActivityLessonComplete: {},
	ActivityQuizAttempt:    {},
	ActivityQuizPass:       {},
	ActivityQuizFail:       {},
	ActivityAttendance:     {},
	ActivityCertificate:    {},
	ActivityVideoComplete:  {},
	ActivityMaterialAdded:  {},
	ActivityCourseComplete: {},
}

// ParseActivityType normalises and validates an activity type string.
func ParseActivityType(s string) (ActivityType, error) {
	t := ActivityType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := activityTypes[t]; !ok {
		return "", fmt.Errorf("unknown activity type %q", s)
	}
	return t, nil
}

// Activity is an append-only learner journal row.
type Activity struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	CourseID     *string        `json:"course_id,omitempty"`
	ActivityType ActivityType   `json:"activity_type"`
	EntityID     string         `json:"entity_id"`
	EntityTitle  *string        `json:"entity_title,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
