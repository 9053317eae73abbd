package catalog

import "time"

const CategoryPersonal = "PERSONAL"

type Course struct {
	ID           string  `gorm:"primaryKey"`
	Title        string  `gorm:"not null"`
	Category     string  `gorm:"index"`
	InstructorID string  `gorm:"index"`
	ShortDesc    *string `gorm:"column:course_short_desc"`
	Description  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Course) TableName() string { return "course" }

type CourseModule struct {
	ID        string `gorm:"primaryKey"`
	CourseID  string `gorm:"index;not null"`
	Title     string `gorm:"not null"`
	Order     int
	CreatedAt time.Time
}

func (CourseModule) TableName() string { return "module" }

type Lesson struct {
	ID         string `gorm:"primaryKey"`
	ModuleID   string `gorm:"index;not null"`
	Title      string `gorm:"not null"`
	Transcript *string
	Order      int
	CreatedAt  time.Time
}

func (Lesson) TableName() string { return "lesson" }

type LessonProgress struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"uniqueIndex:idx_progress_user_lesson;not null"`
	LessonID    string `gorm:"uniqueIndex:idx_progress_user_lesson;not null"`
	IsCompleted bool
	UpdatedAt   time.Time
}

func (LessonProgress) TableName() string { return "progress" }

type Certificate struct {
	ID       string `gorm:"primaryKey"`
	UserID   string `gorm:"uniqueIndex:idx_certificate_user_course;not null"`
	CourseID string `gorm:"uniqueIndex:idx_certificate_user_course;not null"`
	IssuedAt time.Time
}

func (Certificate) TableName() string { return "certificate" }

type Quiz struct {
	ID            string `gorm:"primaryKey"`
	ModuleID      string `gorm:"index;not null"`
	Title         string `gorm:"not null"`
	Type          string `gorm:"not null;default:QUIZ"`
	IsAIGenerated bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Quiz) TableName() string { return "quiz" }

// CourseOwnership is what the curator needs to decide whether a course is
// the acting user's personal path.
type CourseOwnership struct {
	Category     string
	InstructorID string
}

// CourseSummary is the source material for generated course descriptions.
type CourseSummary struct {
	Title       string
	ShortDesc   *string
	Transcripts []string
}
