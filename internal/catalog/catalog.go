// Package catalog is the narrow adapter over the learning platform's course
// schema used by the default policies and the curator.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"activity-pipeline/internal/logger"
)

var ErrNotFound = errors.New("not found")

// transcriptSample bounds how many lessons feed a course summary.
const transcriptSample = 5

type Catalog struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

// Open connects with the given dialector, e.g. postgres.Open(dsn) or
// sqlite.Open(path).
func Open(dialector gorm.Dialector, log *logger.Logger) (*Catalog, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return New(db, log), nil
}

// OpenPostgres connects to the platform database.
func OpenPostgres(dsn string, log *logger.Logger) (*Catalog, error) {
	return Open(postgres.Open(dsn), log)
}

func New(db *gorm.DB, log *logger.Logger) *Catalog {
	if log == nil {
		log = logger.NewNop()
	}
	return &Catalog{db: db, log: log.With("service", "Catalog"), now: time.Now}
}

func newGormLogger() gormLogger.Interface {
	return gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// Migrate creates the catalog tables. Production schemas are owned by the
// platform; this is for local development and tests.
func (c *Catalog) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(
		&Course{},
		&CourseModule{},
		&Lesson{},
		&LessonProgress{},
		&Certificate{},
		&Quiz{},
	)
}

func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CourseCompletion counts the user's completed lessons against all lessons
// in the course.
func (c *Catalog) CourseCompletion(ctx context.Context, userID, courseID string) (int, int, error) {
	var total int64
	if err := c.db.WithContext(ctx).
		Model(&Lesson{}).
		Joins("JOIN module ON module.id = lesson.module_id").
		Where("module.course_id = ?", courseID).
		Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("count lessons: %w", err)
	}

	var completed int64
	if err := c.db.WithContext(ctx).
		Model(&LessonProgress{}).
		Joins("JOIN lesson ON lesson.id = progress.lesson_id").
		Joins("JOIN module ON module.id = lesson.module_id").
		Where("module.course_id = ? AND progress.user_id = ? AND progress.is_completed = ?", courseID, userID, true).
		Count(&completed).Error; err != nil {
		return 0, 0, fmt.Errorf("count progress: %w", err)
	}
	return int(completed), int(total), nil
}

func (c *Catalog) HasCertificate(ctx context.Context, userID, courseID string) (bool, error) {
	var n int64
	if err := c.db.WithContext(ctx).
		Model(&Certificate{}).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// IssueCertificate inserts a certificate unless one exists for the pair.
// It reports whether a row was written.
func (c *Catalog) IssueCertificate(ctx context.Context, userID, courseID string) (bool, error) {
	cert := Certificate{
		ID:       uuid.New().String(),
		UserID:   userID,
		CourseID: courseID,
		IssuedAt: c.now().UTC(),
	}
	res := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&cert)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		c.log.Info("certificate issued", "user_id", userID, "course_id", courseID)
	}
	return res.RowsAffected == 1, nil
}

func (c *Catalog) CourseOwner(ctx context.Context, courseID string) (CourseOwnership, error) {
	var course Course
	err := c.db.WithContext(ctx).
		Select("category", "instructor_id").
		Where("id = ?", courseID).
		First(&course).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CourseOwnership{}, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	if err != nil {
		return CourseOwnership{}, err
	}
	return CourseOwnership{Category: course.Category, InstructorID: course.InstructorID}, nil
}

// CreatePlaceholderQuizzes adds an empty AI-flagged checkpoint quiz to every
// module of the course that has none, returning how many were created.
func (c *Catalog) CreatePlaceholderQuizzes(ctx context.Context, courseID string) (int, error) {
	created := 0
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var modules []CourseModule
		if err := tx.Where("course_id = ?", courseID).Order(`"order" ASC`).Find(&modules).Error; err != nil {
			return err
		}
		for _, m := range modules {
			var n int64
			if err := tx.Model(&Quiz{}).Where("module_id = ?", m.ID).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			quiz := Quiz{
				ID:            uuid.New().String(),
				ModuleID:      m.ID,
				Title:         "Checkpoints: " + m.Title,
				Type:          "QUIZ",
				IsAIGenerated: true,
			}
			if err := tx.Create(&quiz).Error; err != nil {
				return err
			}
			created++
			c.log.Debug("placeholder quiz created", "quiz_id", quiz.ID, "module_id", m.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create placeholder quizzes: %w", err)
	}
	return created, nil
}

// CourseSummarySource returns the course title, its current short
// description and up to five non-empty lesson transcripts.
func (c *Catalog) CourseSummarySource(ctx context.Context, courseID string) (CourseSummary, error) {
	var course Course
	err := c.db.WithContext(ctx).Where("id = ?", courseID).First(&course).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CourseSummary{}, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	if err != nil {
		return CourseSummary{}, err
	}

	var transcripts []string
	if err := c.db.WithContext(ctx).
		Model(&Lesson{}).
		Joins("JOIN module ON module.id = lesson.module_id").
		Where("module.course_id = ? AND lesson.transcript IS NOT NULL AND lesson.transcript <> ''", courseID).
		Order(`module."order" ASC, lesson."order" ASC`).
		Limit(transcriptSample).
		Pluck("lesson.transcript", &transcripts).Error; err != nil {
		return CourseSummary{}, fmt.Errorf("load transcripts: %w", err)
	}
	return CourseSummary{Title: course.Title, ShortDesc: course.ShortDesc, Transcripts: transcripts}, nil
}

func (c *Catalog) UpdateCourseInfo(ctx context.Context, courseID, shortDesc, description string) error {
	res := c.db.WithContext(ctx).
		Model(&Course{}).
		Where("id = ?", courseID).
		Updates(map[string]any{
			"course_short_desc": shortDesc,
			"description":       description,
			"updated_at":        c.now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update course info: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	return nil
}
