package policy

import (
	"context"
	"errors"
	"fmt"

	"activity-pipeline/internal/catalog"
	"activity-pipeline/internal/models"
)

// CertificateStore is what the certificate policy needs from the catalog.
type CertificateStore interface {
	CourseCompletion(ctx context.Context, userID, courseID string) (completed, total int, err error)
	HasCertificate(ctx context.Context, userID, courseID string) (bool, error)
	IssueCertificate(ctx context.Context, userID, courseID string) (bool, error)
}

// CourseLookup resolves who owns a course.
type CourseLookup interface {
	CourseOwner(ctx context.Context, courseID string) (catalog.CourseOwnership, error)
}

// ContentGenerator enriches personal courses.
type ContentGenerator interface {
	GenerateCourseInfo(ctx context.Context, courseID string) error
	GeneratePlaceholderAssessments(ctx context.Context, courseID string) (int, error)
}

// Defaults returns the constructor for the stock policy set.
func Defaults(certs CertificateStore, courses CourseLookup, gen ContentGenerator) func() []Policy {
	return func() []Policy {
		var out []Policy
		if certs != nil {
			out = append(out, &CertificatePolicy{Store: certs})
		}
		if courses != nil && gen != nil {
			out = append(out, &CuratorPolicy{Courses: courses, Generator: gen})
		}
		return out
	}
}

// CertificatePolicy issues a course certificate once every lesson is done.
type CertificatePolicy struct {
	Store CertificateStore
}

func (*CertificatePolicy) Name() string { return "Auto-Certificate" }

func (*CertificatePolicy) Description() string {
	return "Automatically issue a certificate when a course is 100% complete"
}

func (*CertificatePolicy) ActivityTypes() []models.ActivityType {
	return []models.ActivityType{models.ActivityLessonComplete, models.ActivityQuizPass}
}

func (p *CertificatePolicy) ExecutionKey(pc Context) string {
	return pc.UserID + "|" + pc.CourseID
}

func (p *CertificatePolicy) ShouldExecute(ctx context.Context, pc Context) (bool, error) {
	if pc.CourseID == "" {
		return false, nil
	}
	has, err := p.Store.HasCertificate(ctx, pc.UserID, pc.CourseID)
	if err != nil {
		return false, fmt.Errorf("check certificate: %w", err)
	}
	if has {
		return false, nil
	}
	completed, total, err := p.Store.CourseCompletion(ctx, pc.UserID, pc.CourseID)
	if err != nil {
		return false, fmt.Errorf("course completion: %w", err)
	}
	return total > 0 && completed == total, nil
}

func (p *CertificatePolicy) Execute(ctx context.Context, pc Context) error {
	if pc.CourseID == "" {
		return nil
	}
	if _, err := p.Store.IssueCertificate(ctx, pc.UserID, pc.CourseID); err != nil {
		return fmt.Errorf("issue certificate: %w", err)
	}
	return nil
}

// CuratorPolicy fills in AI-generated course info and placeholder
// assessments for personal courses owned by the acting user.
type CuratorPolicy struct {
	Courses   CourseLookup
	Generator ContentGenerator
}

func (*CuratorPolicy) Name() string { return "AI-Auto-Curator" }

func (*CuratorPolicy) Description() string {
	return "Automatically enhances personal menus with AI-generated info and quizzes"
}

func (*CuratorPolicy) ActivityTypes() []models.ActivityType {
	return []models.ActivityType{models.ActivityEnrollment, models.ActivityMaterialAdded}
}

func (p *CuratorPolicy) ExecutionKey(pc Context) string {
	return pc.CourseID
}

func (p *CuratorPolicy) ShouldExecute(ctx context.Context, pc Context) (bool, error) {
	if pc.CourseID == "" {
		return false, nil
	}
	owner, err := p.Courses.CourseOwner(ctx, pc.CourseID)
	if errors.Is(err, catalog.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("course owner: %w", err)
	}
	return owner.Category == catalog.CategoryPersonal && owner.InstructorID == pc.UserID, nil
}

// Execute runs both generators; a failure in one does not skip the other.
func (p *CuratorPolicy) Execute(ctx context.Context, pc Context) error {
	var errs []error
	if err := p.Generator.GenerateCourseInfo(ctx, pc.CourseID); err != nil {
		errs = append(errs, fmt.Errorf("course info: %w", err))
	}
	if _, err := p.Generator.GeneratePlaceholderAssessments(ctx, pc.CourseID); err != nil {
		errs = append(errs, fmt.Errorf("assessments: %w", err))
	}
	return errors.Join(errs...)
}
