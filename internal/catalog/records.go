// Package catalog creates the course records that own finalized uploads.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"learnhub/internal/models"
	"learnhub/internal/storage"
	"learnhub/internal/upload"
)

// File types accepted by the upload service.
const (
	FileTypeLessonVideo = "lesson-video"
	FileTypeCourseVideo = "course-video"
)

// Records returns the record creators for every catalog file type, ready for
// upload.Config.Records.
func Records(repo storage.Repository) map[string]upload.RecordCreator {
	return map[string]upload.RecordCreator{
		FileTypeLessonVideo: NewLessonCreator(repo),
		FileTypeCourseVideo: NewCourseVideoCreator(repo),
	}
}

// LessonCreator appends a lesson to the descriptor's course.
type LessonCreator struct {
	repo storage.Repository
}

func NewLessonCreator(repo storage.Repository) *LessonCreator {
	return &LessonCreator{repo: repo}
}

func (c *LessonCreator) ValidateRecord(ctx context.Context, req upload.RecordRequest) error {
	if req.Descriptor.Position < 0 {
		return &upload.ValidationError{Field: "descriptor.position", Message: "position must not be negative"}
	}
	_, err := ownedCourse(ctx, c.repo, req)
	return err
}

func (c *LessonCreator) CreateRecord(ctx context.Context, req upload.RecordRequest) (any, error) {
	course, err := ownedCourse(ctx, c.repo, req)
	if err != nil {
		return nil, err
	}
	lesson, err := c.repo.CreateLesson(ctx, storage.CreateLessonParams{
		CourseID:    course.ID,
		OwnerID:     req.OwnerID,
		Title:       recordTitle(req),
		Description: req.Descriptor.Description,
		Position:    req.Descriptor.Position,
		VideoURL:    req.Artifact.PublicURL,
		VideoKey:    req.Artifact.ObjectKey,
		VideoSize:   req.Artifact.Size,
		ContentType: req.Artifact.ContentType,
		Checksum:    req.Artifact.Checksum,
		SessionID:   req.SessionID,
	})
	if err != nil {
		return nil, storageError(req, err)
	}
	return lesson, nil
}

// CourseVideoCreator attaches a course-level video such as a trailer.
type CourseVideoCreator struct {
	repo storage.Repository
}

func NewCourseVideoCreator(repo storage.Repository) *CourseVideoCreator {
	return &CourseVideoCreator{repo: repo}
}

func (c *CourseVideoCreator) ValidateRecord(ctx context.Context, req upload.RecordRequest) error {
	_, err := ownedCourse(ctx, c.repo, req)
	return err
}

func (c *CourseVideoCreator) CreateRecord(ctx context.Context, req upload.RecordRequest) (any, error) {
	course, err := ownedCourse(ctx, c.repo, req)
	if err != nil {
		return nil, err
	}
	video, err := c.repo.CreateCourseVideo(ctx, storage.CreateCourseVideoParams{
		CourseID:    course.ID,
		OwnerID:     req.OwnerID,
		Title:       recordTitle(req),
		VideoURL:    req.Artifact.PublicURL,
		VideoKey:    req.Artifact.ObjectKey,
		VideoSize:   req.Artifact.Size,
		ContentType: req.Artifact.ContentType,
		Checksum:    req.Artifact.Checksum,
		SessionID:   req.SessionID,
	})
	if err != nil {
		return nil, storageError(req, err)
	}
	return video, nil
}

func ownedCourse(ctx context.Context, repo storage.Repository, req upload.RecordRequest) (models.Course, error) {
	courseID := strings.TrimSpace(req.Descriptor.CourseID)
	if courseID == "" {
		return models.Course{}, &upload.ValidationError{Field: "descriptor.courseId", Message: "courseId is required"}
	}
	course, err := repo.GetCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Course{}, &upload.NotFoundError{Resource: "course", ID: courseID}
		}
		return models.Course{}, fmt.Errorf("load course %s: %w", courseID, err)
	}
	if course.OwnerID != req.OwnerID {
		return models.Course{}, &upload.ForbiddenError{Message: fmt.Sprintf("course %s belongs to another user", courseID)}
	}
	return course, nil
}

// recordTitle falls back to the uploaded file name without its extension.
func recordTitle(req upload.RecordRequest) string {
	if title := strings.TrimSpace(req.Descriptor.Title); title != "" {
		return title
	}
	name := strings.TrimSpace(req.Artifact.FileName)
	if base := strings.TrimSuffix(name, path.Ext(name)); base != "" {
		return base
	}
	if name != "" {
		return name
	}
	return "Untitled"
}

func storageError(req upload.RecordRequest, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &upload.NotFoundError{Resource: "course", ID: req.Descriptor.CourseID}
	case errors.Is(err, storage.ErrDuplicateSession):
		return &upload.SessionClosedError{SessionID: req.SessionID}
	case errors.Is(err, storage.ErrInvalidInput):
		return &upload.ValidationError{Field: "descriptor", Message: err.Error()}
	default:
		return err
	}
}
