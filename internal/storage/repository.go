package storage

import (
	"context"

	"learnhub/internal/models"
)

// Repository exposes the catalog operations required by the API handlers and
// the upload record creators.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (models.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)

	CreateCourse(ctx context.Context, params CreateCourseParams) (models.Course, error)
	GetCourse(ctx context.Context, id string) (models.Course, error)
	ListCourses(ctx context.Context, ownerID string) ([]models.Course, error)

	CreateLesson(ctx context.Context, params CreateLessonParams) (models.Lesson, error)
	ListLessons(ctx context.Context, courseID string) ([]models.Lesson, error)

	CreateCourseVideo(ctx context.Context, params CreateCourseVideoParams) (models.CourseVideo, error)
	ListCourseVideos(ctx context.Context, courseID string) ([]models.CourseVideo, error)
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
)
