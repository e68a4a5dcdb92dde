package storage

import (
	"context"
	"errors"
	"testing"

	"learnhub/internal/models"
)

type repositoryFactory func(t *testing.T) Repository

func runRepositoryScenarios(t *testing.T, factory repositoryFactory) {
	ctx := context.Background()

	t.Run("UsersAndAuthentication", func(t *testing.T) {
		repo := factory(t)
		user, err := repo.CreateUser(ctx, CreateUserParams{
			DisplayName: "Ada",
			Email:       " Ada@Example.com ",
			Password:    "correct horse",
			Roles:       []string{"Instructor", "instructor"},
		})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if user.Email != "ada@example.com" || user.Username != "ada" {
			t.Fatalf("unexpected normalization %+v", user)
		}
		if len(user.Roles) != 1 || user.Roles[0] != models.RoleInstructor {
			t.Fatalf("roles = %v, want [instructor]", user.Roles)
		}

		if _, err := repo.CreateUser(ctx, CreateUserParams{Email: "ada@example.com", Username: "other", Password: "password123"}); !errors.Is(err, ErrEmailInUse) {
			t.Fatalf("duplicate email error = %v, want ErrEmailInUse", err)
		}
		if _, err := repo.CreateUser(ctx, CreateUserParams{Email: "bob@example.com", Password: "short"}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("short password error = %v, want ErrInvalidInput", err)
		}

		authed, err := repo.AuthenticateUser(ctx, "ADA@example.com", "correct horse")
		if err != nil {
			t.Fatalf("AuthenticateUser: %v", err)
		}
		if authed.ID != user.ID {
			t.Fatalf("authenticated %s, want %s", authed.ID, user.ID)
		}
		if _, err := repo.AuthenticateUser(ctx, "ada@example.com", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("wrong password error = %v, want ErrInvalidCredentials", err)
		}
		if _, err := repo.AuthenticateUser(ctx, "nobody@example.com", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("unknown user error = %v, want ErrInvalidCredentials", err)
		}

		fetched, err := repo.GetUser(ctx, user.ID)
		if err != nil || fetched.Email != user.Email {
			t.Fatalf("GetUser = %+v, %v", fetched, err)
		}
		if _, err := repo.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetUser missing error = %v, want ErrNotFound", err)
		}
	})

	t.Run("CoursesLessonsAndVideos", func(t *testing.T) {
		repo := factory(t)
		owner, err := repo.CreateUser(ctx, CreateUserParams{Email: "owner@example.com", Password: "password123", Roles: []string{models.RoleInstructor}})
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		course, err := repo.CreateCourse(ctx, CreateCourseParams{OwnerID: owner.ID, Title: "  Go in Practice "})
		if err != nil {
			t.Fatalf("CreateCourse: %v", err)
		}
		if course.Title != "Go in Practice" {
			t.Fatalf("title = %q", course.Title)
		}
		if _, err := repo.CreateCourse(ctx, CreateCourseParams{OwnerID: owner.ID}); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("missing title error = %v, want ErrInvalidInput", err)
		}

		lessonParams := func(sessionID string, position int) CreateLessonParams {
			return CreateLessonParams{
				CourseID:    course.ID,
				OwnerID:     owner.ID,
				Title:       "Lesson " + sessionID,
				Position:    position,
				VideoURL:    "https://cdn.test/" + sessionID,
				VideoKey:    "lesson-video/" + sessionID,
				VideoSize:   1024,
				ContentType: "video/mp4",
				SessionID:   sessionID,
			}
		}
		first, err := repo.CreateLesson(ctx, lessonParams("s1", 0))
		if err != nil {
			t.Fatalf("CreateLesson: %v", err)
		}
		second, err := repo.CreateLesson(ctx, lessonParams("s2", 0))
		if err != nil {
			t.Fatalf("CreateLesson: %v", err)
		}
		if first.Position != 1 || second.Position != 2 {
			t.Fatalf("positions = %d, %d; want 1, 2", first.Position, second.Position)
		}
		if _, err := repo.CreateLesson(ctx, lessonParams("s1", 0)); !errors.Is(err, ErrDuplicateSession) {
			t.Fatalf("duplicate session error = %v, want ErrDuplicateSession", err)
		}
		orphan := lessonParams("s3", 0)
		orphan.CourseID = "missing"
		if _, err := repo.CreateLesson(ctx, orphan); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing course error = %v, want ErrNotFound", err)
		}

		lessons, err := repo.ListLessons(ctx, course.ID)
		if err != nil {
			t.Fatalf("ListLessons: %v", err)
		}
		if len(lessons) != 2 || lessons[0].SessionID != "s1" || lessons[1].SessionID != "s2" {
			t.Fatalf("unexpected lessons %+v", lessons)
		}

		video, err := repo.CreateCourseVideo(ctx, CreateCourseVideoParams{
			CourseID:  course.ID,
			OwnerID:   owner.ID,
			Title:     "Trailer",
			VideoURL:  "https://cdn.test/trailer",
			VideoKey:  "course-video/trailer",
			VideoSize: 2048,
			SessionID: "trailer",
		})
		if err != nil {
			t.Fatalf("CreateCourseVideo: %v", err)
		}
		videos, err := repo.ListCourseVideos(ctx, course.ID)
		if err != nil || len(videos) != 1 || videos[0].ID != video.ID {
			t.Fatalf("ListCourseVideos = %+v, %v", videos, err)
		}

		owned, err := repo.ListCourses(ctx, owner.ID)
		if err != nil || len(owned) != 1 {
			t.Fatalf("ListCourses(owner) = %+v, %v", owned, err)
		}
		none, err := repo.ListCourses(ctx, "someone-else")
		if err != nil || len(none) != 0 {
			t.Fatalf("ListCourses(other) = %+v, %v", none, err)
		}
		if _, err := repo.GetCourse(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetCourse missing error = %v, want ErrNotFound", err)
		}
	})
}
