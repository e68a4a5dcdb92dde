// Command bootstrap-instructor seeds an instructor account, optionally with a
// course and an upload token, so a fresh deployment can accept uploads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"learnhub/internal/auth"
	"learnhub/internal/models"
	"learnhub/internal/storage"
)

type options struct {
	JSONPath           string
	PostgresDSN        string
	SessionPostgresDSN string
	Email              string
	Username           string
	DisplayName        string
	Password           string
	Admin              bool
	CourseTitle        string
	IssueToken         bool
	TokenTTL           time.Duration
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}

	repo, err := openRepository(opts.JSONPath, opts.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer closeRepository(repo)

	user, created, err := bootstrapInstructor(ctx, repo, opts)
	if err != nil {
		return fmt.Errorf("bootstrap instructor: %w", err)
	}
	state := "already present"
	if created {
		state = "created"
	}
	fmt.Fprintf(stdout, "Instructor %s (%s) %s, id %s.\n", user.Email, user.DisplayName, state, user.ID)

	if opts.CourseTitle != "" {
		course, courseCreated, err := ensureCourse(ctx, repo, user.ID, opts.CourseTitle)
		if err != nil {
			return fmt.Errorf("ensure course: %w", err)
		}
		verb := "found"
		if courseCreated {
			verb = "created"
		}
		fmt.Fprintf(stdout, "Course %q %s, id %s.\n", course.Title, verb, course.ID)
	}

	if opts.IssueToken {
		store, err := auth.NewPostgresSessionStore(ctx, opts.SessionPostgresDSN)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}()
		token, expires, err := issueToken(ctx, auth.NewSessionManager(opts.TokenTTL, auth.WithStore(store)), user.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Upload token (expires %s):\n%s\n", expires.UTC().Format(time.RFC3339), token)
	}
	return nil
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("bootstrap-instructor", flag.ContinueOnError)
	fs.StringVar(&opts.JSONPath, "json", "", "Path to the JSON datastore (store.json)")
	fs.StringVar(&opts.PostgresDSN, "postgres-dsn", os.Getenv("LEARNHUB_POSTGRES_DSN"), "Postgres connection string")
	fs.StringVar(&opts.SessionPostgresDSN, "session-postgres-dsn", os.Getenv("LEARNHUB_SESSION_POSTGRES_DSN"), "Postgres connection string for the session store (defaults to --postgres-dsn)")
	fs.StringVar(&opts.Email, "email", "", "Email address for the instructor account")
	fs.StringVar(&opts.Username, "username", "", "Username (derived from the email when empty)")
	fs.StringVar(&opts.DisplayName, "name", "Instructor", "Display name for the instructor account")
	fs.StringVar(&opts.Password, "password", "", "Password for the instructor account")
	fs.BoolVar(&opts.Admin, "admin", false, "Also grant the admin role")
	fs.StringVar(&opts.CourseTitle, "course", "", "Create a course with this title owned by the instructor")
	fs.BoolVar(&opts.IssueToken, "issue-token", false, "Mint a session token for the uploader (requires a Postgres session store)")
	fs.DurationVar(&opts.TokenTTL, "token-ttl", 24*time.Hour, "Lifetime of the minted token")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.JSONPath = strings.TrimSpace(opts.JSONPath)
	opts.PostgresDSN = strings.TrimSpace(opts.PostgresDSN)
	opts.Email = strings.TrimSpace(opts.Email)
	opts.Username = strings.TrimSpace(opts.Username)
	opts.DisplayName = strings.TrimSpace(opts.DisplayName)
	opts.CourseTitle = strings.TrimSpace(opts.CourseTitle)
	if strings.TrimSpace(opts.SessionPostgresDSN) == "" {
		opts.SessionPostgresDSN = opts.PostgresDSN
	}

	switch {
	case opts.JSONPath == "" && opts.PostgresDSN == "":
		return options{}, errors.New("either --json or --postgres-dsn must be provided")
	case opts.JSONPath != "" && opts.PostgresDSN != "":
		return options{}, errors.New("only one datastore option may be provided")
	case opts.Email == "":
		return options{}, errors.New("--email is required")
	case len(opts.Password) < 8:
		return options{}, errors.New("--password must be at least 8 characters")
	case opts.DisplayName == "":
		return options{}, errors.New("--name cannot be empty")
	case opts.IssueToken && strings.TrimSpace(opts.SessionPostgresDSN) == "":
		return options{}, errors.New("--issue-token needs --session-postgres-dsn or --postgres-dsn")
	case opts.IssueToken && opts.TokenTTL <= 0:
		return options{}, errors.New("--token-ttl must be positive")
	}
	return opts, nil
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(postgresDSN, storage.WithPostgresApplicationName("learnhub-bootstrap"))
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}

// bootstrapInstructor creates the account, or returns the existing one when
// the password matches. The repository cannot change roles of an existing
// user, so a present account without the instructor role is an error.
func bootstrapInstructor(ctx context.Context, repo storage.Repository, opts options) (models.User, bool, error) {
	roles := []string{models.RoleInstructor}
	if opts.Admin {
		roles = append(roles, models.RoleAdmin)
	}
	user, err := repo.CreateUser(ctx, storage.CreateUserParams{
		Username:    opts.Username,
		DisplayName: opts.DisplayName,
		Email:       opts.Email,
		Password:    opts.Password,
		Roles:       roles,
	})
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, storage.ErrEmailInUse) {
		return models.User{}, false, err
	}

	existing, err := repo.AuthenticateUser(ctx, opts.Email, opts.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) {
			return models.User{}, false, fmt.Errorf("account %s exists with a different password", opts.Email)
		}
		return models.User{}, false, err
	}
	for _, role := range roles {
		if !existing.HasRole(role) {
			return models.User{}, false, fmt.Errorf("account %s exists without the %s role", opts.Email, role)
		}
	}
	return existing, false, nil
}

func ensureCourse(ctx context.Context, repo storage.Repository, ownerID, title string) (models.Course, bool, error) {
	courses, err := repo.ListCourses(ctx, ownerID)
	if err != nil {
		return models.Course{}, false, err
	}
	for _, course := range courses {
		if strings.EqualFold(course.Title, title) {
			return course, false, nil
		}
	}
	course, err := repo.CreateCourse(ctx, storage.CreateCourseParams{OwnerID: ownerID, Title: title})
	if err != nil {
		return models.Course{}, false, err
	}
	return course, true, nil
}

func issueToken(ctx context.Context, sessions *auth.SessionManager, userID string) (string, time.Time, error) {
	token, expires, err := sessions.Create(ctx, userID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}
	return token, expires, nil
}
