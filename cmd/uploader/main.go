// Command uploader sends a file to a learnhub server with the resumable
// chunked upload protocol and prints the finalize response as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"learnhub/internal/observability/logging"
	"learnhub/internal/retry"
	"learnhub/internal/upload"
	"learnhub/internal/uploadclient"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("uploader", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: uploader [flags] FILE")
		fs.PrintDefaults()
	}

	var flags Profile
	profilePath := fs.String("profile", os.Getenv("LEARNHUB_UPLOADER_PROFILE"), "YAML profile with server, token and tuning settings")
	fs.StringVar(&flags.Server, "server", "", "learnhub server base URL")
	fs.StringVar(&flags.Token, "token", "", "bearer token (defaults to LEARNHUB_TOKEN)")
	fs.Var(&flags.ChunkSize, "chunk-size", "initial chunk size, e.g. 4MiB")
	fs.Var(&flags.MinChunkSize, "min-chunk-size", "smallest chunk size tried after rejections, e.g. 256KiB")
	fs.DurationVar(&flags.ChunkTimeout, "chunk-timeout", 0, "timeout for a single chunk request")
	fs.IntVar(&flags.Retry.Attempts, "retry-attempts", 0, "attempts per request before giving up")
	fs.DurationVar(&flags.Retry.BaseDelay, "retry-base-delay", 0, "first backoff between attempts")
	fs.DurationVar(&flags.Retry.MaxDelay, "retry-max-delay", 0, "largest backoff between attempts")

	fileType := fs.StringP("type", "t", "lesson-video", "file type (lesson-video or course-video)")
	courseID := fs.StringP("course", "c", "", "course the upload belongs to")
	title := fs.String("title", "", "title of the created record (defaults to the file name)")
	description := fs.String("description", "", "description of the created record")
	position := fs.Int("position", 0, "lesson position within the course")
	mimeType := fs.String("mime-type", "", "content type (guessed from the extension when empty)")
	resume := fs.String("resume", "", "session id of an interrupted upload to continue")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	quiet := fs.BoolP("quiet", "q", false, "suppress progress output")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	profile, err := loadProfile(*profilePath)
	if err != nil {
		fmt.Fprintf(stderr, "uploader: %v\n", err)
		return exitUsage
	}
	profile = mergeFlags(profile, fs, flags)
	if strings.TrimSpace(profile.Token) == "" {
		profile.Token = os.Getenv("LEARNHUB_TOKEN")
	}

	logger := logging.New(logging.Config{Level: *logLevel, Writer: stderr, Format: string(logging.FormatText)})

	transport, err := uploadclient.NewHTTPTransport(profile.Server, profile.Token, nil)
	if err != nil {
		fmt.Fprintf(stderr, "uploader: %v\n", err)
		return exitUsage
	}

	path := fs.Arg(0)
	file, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(stderr, "uploader: %v\n", err)
		return exitError
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		fmt.Fprintf(stderr, "uploader: %v\n", err)
		return exitError
	}

	var progress func(uploadclient.Progress)
	if !*quiet {
		progress = progressPrinter(stderr)
	}
	driver, err := uploadclient.New(uploadclient.Config{
		Transport:    transport,
		ChunkSize:    int64(profile.ChunkSize),
		MinChunkSize: int64(profile.MinChunkSize),
		Retry:        retryPolicy(profile.Retry),
		ChunkTimeout: profile.ChunkTimeout,
		Progress:     progress,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "uploader: %v\n", err)
		return exitUsage
	}

	result, err := driver.Upload(ctx, uploadclient.File{
		Reader:   file,
		Size:     info.Size(),
		Name:     filepath.Base(path),
		MimeType: resolveMimeType(*mimeType, path),
		FileType: *fileType,
	}, uploadclient.Options{
		Descriptor: uploadclient.Descriptor{
			CourseID:    strings.TrimSpace(*courseID),
			Title:       strings.TrimSpace(*title),
			Description: strings.TrimSpace(*description),
			Position:    *position,
		},
		ResumeSessionID: *resume,
	})
	if progress != nil {
		fmt.Fprintln(stderr)
	}
	if result != nil {
		abortAbandoned(ctx, transport, result.Abandoned, logger)
	}
	if err != nil {
		fmt.Fprintf(stderr, "uploader: %v\n", err)
		if hint := resumeHint(err); hint != "" {
			fmt.Fprintln(stderr, hint)
		}
		return exitError
	}

	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result.Finalize); err != nil {
		fmt.Fprintf(stderr, "uploader: write result: %v\n", err)
		return exitError
	}
	return exitOK
}

func retryPolicy(p RetryProfile) retry.Policy {
	policy := retry.Default()
	if p.Attempts > 0 {
		policy.MaxAttempts = p.Attempts
	}
	if p.BaseDelay > 0 || p.MaxDelay > 0 {
		base := p.BaseDelay
		if base <= 0 {
			base = retry.DefaultBaseDelay
		}
		policy.Backoff = retry.Exponential(base, p.MaxDelay)
	}
	return policy
}

func resolveMimeType(explicit, path string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if guessed := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); guessed != "" {
		return guessed
	}
	return "application/octet-stream"
}

func progressPrinter(w io.Writer) func(uploadclient.Progress) {
	return func(p uploadclient.Progress) {
		percent := 0.0
		if p.TotalBytes > 0 {
			percent = float64(p.BytesSent) * 100 / float64(p.TotalBytes)
		}
		fmt.Fprintf(w, "\rchunk %d/%d  %5.1f%%  (%s chunks, session %s)",
			p.ChunkIndex, p.TotalChunks, percent, ByteSize(p.ChunkSize), p.SessionID)
	}
}

// abortAbandoned releases sessions left behind by chunk size downgrades. A
// session rejected on its first chunk never existed on the server, so
// session-not-found is expected. Other failures are logged and ignored.
func abortAbandoned(ctx context.Context, transport *uploadclient.HTTPTransport, sessions []string, logger *slog.Logger) {
	for _, sessionID := range sessions {
		err := transport.Abort(ctx, sessionID)
		if err == nil || upload.Code(err) == upload.CodeSessionNotFound {
			continue
		}
		logger.Warn("abort abandoned session", "session_id", sessionID, "error", err)
	}
}

// resumeHint suggests --resume when the failed session can still accept
// chunks.
func resumeHint(err error) string {
	var uploadErr *uploadclient.UploadError
	if !errors.As(err, &uploadErr) || uploadErr.SessionID == "" {
		return ""
	}
	if uploadErr.Stage == uploadclient.StageStatus {
		return ""
	}
	if remote, ok := uploadclient.AsRemoteError(err); ok && remote.HTTPStatus() < 500 && remote.ErrorCode() != upload.CodeFinalizeInProgress {
		return ""
	}
	return fmt.Sprintf("resume with: --resume %s", uploadErr.SessionID)
}
