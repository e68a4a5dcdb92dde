// Package serverutil runs an HTTP server next to the background jobs that
// share its lifetime and tears everything down in order on shutdown.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// TLSConfig defines certificate and key paths for enabling TLS listeners.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Job is a named background task. Run must return once ctx is done.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
	// OnListen receives the bound address, useful when Addr ends in ":0".
	OnListen   func(net.Addr)
	Background []Job
	// OnShutdown hooks run in order after the server has drained.
	OnShutdown []func(context.Context) error
	Logger     *slog.Logger
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Run starts the provided HTTP server and its background jobs and blocks
// until ctx is cancelled, the server fails, or a job returns an error. The
// server is then shut down within ShutdownTimeout and the shutdown hooks run.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS cert file and key file must be provided")
	}
	for _, job := range cfg.Background {
		if job.Run == nil {
			return fmt.Errorf("background job %q has no run function", job.Name)
		}
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := cfg.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	for _, job := range cfg.Background {
		group.Go(func() error {
			logger.Debug("background job started", "job", job.Name)
			err := job.Run(groupCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", job.Name, err)
			}
			logger.Debug("background job stopped", "job", job.Name)
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		err := cfg.Server.Shutdown(shutdownCtx)
		for _, hook := range cfg.OnShutdown {
			if hook == nil {
				continue
			}
			if hookErr := hook(shutdownCtx); hookErr != nil {
				logger.Error("shutdown hook failed", "error", hookErr)
				err = errors.Join(err, hookErr)
			}
		}
		return err
	})
	return group.Wait()
}

func listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		ln.Close()
		return nil, err
	}
	tlsCfg := cfg.Server.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

// Periodic returns a job that calls fn every interval until ctx is done.
// Errors from fn are logged and do not stop the job.
func Periodic(name string, interval time.Duration, logger *slog.Logger, fn func(ctx context.Context) error) Job {
	if logger == nil {
		logger = slog.Default()
	}
	return Job{
		Name: name,
		Run: func(ctx context.Context) error {
			if interval <= 0 {
				<-ctx.Done()
				return nil
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := fn(ctx); err != nil && ctx.Err() == nil {
						logger.Error("periodic job failed", "job", name, "error", err)
					}
				}
			}
		},
	}
}
