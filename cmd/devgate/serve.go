package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fabian4/devgate/internal/config"
	"github.com/fabian4/devgate/internal/env"
	fwd "github.com/fabian4/devgate/internal/forward"
	"github.com/fabian4/devgate/internal/handler"
	"github.com/fabian4/devgate/internal/logging"
	"github.com/fabian4/devgate/internal/metrics"
	"github.com/fabian4/devgate/internal/version"
	"github.com/fabian4/devgate/internal/watch"
)

const (
	shutdownTimeout = 5 * time.Second
	pruneEvery      = time.Minute
	bucketIdle      = 5 * time.Minute
)

func (a *app) serve(cmd *cobra.Command) error {
	log, err := logging.New(a.logLevel, a.logFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	dir, err := a.workDir()
	if err != nil {
		return err
	}
	environ := env.FromOS()

	c, err := a.resolve(dir, environ)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := a.check(c, log); err != nil {
		return err
	}

	al := c.AccessLog
	accessOut, accessCloser := logging.Tee(cmd.OutOrStdout(), &logging.FileRotation{
		Path:       al.Path,
		MaxSizeMB:  al.MaxSizeMB,
		MaxBackups: al.MaxBackups,
		MaxAgeDays: al.MaxAgeDays,
		Compress:   al.Compress,
	})
	defer accessCloser.Close()

	reg := fwd.NewDefaultRegistry()
	gw, err := handler.NewGateway(c, reg, log, zerolog.New(accessOut), metrics.NewRegistry())
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", c.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           gw,
		ReadTimeout:       c.Server.Timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.Server.Timeouts.Write,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := c.Server.TLS; tls.Enabled() {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info().
		Str("version", version.Value).
		Str("mode", c.Mode).
		Str("addr", ln.Addr().String()).
		Str("target", c.Server.Proxy[config.DefaultProxyPrefix].Target).
		Int("rules", len(c.Server.Proxy)).
		Bool("tls", c.Server.TLS.Enabled()).
		Msg("devgate listening")
	if a.ready != nil {
		a.ready(ln.Addr())
	}

	if a.watch {
		w := watch.New(config.Sources(a.mode, dir, config.Options{File: a.file}), func() {
			a.reload(gw, dir, environ, log)
		}, log)
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	go func() {
		t := time.NewTicker(pruneEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := gw.Limiter.Prune(bucketIdle); n > 0 {
					log.Debug().Int("buckets", n).Msg("pruned idle rate limit buckets")
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// check reports unusable proxy targets. They only fail startup with --strict.
func (a *app) check(c *config.Config, log zerolog.Logger) error {
	err := c.Validate()
	if err == nil {
		return nil
	}
	if a.strict {
		return err
	}
	log.Warn().Err(err).Msg("proxy target unusable; matching requests will get 502")
	return nil
}

func (a *app) reload(gw *handler.Gateway, dir string, environ env.Environ, log zerolog.Logger) {
	c, err := a.resolve(dir, environ)
	if err == nil {
		err = a.check(c, log)
	}
	if err == nil {
		err = gw.Reload(c)
	} else {
		gw.Metrics.IncReload(false)
	}
	if err != nil {
		log.Error().Err(err).Msg("reload failed; keeping previous config")
		return
	}
	log.Info().
		Str("target", c.Server.Proxy[config.DefaultProxyPrefix].Target).
		Int("rules", len(c.Server.Proxy)).
		Msg("config reloaded")
}
