/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package lifecycle

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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetwatch/pkg/logger"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 5 * time.Second
)

var errServiceRequired = errors.New("service is required")

// Service is a long running component driven by RunServer.
type Service interface {
	// Start blocks until ctx is canceled or the service fails.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServerOptions configures RunServer.
type ServerOptions struct {
	ListenAddr      string
	ServiceName     string
	Service         Service
	Logger          logger.Logger
	ShutdownTimeout time.Duration
	// Healthy reports readiness for /healthz. Nil means always ready.
	Healthy func() error
	// Routes are mounted next to /metrics and /healthz, keyed by pattern.
	Routes map[string]http.Handler
}

// RunServer runs the service plus an HTTP listener exposing /metrics and
// /healthz until a signal arrives or the service returns.
func RunServer(ctx context.Context, opts *ServerOptions) error {
	if opts == nil || opts.Service == nil {
		return errServiceRequired
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server

	if opts.ListenAddr != "" {
		srv = &http.Server{
			Addr:              opts.ListenAddr,
			Handler:           newMux(opts.Healthy, opts.Routes),
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}

		g.Go(func() error {
			log.Info().Str("addr", opts.ListenAddr).Str("service", opts.ServiceName).Msg("HTTP listener started")

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http listener: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		return opts.Service.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		timeout := opts.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		log.Info().Str("service", opts.ServiceName).Msg("Shutting down")

		var errs []error

		if srv != nil {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}

		errs = append(errs, opts.Service.Stop(shutdownCtx))

		return errors.Join(errs...)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func newMux(healthy func() error, routes map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	for pattern, h := range routes {
		mux.Handle(pattern, h)
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil {
			if err := healthy(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}

		_, _ = w.Write([]byte("ok\n"))
	})

	return mux
}
