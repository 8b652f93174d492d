package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/config"
	"github.com/developingchet/bastion-access/internal/lease"
	"github.com/developingchet/bastion-access/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxInvokeBody bounds POST /invoke payloads.
const maxInvokeBody = 1 << 20

// Server runs the service against the local backend: the janitor fires due
// schedules, an optional cron emits shutdown events, and HTTP endpoints
// expose metrics, health and an invoke hook.
type Server struct {
	svc     *Service
	store   storage.Store
	janitor *Janitor
	log     zerolog.Logger
}

// NewServer constructs a Server.
func NewServer(svc *Service, store storage.Store, log zerolog.Logger) *Server {
	return &Server{
		svc:     svc,
		store:   store,
		janitor: NewJanitor(store, svc.Removal(), svc.cfg.JanitorInterval, log),
		log:     log,
	}
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	if size, err := s.store.SizeBytes(); err == nil {
		s.log.Info().Int64("db_bytes", size).Msg("local store opened")
	}

	var c *cron.Cron
	if spec := s.svc.cfg.ShutdownCron; spec != "" {
		c = cron.New()
		if _, err := c.AddFunc(spec, func() { s.shutdown(ctx) }); err != nil {
			return fmt.Errorf("SHUTDOWN_CRON: %w", err)
		}
		s.log.Info().Str("cron", spec).Msg("bastion shutdown scheduled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	if c != nil {
		c.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-c.Stop().Done()
			return nil
		})
	}

	g.Go(func() error {
		return s.listen(gctx, "metrics", s.svc.cfg.MetricsAddr, s.metricsMux())
	})
	g.Go(func() error {
		return s.listen(gctx, "health", s.svc.cfg.HealthAddr, s.healthMux())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) shutdown(ctx context.Context) {
	ev := lease.Event{DetailType: "Scheduled Event", Detail: lease.Detail{Action: lease.ActionShutdownBastion}}
	if err := s.svc.Removal().Handle(ctx, ev); err != nil {
		s.log.Error().Err(err).Msg("scheduled bastion shutdown failed")
	}
}

func (s *Server) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) healthMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.store.Parameter(r.Context(), s.svc.cfg.BastionParameter); err != nil {
			if cloud.IsNotFound(err) {
				err = fmt.Errorf("bastion parameter %s not set", s.svc.cfg.BastionParameter)
			}
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, _ := s.svc.Handle(r.Context(), body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func (s *Server) listen(ctx context.Context, name, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", addr).Msgf("%s server started", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// Seed prepares a local store so the grant path can resolve the bastion: the
// instance parameter points at the configured local instance, which starts
// out stopped unless it already exists.
func Seed(ctx context.Context, store storage.Store, cfg *config.Config) error {
	if err := store.PutParameter(cfg.BastionParameter, cfg.LocalInstanceID); err != nil {
		return fmt.Errorf("seed parameter: %w", err)
	}
	_, err := store.InstanceState(ctx, cfg.LocalInstanceID)
	switch {
	case err == nil:
		return nil
	case cloud.IsNotFound(err):
		if err := store.PutInstance(cfg.LocalInstanceID, cloud.StateStopped); err != nil {
			return fmt.Errorf("seed instance: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("seed instance: %w", err)
	}
}
