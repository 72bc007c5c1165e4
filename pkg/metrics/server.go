package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/pg-sharding/txseq/pkg/txlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Server exposes Prometheus metrics of the given collectors on its own
// registry, plus a health check.
type Server struct {
	registry *prometheus.Registry
	srv      *http.Server
	listener net.Listener
}

func NewServer(addr string, cs ...prometheus.Collector) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		registry: registry,
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: shutdownTimeout},
		listener: l,
	}, nil
}

// Addr is the address the server actually listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	txlog.Zero.Info().
		Str("addr", s.Addr()).
		Msg("Starting metrics server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		txlog.Zero.Error().Err(err).Msg("Metrics server failed")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
