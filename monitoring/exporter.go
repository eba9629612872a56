package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds how long Stop waits for in-flight scrapes.
const shutdownTimeout = 5 * time.Second

// Exporter serves the registered collectors on /metrics.
type Exporter struct {
	started atomic.Bool
	stopped atomic.Bool

	listen   string
	registry *prometheus.Registry
	server   *http.Server
	addr     net.Addr

	wg sync.WaitGroup
}

// NewExporter registers the Go runtime, process and given collectors in a
// fresh registry served on listen.
func NewExporter(listen string,
	cs ...prometheus.Collector) (*Exporter, error) {

	registry := prometheus.NewRegistry()

	all := append([]prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	}, cs...)
	for _, c := range all {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	return &Exporter{
		listen:   listen,
		registry: registry,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Start begins serving. The listener is bound before Start returns.
func (e *Exporter) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	lis, err := net.Listen("tcp", e.listen)
	if err != nil {
		return err
	}
	e.addr = lis.Addr()

	log.Infof("Prometheus exporter started on %v/metrics", e.addr)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.server.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (e *Exporter) Addr() net.Addr {
	return e.addr
}

// Registry returns the registry the exporter serves.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() error {
	if !e.started.Load() || !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	err := e.server.Shutdown(ctx)
	e.wg.Wait()

	log.Info("Prometheus exporter stopped")

	return err
}
