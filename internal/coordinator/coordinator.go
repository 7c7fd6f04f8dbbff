// Package coordinator assembles the coordinator service: the file registry,
// the signaling hub, the HTTP surface, and the background sweep.
package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ssd-technologies/swarmdrop/internal/config"
	"github.com/ssd-technologies/swarmdrop/internal/registry"
	"github.com/ssd-technologies/swarmdrop/internal/signal"
)

// Coordinator is the rendezvous service. It holds metadata and rosters only;
// file bytes flow peer to peer.
type Coordinator struct {
	cfg    config.Coordinator
	reg    *registry.Registry
	hub    *signal.Hub
	router chi.Router
}

// New creates a Coordinator with all routes registered.
func New(cfg config.Coordinator) *Coordinator {
	reg := registry.New(registry.Config{
		MaxShareSize: cfg.MaxShareSize,
		RecordTTL:    cfg.RecordTTL,
	})

	c := &Coordinator{
		cfg: cfg,
		reg: reg,
		hub: signal.NewHub(reg, cfg.RateLimit, cfg.RateWindow),
	}
	c.routes()
	return c
}

// ServeHTTP implements http.Handler.
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

// Registry exposes the registry for tests and embedding.
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

func (c *Coordinator) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", c.handleHealth)
	r.Get("/api/stats", c.handleStats)
	r.Get("/ws", c.hub.HandleWebSocket())

	c.router = r
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "swarmdrop-coordinator",
	})
}

func (c *Coordinator) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.reg.Snapshot())
}

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (c *Coordinator) StartWorkers(ctx context.Context) {
	go c.runRecordSweep(ctx)
}

// runRecordSweep periodically removes file records whose TTL has elapsed.
func (c *Coordinator) runRecordSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.SweepEvery):
			if n := c.reg.SweepExpired(time.Now()); n > 0 {
				log.Printf("[worker] swept %d expired file records", n)
			}
		}
	}
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (c *Coordinator) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    c.cfg.Addr,
		Handler: c,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[coordinator] listening on %s", c.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}
