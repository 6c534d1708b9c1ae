// Package ops serves the operational HTTP surface of the engine: health and
// readiness probes, the Prometheus scrape endpoint, and a websocket feed of
// live drive events for dashboards.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/calmroute/calmroute/internal/events"
	"github.com/calmroute/calmroute/internal/health"
	"github.com/calmroute/calmroute/internal/observe"
)

const (
	// eventBuffer is the per-subscriber queue size; a dashboard that cannot
	// keep up loses events rather than stalling the bus.
	eventBuffer = 64

	shutdownTimeout = 5 * time.Second
	writeTimeout    = 5 * time.Second
)

// Server is the ops HTTP server.
type Server struct {
	addr    string
	bus     *events.Bus
	handler http.Handler
	srv     *http.Server
}

// New creates a Server listening on addr once Run is called.
func New(addr string, h *health.Handler, bus *events.Bus, metrics *observe.Metrics) *Server {
	s := &Server{addr: addr, bus: bus}

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/events", s.serveEvents)

	s.handler = observe.Middleware(metrics)(mux)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for serving through a test server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains connections within
// [shutdownTimeout].
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops: serve %s: %w", s.addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(shCtx)
	})

	return g.Wait()
}

// serveEvents streams bus events to one websocket subscriber as JSON text
// messages until the client goes away or the server shuts down.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	ch, cancel := s.bus.Subscribe(eventBuffer)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return
		case e := <-ch:
			buf, err := json.Marshal(e)
			if err != nil {
				log.Warn("event not serializable", "type", string(e.Type), "error", err)
				continue
			}
			wctx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, buf)
			cancelWrite()
			if err != nil {
				log.Debug("event subscriber gone", "error", err)
				return
			}
		}
	}
}
