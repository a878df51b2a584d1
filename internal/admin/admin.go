// Package admin exposes pipeline state and counters on tsweb debug routes.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/trackpipe/internal/adapter"
	"github.com/banshee-data/trackpipe/internal/monitoring"
	"github.com/banshee-data/trackpipe/internal/pipeline"
	"github.com/banshee-data/trackpipe/internal/tap"
	"github.com/banshee-data/trackpipe/internal/version"
)

// Pipeline is the view of a running stage the debug routes need.
type Pipeline interface {
	Name() string
	ID() string
	State() pipeline.State
	Stats() *monitoring.Stats
	Adapters() []adapter.AdapterStatus
}

// Status is the body served by /debug/pipeline.
type Status struct {
	Name     string                  `json:"name"`
	ID       string                  `json:"id"`
	State    string                  `json:"state"`
	Version  string                  `json:"version"`
	Adapters []adapter.AdapterStatus `json:"adapters"`
}

// StatusOf captures the current status of p.
func StatusOf(p Pipeline) Status {
	return Status{
		Name:     p.Name(),
		ID:       p.ID(),
		State:    p.State().String(),
		Version:  version.Version,
		Adapters: p.Adapters(),
	}
}

// AttachAdminRoutes registers the pipeline pages under /debug/ on mux. When
// tail is non-nil, /debug/tail streams published records as server-sent
// events.
func AttachAdminRoutes(mux *http.ServeMux, p Pipeline, tail *tap.Tap, log *zap.SugaredLogger) {
	log = monitoring.OrNop(log)
	debug := tsweb.Debugger(mux)

	debug.KV("Pipeline", p.Name())
	debug.KV("Pipeline ID", p.ID())
	debug.KV("Version", version.Version+" ("+version.GitSHA+")")
	debug.KVFunc("State", func() any { return p.State().String() })
	debug.KVFunc("Received", func() any { return monitoring.FormatWithCommas(p.Stats().Snapshot().Received) })
	debug.KVFunc("Sent", func() any { return monitoring.FormatWithCommas(p.Stats().Snapshot().Sent) })
	debug.KVFunc("Dropped", func() any { return monitoring.FormatWithCommas(p.Stats().Snapshot().Dropped) })

	debug.Handle("pipeline", "pipeline state and adapters (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, log, StatusOf(p))
	}))
	debug.Handle("stats", "message counters (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, log, p.Stats().Snapshot())
	}))
	if tail != nil {
		debug.Handle("tail", "live published records (server-sent events)", tailHandler(tail))
	}
}

func tailHandler(tail *tap.Tap) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := tail.Subscribe()
		defer tail.Unsubscribe(id)

		// initial ping establishes the stream before the first record
		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, log *zap.SugaredLogger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("failed to encode json response", "error", err)
	}
}

// Server serves the debug routes until its context is cancelled.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.SugaredLogger
}

// Listen binds addr and returns a server for the routes of p.
func Listen(addr string, p Pipeline, tail *tap.Tap, log *zap.SugaredLogger) (*Server, error) {
	log = monitoring.OrNop(log).Named("admin")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	mux := http.NewServeMux()
	AttachAdminRoutes(mux, p, tail, log)
	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:  ln,
		log: log,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Infow("debug server listening", "addr", s.ln.Addr().String())
		errc <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "debug server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warnw("debug server shutdown error", "error", err)
		if err := s.srv.Close(); err != nil {
			s.log.Warnw("debug server force close error", "error", err)
		}
	}
	s.log.Infow("debug server stopped")
	return nil
}
