// Package stream is the HTTP surface: it accepts user messages and serves
// each user's event stream over SSE.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cora-labs/cora/internal/bus"
	"github.com/cora-labs/cora/internal/digest"
	"github.com/cora-labs/cora/internal/ephemeral"
	"github.com/cora-labs/cora/internal/logging"
	"github.com/cora-labs/cora/internal/queue"
	"github.com/cora-labs/cora/internal/store"
	"github.com/cora-labs/cora/internal/types"
)

// KeepaliveInterval paces SSE comment frames so idle connections survive
// proxies.
const KeepaliveInterval = 15 * time.Second

// dedupeWindow bounds the per-connection set of already-delivered output
// IDs.
const dedupeWindow = 256

// HealthFunc reports process health for /healthz.
type HealthFunc func() map[string]any

// Server is the HTTP/SSE front.
type Server struct {
	bus      *bus.Bus
	digester *digest.Digester
	db       *store.DB
	queues   *queue.Manager
	eph      *ephemeral.Store
	health   HealthFunc
}

// NewServer wires the HTTP surface. db, queues, eph, and health may be nil;
// their routes degrade accordingly.
func NewServer(b *bus.Bus, d *digest.Digester, db *store.DB, queues *queue.Manager, eph *ephemeral.Store, health HealthFunc) *Server {
	return &Server{bus: b, digester: d, db: db, queues: queues, eph: eph, health: health}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /users/{id}/messages", s.handleMessage)
	mux.HandleFunc("GET /cycles/{id}", s.handleCycle)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Run serves until the context ends, then drains with a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logging.Info("stream", "listening on %s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// handleMessage accepts one user message and queues it for the pipeline.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	var body struct {
		Content string `json:"content"`
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Channel == "" {
		body.Channel = "api"
	}
	cycle, err := s.digester.Ingest(userID, body.Channel, body.Content)
	if err != nil {
		if types.KindOf(err) == types.ErrValidation {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.Warn("stream", "ingest for %s: %v", userID, err)
		httpError(w, http.StatusInternalServerError, "could not accept message")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"cycle_id": cycle.CycleID, "thread_id": cycle.ThreadID})
}

// handleEvents serves a user's event stream. Frames carry the event type in
// the SSE event field and the full StreamEvent as JSON data; reconnecting
// clients dedupe on output_id, and the server also drops IDs it has already
// sent on this connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	events := s.bus.Subscribe(r.Context(), types.UserStreamKey(userID))
	keepalive := time.NewTicker(KeepaliveInterval)
	defer keepalive.Stop()

	seen := make(map[string]bool, dedupeWindow)
	var order []string
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.OutputID != "" {
				if seen[ev.OutputID] {
					continue
				}
				seen[ev.OutputID] = true
				order = append(order, ev.OutputID)
				if len(order) > dedupeWindow {
					delete(seen, order[0])
					order = order[1:]
				}
			}
			if err := writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, ev types.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// handleCycle lets a client poll the status of a submitted message cycle.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httpError(w, http.StatusNotFound, "not available")
		return
	}
	cycle, err := s.db.GetCycle(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpError(w, http.StatusNotFound, "no such cycle")
			return
		}
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"cycle_id": cycle.CycleID,
		"status":   string(cycle.Status),
		"topic":    cycle.Topic,
		"depth":    cycle.Depth,
	})
}

// handleStats reports store row counts, queue depths, and the short-term
// memory footprint.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.db != nil {
		counts, err := s.db.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "stats failed")
			return
		}
		out["store"] = counts
	}
	if s.queues != nil {
		depths := map[string]int{}
		for _, name := range []string{
			queue.QueuePrompt, queue.QueueMemoryChunker, queue.QueueEpisodic,
			queue.QueueSemantic, queue.QueueReflection, queue.QueuePersistentTask,
		} {
			depths[name] = s.queues.Len(name)
		}
		out["queues"] = depths
	}
	if s.eph != nil {
		out["ephemeral_facts"] = s.eph.FactCount()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snapshot := map[string]any{"status": "ok"}
	if s.health != nil {
		snapshot = s.health()
	}
	json.NewEncoder(w).Encode(snapshot)
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
