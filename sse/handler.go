// Package sse streams a run's events to the experimenter dashboard as
// Server-Sent Events: first the stored history, then live events from the
// bus, until the run finishes or the client goes away.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/trialflow/bus"
	"github.com/petal-labs/trialflow/runtime"
)

// DefaultHeartbeat is the interval between keep-alive comments.
const DefaultHeartbeat = 15 * time.Second

// Config configures a Handler.
type Config struct {
	Store bus.EventStore
	Bus   bus.EventBus

	// Heartbeat is the interval between ": ping" comments
	// (default: DefaultHeartbeat).
	Heartbeat time.Duration
}

// Handler serves the events of the run named by the "run_id" path value.
//
// Query parameters:
//
//	after  last sequence number the client has seen
//	sid    only this session's events (run events are always sent)
//	kind   comma separated kinds or kind prefixes such as "instance."
//
// Each message is written as
//
//	id: {seq}
//	event: {kind}
//	data: {json}
type Handler struct {
	store     bus.EventStore
	bus       bus.EventBus
	heartbeat time.Duration
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	return &Handler{store: cfg.Store, bus: cfg.Bus, heartbeat: cfg.Heartbeat}
}

// message is the JSON body of one event.
type message struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	SessionID string         `json:"sid,omitempty"`
	State     string         `json:"state,omitempty"`
	TaskID    int            `json:"task_id,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// stream is the state of one client connection.
type stream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	sid     string
	kinds   []string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	var after uint64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = n
	}
	s := &stream{w: w, flusher: flusher, sid: q.Get("sid"), kinds: splitKinds(q.Get("kind"))}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribe first so nothing published during the replay is missed.
	sub := h.bus.Subscribe(runID)
	defer sub.Close()

	replayed, finished, err := h.replay(r.Context(), s, runID, after)
	if err != nil || finished {
		return
	}
	h.live(r.Context(), s, sub, replayed)
}

// replay sends the stored events after the cursor and returns the highest
// sequence covered.
func (h *Handler) replay(ctx context.Context, s *stream, runID string, after uint64) (uint64, bool, error) {
	events, err := h.store.List(ctx, runID, after, 0)
	if err != nil {
		return after, false, err
	}
	through := after
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return through, false, err
		}
		through = max(through, e.Seq)
		if done, err := s.send(e); err != nil || done {
			return through, done, err
		}
	}
	return through, false, nil
}

// live forwards bus events the replay did not cover. Events on the bus may
// arrive out of sequence order; only the replayed range is skipped.
func (h *Handler) live(ctx context.Context, s *stream, sub bus.Subscription, replayed uint64) {
	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if e.Seq <= replayed {
				continue
			}
			if done, err := s.send(e); err != nil || done {
				return
			}
		case <-ping.C:
			if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
				return
			}
			s.flusher.Flush()
		}
	}
}

// send writes e if the client wants it and reports whether the stream is
// over. The end of the run ends the stream even when filtered out.
func (s *stream) send(e runtime.Event) (bool, error) {
	done := e.Kind.Ends()
	if !s.wants(e) {
		return done, nil
	}
	data, err := json.Marshal(message{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		SessionID: e.SessionID,
		State:     string(e.State),
		TaskID:    e.TaskID,
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	})
	if err != nil {
		return done, err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data); err != nil {
		return done, err
	}
	s.flusher.Flush()
	return done, nil
}

func (s *stream) wants(e runtime.Event) bool {
	if s.sid != "" && e.SessionID != "" && e.SessionID != s.sid {
		return false
	}
	if len(s.kinds) == 0 {
		return true
	}
	for _, k := range s.kinds {
		if (strings.HasSuffix(k, ".") && strings.HasPrefix(string(e.Kind), k)) || string(e.Kind) == k {
			return true
		}
	}
	return false
}

func splitKinds(v string) []string {
	var kinds []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
