package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"mailpool/internal/domain"
	"mailpool/internal/refresh"
	"mailpool/internal/scheduler"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (errorEvent) EventType() string { return "error" }

// skippedEvent answers a scheduled trigger that arrived before the interval elapsed.
type skippedEvent struct {
	Type        string    `json:"type"`
	Reason      string    `json:"reason"`
	NextRefresh time.Time `json:"next_refresh"`
}

func (skippedEvent) EventType() string { return "skipped" }

type runFunc func(ctx context.Context, sink refresh.Sink) (*refresh.CompleteEvent, error)

// startRun runs fn in the background and relays its events. stop only
// detaches the listener; the run itself keeps going.
func startRun(ctx context.Context, fn runFunc) (<-chan refresh.Event, func()) {
	events := make(chan refresh.Event, 64)
	gone := make(chan struct{})
	var once sync.Once
	send := func(e refresh.Event) {
		select {
		case events <- e:
		case <-gone:
		}
	}
	go func() {
		defer close(events)
		if _, err := fn(ctx, send); err != nil {
			log.Error().Err(err).Msg("refresh run failed")
			send(errorEvent{Type: "error", Error: err.Error()})
		}
	}()
	return events, func() { once.Do(func() { close(gone) }) }
}

// parseRefresh turns a trigger request into a run. A group comes from the
// {id} route param or the group query; otherwise kind selects manual or
// scheduled. skip is set when a scheduled run is not yet due.
func (s *Server) parseRefresh(r *http.Request) (runFunc, *skippedEvent, error) {
	q := r.URL.Query()
	groupRaw := chi.URLParam(r, "id")
	if groupRaw == "" {
		groupRaw = q.Get("group")
	}
	if groupRaw != "" {
		groupID, err := strconv.ParseInt(groupRaw, 10, 64)
		if err != nil || groupID <= 0 {
			return nil, nil, errors.New("invalid group id")
		}
		resume := boolQuery(r, "resume", false)
		return func(ctx context.Context, sink refresh.Sink) (*refresh.CompleteEvent, error) {
			return s.refresh.RefreshGroup(ctx, groupID, resume, sink)
		}, nil, nil
	}

	kind := q.Get("kind")
	if kind == "" {
		kind = domain.KindManual
	}
	if kind != domain.KindManual && kind != domain.KindScheduled {
		return nil, nil, errors.New("kind must be manual or scheduled")
	}
	resume := boolQuery(r, "resume", kind == domain.KindScheduled)
	if kind == domain.KindScheduled && !s.opts.UseCron && !boolQuery(r, "force", false) {
		due, next, err := scheduler.CheckDue(r.Context(), s.store, s.opts.IntervalDays, s.now())
		if err != nil {
			return nil, nil, err
		}
		if !due {
			return nil, &skippedEvent{Type: "skipped", Reason: "refresh interval not reached", NextRefresh: next}, nil
		}
	}
	return func(ctx context.Context, sink refresh.Sink) (*refresh.CompleteEvent, error) {
		return s.refresh.RefreshAll(ctx, kind, resume, sink)
	}, nil, nil
}

func (s *Server) refreshStream(w http.ResponseWriter, r *http.Request) {
	fn, skip, err := s.parseRefresh(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.streamNDJSON(w, r, fn, skip)
}

func (s *Server) groupRefreshStream(w http.ResponseWriter, r *http.Request) {
	s.refreshStream(w, r)
}

// streamNDJSON writes one JSON object per line and flushes after each.
// A client disconnect stops the writes, not the run.
func (s *Server) streamNDJSON(w http.ResponseWriter, r *http.Request, fn runFunc, skip *skippedEvent) {
	w.Header().Set("content-type", "application/x-ndjson")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("x-accel-buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	if skip != nil {
		_ = enc.Encode(skip)
		return
	}

	events, stop := startRun(context.WithoutCancel(r.Context()), fn)
	defer stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			log.Info().Msg("refresh stream client went away, run continues")
			return
		}
	}
}

func (s *Server) refreshWebSocket(w http.ResponseWriter, r *http.Request) {
	fn, skip, err := s.parseRefresh(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	if skip != nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(skip)
		closeNormal()
		return
	}

	events, stop := startRun(context.WithoutCancel(r.Context()), fn)
	defer stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				closeNormal()
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) refreshFailed(w http.ResponseWriter, r *http.Request) {
	sum, err := s.refresh.RefreshFailed(context.WithoutCancel(r.Context()), nil)
	if err != nil {
		log.Error().Err(err).Msg("retry failed accounts")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) refreshAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	out, err := s.refresh.RefreshOne(r.Context(), id)
	switch {
	case errors.Is(err, refresh.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func boolQuery(r *http.Request, name string, def bool) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}
