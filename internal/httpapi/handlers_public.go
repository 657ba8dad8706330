package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/basket/taskbroker/internal/broker"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.TaskCreateDuration.Record(r.Context(), time.Since(start).Seconds())
		}
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	input, err := s.cfg.Validator.ValidateCreateTaskInput(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.cfg.Repo.Create(r.Context(), input)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}

	if err := s.cfg.Queue.Enqueue(r.Context(), task.ID); err != nil {
		s.writeBrokerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"task": task.Sanitize()})
}

func (s *Server) handleListOrStreamIndex(w http.ResponseWriter, r *http.Request) {
	if wantsSSE(r) {
		s.handleStreamIndex(w, r)
		return
	}

	parentTaskID := r.URL.Query().Get("parentTaskId")
	tasks, err := s.cfg.Repo.List(r.Context(), parentTaskID)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	sanitized := make([]broker.Task, len(tasks))
	for i, t := range tasks {
		sanitized[i] = t.Sanitize()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": sanitized})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.cfg.Repo.Snapshot(r.Context(), id)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	snap.Task = snap.Task.Sanitize()
	writeJSON(w, http.StatusOK, snap)
}

// handleStreamTaskEvents implements GET /tasks/{id}/events: snapshot then
// tail, framed as spec §6 describes.
func (s *Server) handleStreamTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := s.cfg.Repo.Snapshot(r.Context(), id)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	snap.Task = snap.Task.Sanitize()

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.metrics != nil {
		s.metrics.SSESubscribers.Add(r.Context(), 1)
		defer s.metrics.SSESubscribers.Add(context.Background(), -1)
	}
	if err := sse.send("snapshot", snap); err != nil {
		return
	}

	cursor := snap.Cursor
	ctx := r.Context()
	block := time.Duration(s.cfg.QueueBlockSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, next, err := s.cfg.Repo.TailTask(ctx, id, cursor, block, defaultTaskTailMaxCount)
		if err != nil {
			s.logger.Error("sse: tail task failed", "task_id", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		cursor = next

		for _, ev := range events {
			if err := sse.send(ev.Type, ev); err != nil {
				return
			}
		}
	}
}

// handleStreamIndex implements the SSE variant of GET /tasks: index
// snapshot then tail.
func (s *Server) handleStreamIndex(w http.ResponseWriter, r *http.Request) {
	parentTaskID := r.URL.Query().Get("parentTaskId")
	tasks, err := s.cfg.Repo.List(r.Context(), parentTaskID)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	sanitized := make([]broker.Task, len(tasks))
	for i, t := range tasks {
		sanitized[i] = t.Sanitize()
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.metrics != nil {
		s.metrics.SSESubscribers.Add(r.Context(), 1)
		defer s.metrics.SSESubscribers.Add(context.Background(), -1)
	}
	if err := sse.send("snapshot", map[string]any{"tasks": sanitized}); err != nil {
		return
	}

	cursor := "0-0"
	ctx := r.Context()
	block := time.Duration(s.cfg.QueueBlockSeconds) * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updated, next, err := s.cfg.Repo.TailIndex(ctx, cursor, block, defaultIndexTailMaxCount)
		if err != nil {
			s.logger.Error("sse: tail index failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		cursor = next

		for _, t := range updated {
			if err := sse.send("task", t.Sanitize()); err != nil {
				return
			}
		}
	}
}

func wantsSSE(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return r.URL.Query().Get("stream") == "1" || accept == "text/event-stream"
}

func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	switch broker.KindOf(err) {
	case broker.KindInvalidInput:
		writeError(w, http.StatusBadRequest, err.Error())
	case broker.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case broker.KindUnauthorized:
		writeError(w, http.StatusUnauthorized, err.Error())
	case broker.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case broker.KindStoreUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON is a small helper shared by the internal handlers.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}
