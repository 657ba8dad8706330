package httpapi

import (
	"net/http"
	"time"

	"github.com/basket/taskbroker/internal/broker"
)

type claimRequest struct {
	WorkerID string `json:"workerId"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid claim request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}

	block := time.Duration(s.cfg.QueueBlockSeconds) * time.Second
	result, err := s.cfg.Queue.Claim(r.Context(), req.WorkerID, block)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":  result.Task,
		"input": result.Input,
	})
}

type ackRequest struct {
	Requeue bool `json:"requeue,omitempty"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ackRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid ack request body")
			return
		}
	}

	var err error
	if req.Requeue {
		err = s.cfg.Queue.Requeue(r.Context(), id)
	} else {
		err = s.cfg.Queue.Ack(r.Context(), id)
	}
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var ev broker.TaskEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if !broker.IsKnownEventType(ev.Type) {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	ev.TaskID = id

	requeued, err := s.cfg.Repo.AppendEvent(r.Context(), id, ev)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	if requeued {
		if err := s.cfg.Queue.Requeue(r.Context(), id); err != nil {
			s.logger.Error("append event: re-enqueue after retry failed", "task_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
