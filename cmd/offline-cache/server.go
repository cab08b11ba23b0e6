package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/pkg/faults"
	"github.com/always-cache/offline-cache/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// enqueueRequest is what page-level callers post to /.offline/enqueue.
// The body is sent to the origin as it is, as JSON unless a Content-Type is given.
type enqueueRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

type statusResponse struct {
	Replay     string         `json:"replay"`
	LastReplay map[string]int `json:"lastReplay"`
}

// newRouter mounts the control endpoints under /.offline and sends everything else
// through the offline cache.
func newRouter(oc *offlinecache.OfflineCache, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(logger),
		hlog.RequestIDHandler("requestId", "Request-Id"),
		hlog.RemoteAddrHandler("sourceIp"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Trace().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request served")
		}),
	)

	r.Route("/.offline", func(r chi.Router) {
		r.Post("/enqueue", enqueueHandler(oc))
		r.Post("/sync/{tag}", func(w http.ResponseWriter, r *http.Request) {
			tag := chi.URLParam(r, "tag")
			recognized := oc.OnReconnectSignal(tag)
			writeJSON(w, r, http.StatusAccepted, map[string]bool{"recognized": recognized})
		})
		r.Post("/install", func(w http.ResponseWriter, r *http.Request) {
			if err := oc.OnInstall(r.Context()); err != nil {
				writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/activate", func(w http.ResponseWriter, r *http.Request) {
			if err := oc.OnActivate(r.Context()); err != nil {
				writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/cache", func(w http.ResponseWriter, r *http.Request) {
			u := r.URL.Query().Get("url")
			if u == "" {
				http.Error(w, "url is required", http.StatusBadRequest)
				return
			}
			if err := oc.Evict(r.Context(), u); err != nil {
				writeError(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/message", messageHandler)
		r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
			ops, err := oc.Queued()
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, r, http.StatusOK, ops)
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			last := oc.Replay().LastResult()
			writeJSON(w, r, http.StatusOK, statusResponse{
				Replay: oc.Replay().State().String(),
				LastReplay: map[string]int{
					"attempted": last.Attempted,
					"replayed":  last.Replayed,
					"rejected":  last.Rejected,
					"failed":    last.Failed,
					"deleted":   last.Deleted,
				},
			})
		})
	})

	r.Handle("/*", oc)
	return r
}

func enqueueHandler(oc *offlinecache.OfflineCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Could not decode operation: "+err.Error(), http.StatusBadRequest)
			return
		}
		op := offlinecache.QueuedOperation{
			Method:  req.Method,
			URL:     req.URL,
			Headers: req.Headers,
			Body:    []byte(req.Body),
		}
		if op.Method == "" {
			op.Method = http.MethodPost
		}
		if _, ok := op.Headers["Content-Type"]; !ok && len(op.Body) > 0 {
			if op.Headers == nil {
				op.Headers = map[string]string{}
			}
			op.Headers["Content-Type"] = "application/json"
		}
		key, err := oc.Enqueue(r.Context(), op)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, map[string]uint64{"sequenceKey": key})
	}
}

// messageHandler answers a page message with an acknowledgement echoing it.
func messageHandler(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "Could not read message: "+err.Error(), http.StatusBadRequest)
		return
	}
	hlog.FromRequest(r).Debug().Str("message", string(b)).Msg("Received message")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := fmt.Fprintf(w, "Heard %s", b); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response body to client")
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response body to client")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrInvalidOperation), errors.Is(err, offlinecache.ErrInvalidURL):
		status = http.StatusBadRequest
	case errors.Is(err, faults.ErrPreWarmFailed), errors.Is(err, faults.ErrOriginUnreachable):
		status = http.StatusBadGateway
	case errors.Is(err, faults.ErrPersistenceUnavailable):
		status = http.StatusServiceUnavailable
	}
	hlog.FromRequest(r).Warn().Err(err).Str("kind", faults.Kind(err)).Msg("Control request failed")
	http.Error(w, err.Error(), status)
}
