// File: internal/daemon/admin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package daemon

import (
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momentics/hioload-uws/api"
	"github.com/momentics/hioload-uws/app"
	"github.com/momentics/hioload-uws/internal/logging"
	"github.com/momentics/hioload-uws/protocol"
)

// maxPublishBody bounds POST /topics/{topic}.
const maxPublishBody = 1 << 20

// TopicStatus is returned by the topic endpoints.
type TopicStatus struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Delivered   *bool  `json:"delivered,omitempty"`
}

type admin struct {
	app *app.App
}

// NewAdminRouter exposes health, metrics and topic operations for a. The
// handlers reach the App through its loop, so the loop must be running.
// publishRate limits publishes per client IP per minute.
func NewAdminRouter(a *app.App, publishRate int) http.Handler {
	h := &admin{app: a}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/topics/{topic}", h.topic)
	r.With(httprate.LimitByIP(publishRate, time.Minute)).Post("/topics/{topic}", h.publish)
	return r
}

func (h *admin) health(w http.ResponseWriter, r *http.Request) {
	l := h.app.Loop()
	if !l.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"iteration": l.Iteration(),
		"pending":   l.Pending(),
	})
}

func (h *admin) topic(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	var n int
	if err := h.sync(func() { n = h.app.NumSubscribers(topic) }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TopicStatus{Topic: topic, Subscribers: n})
}

// publish sends the request body to topic. ?op=binary selects binary frames;
// text bodies must be valid UTF-8.
func (h *admin) publish(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	op := protocol.OpText
	switch r.URL.Query().Get("op") {
	case "", "text":
		if !utf8.Valid(body) {
			writeError(w, http.StatusBadRequest, "text body is not valid utf-8")
			return
		}
	case "binary":
		op = protocol.OpBinary
	default:
		writeError(w, http.StatusBadRequest, "op must be text or binary")
		return
	}

	var (
		delivered bool
		n         int
	)
	err = h.sync(func() {
		delivered = h.app.Publish(topic, body, op, true)
		n = h.app.NumSubscribers(topic)
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	logging.Debug().Str("topic", topic).Int("bytes", len(body)).Bool("delivered", delivered).Msg("admin publish")
	writeJSON(w, http.StatusAccepted, TopicStatus{Topic: topic, Subscribers: n, Delivered: &delivered})
}

// sync runs fn on the App's loop.
func (h *admin) sync(fn func()) error {
	if !h.app.Loop().Sync(fn) {
		return api.ErrLoopStopped
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("write admin response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
