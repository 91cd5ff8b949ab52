// Package httpapi is the daemon's control surface: task submission and
// lifecycle, queue inspection, settings, schedules, history, and the
// websocket event stream the desktop shell subscribes to.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/history"
	"github.com/agentdeck/agentdeck/internal/observability"
	"github.com/agentdeck/agentdeck/internal/policy"
	"github.com/agentdeck/agentdeck/internal/recurring"
	"github.com/agentdeck/agentdeck/internal/settings"
	"github.com/agentdeck/agentdeck/internal/stream"
	"github.com/agentdeck/agentdeck/internal/tasks"
)

const streamSubscriberBuffer = 256

type Options struct {
	Config    config.Config
	Manager   *tasks.Manager
	Hub       *stream.Hub
	History   history.Store
	Settings  *settings.Store
	Gate      *policy.Gate
	Recurring *recurring.Service
	Stages    *observability.StageWindow
}

type Server struct {
	cfg       config.Config
	manager   *tasks.Manager
	hub       *stream.Hub
	history   history.Store
	settings  *settings.Store
	gate      *policy.Gate
	recurring *recurring.Service
	stages    *observability.StageWindow
	upgrader  websocket.Upgrader
}

func New(opts Options) *Server {
	return &Server{
		cfg:       opts.Config,
		manager:   opts.Manager,
		hub:       opts.Hub,
		history:   opts.History,
		settings:  opts.Settings,
		gate:      opts.Gate,
		recurring: opts.Recurring,
		stages:    opts.Stages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the same
				// origin. The daemon binds loopback, but a hostile page could still
				// try to drive it through the user's browser.
				if opts.Config.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Desktop shells and CLI probes omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/tasks", s.handleCreateTask)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{taskID}", s.handleGetTask)
	r.Delete("/v1/tasks/{taskID}", s.handleCancelTask)
	r.Post("/v1/tasks/{taskID}/interrupt", s.handleInterruptTask)
	r.Post("/v1/tasks/{taskID}/respond", s.handleRespond)
	r.Get("/v1/queue", s.handleQueue)
	r.Delete("/v1/queue/{taskID}", s.handleCancelQueued)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/history", s.handleHistory)
	r.Get("/v1/settings", s.handleGetSettings)
	r.Put("/v1/settings", s.handleUpdateSettings)
	r.Get("/v1/schedules", s.handleListSchedules)
	r.Post("/v1/schedules", s.handleCreateSchedule)
	r.Delete("/v1/schedules/{jobID}", s.handleDeleteSchedule)
	r.Get("/v1/perf/stages", s.handleStageSnapshot)
	r.Get("/v1/stream", s.handleStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"history_store":   s.historyMode(),
		"agent_host_mode": strings.ToLower(strings.TrimSpace(s.cfg.AgentHostMode)),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"active_tasks":  s.manager.ActiveTaskCount(),
		"queue_length":  s.manager.QueueLength(),
		"history_store": s.historyMode(),
	})
}

// handleStream upgrades the shell connection and relays hub envelopes.
// The stream is one-way: the read loop exists to notice pongs and
// disconnects, shell payloads are discarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.hub.Subscribe(streamSubscriberBuffer)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the conn unblocks the read loop when the hub drops this
		// subscriber for falling behind.
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-sub:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	}

	cancel()
	<-writerDone
}

func (s *Server) historyMode() string {
	if s.history == nil {
		return "disabled"
	}
	return s.history.Mode()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
