package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ostrand/callweave/internal/callrecord"
	"github.com/ostrand/callweave/internal/config"
	"github.com/ostrand/callweave/internal/mediastream"
	"github.com/ostrand/callweave/internal/observability"
	"github.com/ostrand/callweave/internal/relay"
)

// Custom stream parameters the routing layer sets when it opens a leg.
const (
	paramCallRef  = "call_ref"
	paramLanguage = "language"
)

// Server terminates the two media-stream websockets of each call and
// pairs them into relay sessions.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	metrics  *observability.Metrics
	store    callrecord.Store
	registry *relay.Registry
	dial     relay.BackendDialer
	upgrader websocket.Upgrader
}

func New(cfg config.Config, log *slog.Logger, metrics *observability.Metrics, store callrecord.Store, registry *relay.Registry, dial relay.BackendDialer) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		store:    store,
		registry: registry,
		dial:     dial,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony media-stream clients are not browsers and
					// omit Origin. Allow them.
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

	r.Get("/media/caller", s.handleMediaWS(relay.LegCaller))
	r.Get("/media/agent", s.handleMediaWS(relay.LegAgent))

	r.Get("/v1/calls/recent", s.handleRecentCalls)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"store_mode":   s.storeMode(),
		"pass_through": s.cfg.PassThroughEnabled,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

// handleMediaWS upgrades one media-stream leg and runs its transport
// until the stream closes. Session pairing waits for the start frame,
// which carries the call reference.
func (s *Server) handleMediaWS(leg relay.Leg) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		log := s.log.With("leg", leg)
		transport := mediastream.NewTransport(conn, log)
		ctx := r.Context()

		// The start listener runs on this goroutine, inside Run.
		var sess *relay.Session
		transport.OnEvent(mediastream.EventStarted, func(evt mediastream.Event) {
			sess = s.bindStream(ctx, leg, transport, evt)
		})

		transport.Run()
		_ = transport.Close()

		// A socket that drops without a stop frame tears the call down the
		// same way a stop frame would; otherwise the session and both
		// backend connections stay alive until process shutdown.
		if sess != nil {
			sess.Close()
		}
	}
}

// bindStream attaches a started stream to its call's relay session,
// creating the session when this is the call's first leg. Returns nil
// when the start frame carries no usable call reference.
func (s *Server) bindStream(ctx context.Context, leg relay.Leg, t *mediastream.Transport, evt mediastream.Event) *relay.Session {
	callRef := ""
	language := ""
	if evt.Start != nil {
		callRef = strings.TrimSpace(evt.Start.CustomParameters[paramCallRef])
		language = strings.TrimSpace(evt.Start.CustomParameters[paramLanguage])
	}
	if callRef == "" {
		callRef = evt.CallSid
	}
	if callRef == "" {
		s.log.Error("start frame carries no call reference, closing stream", "leg", leg, "stream_sid", evt.StreamSid)
		_ = t.Close()
		return nil
	}
	if language == "" {
		language = s.cfg.DefaultLanguage
	}

	sess := s.sessionFor(callRef, evt.CallSid, language)
	switch leg {
	case relay.LegAgent:
		sess.AttachAgent(t)
	default:
		sess.AttachCaller(t)
	}
	s.log.Info("media stream attached",
		"leg", leg,
		"call_ref", callRef,
		"stream_sid", evt.StreamSid,
		"language", language,
	)

	if err := sess.StartIfReady(ctx); err != nil {
		s.log.Error("start relay session", "call_ref", callRef, "error", err)
		sess.Close()
	}
	return sess
}

func (s *Server) sessionFor(callRef, callSid, language string) *relay.Session {
	sess, err := s.registry.Get(callRef)
	if err == nil {
		return sess
	}

	sess = relay.NewSession(relay.Options{
		Log:                s.log,
		Metrics:            s.metrics,
		Store:              s.store,
		Dial:               s.dial,
		CallSid:            callSid,
		CallerLanguage:     language,
		PassThrough:        s.cfg.PassThroughEnabled,
		CallerInstructions: s.cfg.InstructionsFor(s.cfg.CallerInstructions, language),
		AgentInstructions:  s.cfg.InstructionsFor(s.cfg.AgentInstructions, language),
		OnClose: func(*relay.Session) {
			s.registry.Remove(callRef)
		},
	})
	if putErr := s.registry.Put(callRef, sess); errors.Is(putErr, relay.ErrCallDuplicate) {
		// Lost the race against the other leg's start frame.
		existing, getErr := s.registry.Get(callRef)
		if getErr == nil {
			return existing
		}
	}
	return sess
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.store.RecentCalls(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if records == nil {
		records = []callrecord.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

func (s *Server) storeMode() string {
	switch s.store.(type) {
	case *callrecord.PostgresStore:
		return "postgres"
	case *callrecord.InMemoryStore:
		return "in-memory"
	default:
		return "unknown"
	}
}

// Shutdown closes every active relay session. Called during process
// shutdown after the listener stops accepting connections.
func (s *Server) Shutdown(context.Context) {
	s.registry.CloseAll()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
