// Package server собирает relay: хаб, REST, /ws, /metrics под одним chi-роутером.
package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chatsync/internal/clock"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/relay"
	"github.com/chatsync/internal/relay/store"
)

type Server struct {
	cfg     config.RelayConfig
	hub     *relay.Hub
	metrics *relay.Metrics
	router  chi.Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New собирает relay поверх хранилища и шины. clk == nil — реальное время.
func New(cfg config.RelayConfig, st store.Store, bus store.Bus, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.Real()
	}
	m := relay.NewMetrics()
	hub := relay.NewHub(cfg, st, bus, m, clk)
	s := &Server{cfg: cfg, hub: hub, metrics: m}
	s.router = s.routes(st, clk)
	return s
}

func (s *Server) routes(st store.Store, clk clock.Clock) chi.Router {
	roomH := handler.NewRoomHandler(st, s.hub, clk.Now)
	wsH := handler.NewWSHandler(s.hub, s.cfg.CORSAllowedOrigins)

	origins := []string{"*"}
	if s.cfg.CORSAllowedOrigins != "" {
		origins = strings.Split(s.cfg.CORSAllowedOrigins, ",")
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.cfg.JWTSecret))
		r.Use(middleware.RateLimit())
		r.Get("/api/rooms/{roomID}/messages", roomH.History)
		r.Get("/api/rooms/{roomID}/pin", roomH.GetPin)
		r.Put("/api/rooms/{roomID}/pin", roomH.Pin)
		r.Delete("/api/rooms/{roomID}/pin/{messageID}", roomH.Unpin)
		r.Post("/api/rooms/{roomID}/read", roomH.MarkRead)
		r.Post("/api/messages/{messageID}/reactions", roomH.ToggleReaction)
		r.Get("/ws", wsH.ServeWS)
	})
	return r
}

// Handler — корневой http.Handler relay.
func (s *Server) Handler() http.Handler { return s.router }

// Start запускает хаб. Останавливается Stop.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
}

// Stop закрывает все подключения и ждёт остановки хаба.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
