package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/guard"
	"github.com/lox/cryptoroulette/internal/protocol"
	"github.com/lox/cryptoroulette/internal/room"
	"github.com/shopspring/decimal"
)

// Balances reports wallet balances for /api/balance
type Balances interface {
	Balance(userID string) decimal.Decimal
}

// Server serves the REST API and the room WebSockets
type Server struct {
	addr     string
	upgrader websocket.Upgrader
	engine   *game.Engine
	rooms    *room.Manager
	guard    *guard.Guard
	balances Balances
	validate *validator.Validate
	logger   *log.Logger
	router   chi.Router
	http     *http.Server
}

// NewServer creates a new server
func NewServer(addr string, logger *log.Logger, engine *game.Engine, rooms *room.Manager, g *guard.Guard) *Server {
	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		engine:   engine,
		rooms:    rooms,
		guard:    g,
		validate: newValidator(),
		logger:   logger.WithPrefix("server"),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetBalances enables /api/balance
func (s *Server) SetBalances(b Balances) {
	s.balances = b
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws/{sessionID}", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/wheel", s.handleWheel)
		r.Post("/verify", s.handleVerify)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/history", s.handleHistory)
			r.Get("/balance", s.handleBalance)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleCreateSession)
				r.Get("/active", s.handleGetActiveSession)
				r.Post("/active", s.handleGetOrCreateActiveSession)

				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Post("/bets", s.handlePlaceBet)
					r.Post("/spin", s.handleSpin)
					r.Post("/cancel", s.handleCancel)
					r.Get("/reveal", s.handleReveal)
					r.Get("/audit", s.handleAudit)
				})
			})
		})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "addr", ln.Addr().String())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down server")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Hijacked WebSockets are not tracked by Shutdown.
	return s.rooms.Close()
}

// requestLogger logs each request at debug level
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// handleWebSocket upgrades a spectator or player into a session's room
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get(userHeader)
	}
	if userID == "" {
		writeUnauthorized(w, r)
		return
	}
	if _, err := s.engine.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, r, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	ip := clientIP(r)
	client := NewConnection(ws, s.logger, s.rooms, s.guard, userID, ip)
	connID, err := s.rooms.Join(r.Context(), client, sessionID, userID, ip)
	if err != nil {
		s.logger.Warn("Join failed", "session", sessionID, "user", userID, "error", err)
		if msg, merr := protocol.NewMessage(protocol.TypeError, protocol.ErrorFrom(err), time.Now()); merr == nil {
			if frame, eerr := msg.Encode(); eerr == nil {
				_ = ws.WriteMessage(websocket.TextMessage, frame)
			}
		}
		_ = ws.Close()
		return
	}
	client.Start(connID)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
