// Package admin serves the operator HTTP surface: health, authenticated
// statistics, a WebSocket spectator feed and a join QR code.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	qrSize          = 256
	shutdownTimeout = 5 * time.Second
)

// Config holds admin surface configuration.
type Config struct {
	Addr         string
	PasswordHash string
	PublicAddr   string // UDP address advertised in the join QR
	SpectateRate int
}

// StatsFunc collects the counters served on /admin/stats.
type StatsFunc func() interface{}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Server is the admin HTTP server.
type Server struct {
	cfg   Config
	auth  *Auth
	hub   *Hub
	stats StatsFunc
	log   *zap.SugaredLogger
}

// NewServer creates an admin Server.
func NewServer(cfg Config, auth *Auth, hub *Hub, stats StatsFunc, log *zap.SugaredLogger) *Server {
	return &Server{cfg: cfg, auth: auth, hub: hub, stats: stats, log: log}
}

// Routes configures HTTP routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /admin/login", s.handleLogin)
	mux.HandleFunc("GET /admin/stats", s.requireToken(s.handleStats))
	mux.HandleFunc("GET /spectate", s.handleSpectate)
	mux.HandleFunc("GET /join.png", s.handleJoinQR)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "admin listen on %s", s.cfg.Addr)
	}
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("admin listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return errors.Wrap(err, "admin serve")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "admin shutdown")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	token, err := s.auth.Login(req.Password, extractIP(r))
	switch {
	case errors.Is(err, ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	case err != nil:
		s.log.Errorw("admin login", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) handleSpectate(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.ValidateToken(tokenFrom(r)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.hub.CanAccept() {
		http.Error(w, "too many spectators", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("upgrade error", "error", err)
		return
	}

	spectator := NewSpectator(s.hub, conn, extractIP(r))
	if !s.hub.Join(spectator) {
		conn.Close()
		return
	}
	go spectator.WritePump()
	go spectator.ReadPump()
}

func (s *Server) handleJoinQR(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PublicAddr == "" {
		http.NotFound(w, r)
		return
	}
	png, err := qrcode.Encode("udp://"+s.cfg.PublicAddr, qrcode.Medium, qrSize)
	if err != nil {
		s.log.Errorw("encoding join QR", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(png)
}

// requireToken rejects requests without a valid bearer token.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.ValidateToken(tokenFrom(r)); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		next(w, r)
	}
}

// tokenFrom reads the bearer token from the Authorization header, falling
// back to the token query parameter for WebSocket clients.
func tokenFrom(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
