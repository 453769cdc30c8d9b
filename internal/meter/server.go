package meter

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Requests per minute allowed for each client address
const (
	RecognitionRateLimit   = 5
	AuthRateLimit          = 10
	DeleteAccountRateLimit = 3
)

type contextKey int

const (
	userIDKey contextKey = iota
	startedKey
)

// Server handles HTTP requests for meters and recognition
type Server struct {
	service  *Service
	mux      *http.ServeMux
	limiters map[string]*rateLimiter
}

// NewServer creates a new Server with default mux
func NewServer(service *Service) *Server {
	return NewServerWithMux(service, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, mux *http.ServeMux) *Server {
	s := &Server{
		service:  service,
		mux:      mux,
		limiters: make(map[string]*rateLimiter),
	}
	s.registerRoutes()
	return s
}

// userID returns the authenticated user of the request
func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// requestStarted returns when the server first saw the request
func requestStarted(r *http.Request) time.Time {
	t, _ := r.Context().Value(startedKey).(time.Time)
	return t
}

// bearerToken extracts the token from an Authorization header
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="meter-tracker"`)
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		id, err := s.service.Authenticate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="meter-tracker", error="invalid_token"`)
			s.writeServiceError(w, r, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	}
}

// rateLimit allows perMinute requests for each client on the route
func (s *Server) rateLimit(route string, perMinute int, next http.HandlerFunc) http.HandlerFunc {
	limiter := newRateLimiter(perMinute)
	s.limiters[route] = limiter
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(clientAddress(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// handle registers a route and records its metrics under the pattern
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	method, route, _ := strings.Cut(pattern, " ")
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		dur := time.Since(start)
		observeHTTPRequest(route, method, rec.status, dur)
		if route != "/health" && route != "/metrics" {
			slog.Debug("Handled request", "method", method, "route", route, "status", rec.status, "duration", dur)
		}
	})
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Recognition
	s.handle("POST /recognize", s.requireAuth(s.handleRecognize))
	s.handle("POST /guest/recognize", s.rateLimit("guest", RecognitionRateLimit, s.handleGuestRecognize))
	s.handle("POST /legacy/recognize", s.rateLimit("legacy", RecognitionRateLimit, s.handleLegacyRecognize))

	// Accounts
	s.handle("POST /auth/register", s.rateLimit("register", AuthRateLimit, s.handleRegister))
	s.handle("POST /auth/login", s.rateLimit("login", AuthRateLimit, s.handleLogin))
	s.handle("POST /auth/google", s.rateLimit("google", AuthRateLimit, s.handleGoogle))
	s.handle("POST /auth/apple", s.rateLimit("apple", AuthRateLimit, s.handleApple))
	s.handle("DELETE /auth/account", s.rateLimit("delete_account", DeleteAccountRateLimit, s.requireAuth(s.handleDeleteAccount)))

	// Properties and meters
	s.handle("GET /properties", s.requireAuth(s.handleListProperties))
	s.handle("POST /properties", s.requireAuth(s.handleCreateProperty))
	s.handle("DELETE /properties/{id}", s.requireAuth(s.handleDeleteProperty))
	s.handle("GET /meters", s.requireAuth(s.handleListMeters))
	s.handle("POST /meters", s.requireAuth(s.handleCreateMeter))
	s.handle("DELETE /meters/{id}", s.requireAuth(s.handleDeleteMeter))

	// Readings
	s.handle("GET /readings/{id}/image", s.requireAuth(s.handleGetReadingImage))
	s.handle("GET /readings/{id}", s.requireAuth(s.handleGetReading))
	s.handle("DELETE /readings/{id}", s.requireAuth(s.handleDeleteReading))
	s.handle("GET /readings", s.requireAuth(s.handleListReadings))
	s.handle("POST /readings", s.requireAuth(s.handleCreateReading))

	// Tariffs and bills
	s.handle("GET /tariffs", s.requireAuth(s.handleListTariffs))
	s.handle("POST /tariffs", s.requireAuth(s.handleCreateTariff))
	s.handle("PUT /tariffs/{id}", s.requireAuth(s.handleUpdateTariff))
	s.handle("DELETE /tariffs/{id}", s.requireAuth(s.handleDeleteTariff))
	s.handle("GET /bills", s.requireAuth(s.handleListBills))
	s.handle("POST /bills", s.requireAuth(s.handleCreateBill))
	s.handle("DELETE /bills/{id}", s.requireAuth(s.handleDeleteBill))

	s.handle("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the mux wrapped with CORS and the request start time
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s)
}

// Start starts the HTTP server and stops it when ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeHTTP implements http.Handler and stamps the request start time
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), startedKey, time.Now())
	s.mux.ServeHTTP(w, r.WithContext(ctx))
}
