package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/mailfilter/cache"
	"github.com/migadu/mailfilter/filter"
	"github.com/migadu/mailfilter/filterlog"
	"github.com/migadu/mailfilter/logger"
	"github.com/migadu/mailfilter/pkg/lookupcache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"lukechampine.com/blake3"
)

// LogHistory is a persistent filter log, e.g. the Redis sink.
type LogHistory interface {
	Recent(ctx context.Context, n int) ([]filterlog.Entry, error)
	Clear(ctx context.Context) error
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKeyHash   []byte
	allowedHosts []string
	manager      *filter.Manager
	history      LogHistory
	cache        *cache.Cache
	maxBodySize  int64
	keys         *lookupcache.Cache[bool]
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKeyHash   string
	AllowedHosts []string
	Manager      *filter.Manager
	History      LogHistory
	Cache        *cache.Cache
	MaxBodySize  int64
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new HTTP API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKeyHash == "" {
		return nil, fmt.Errorf("API key hash is required for HTTP API server")
	}
	if _, err := bcrypt.Cost([]byte(options.APIKeyHash)); err != nil {
		return nil, fmt.Errorf("invalid API key hash: %w", err)
	}
	if options.Manager == nil {
		return nil, fmt.Errorf("filter manager is required for HTTP API server")
	}
	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
		}
	}
	if options.MaxBodySize <= 0 {
		options.MaxBodySize = 50 * 1024 * 1024
	}

	return &Server{
		addr:         options.Addr,
		apiKeyHash:   []byte(options.APIKeyHash),
		allowedHosts: options.AllowedHosts,
		manager:      options.Manager,
		history:      options.History,
		cache:        options.Cache,
		maxBodySize:  options.MaxBodySize,
		keys:         lookupcache.New[bool](10*time.Minute, time.Minute, 1000, 5*time.Minute),
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start runs the server until ctx is done. Errors are sent to errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: error shutting down server", "error", err)
		}
		_ = s.keys.Stop(shutdownCtx)
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/apply", s.handleApply).Methods("POST")
	v1.HandleFunc("/filters", s.handleListFilters).Methods("GET")
	v1.HandleFunc("/filters/{id}", s.handleGetFilter).Methods("GET")
	v1.HandleFunc("/sieve", s.handleSieve).Methods("GET")
	v1.HandleFunc("/log", s.handleGetLog).Methods("GET")
	v1.HandleFunc("/log", s.handleClearLog).Methods("DELETE")
	v1.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := net.ParseIP(getClientIP(r))
		for _, allowedHost := range s.allowedHosts {
			if ip != nil && ip.String() == allowedHost {
				next.ServeHTTP(w, r)
				return
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && ip != nil && cidr.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !s.validKey(r.Context(), parts[1]) {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validKey checks token against the bcrypt hash. Results are cached under
// the token's digest so bcrypt runs once per key and TTL.
func (s *Server) validKey(ctx context.Context, token string) bool {
	sum := blake3.Sum256([]byte(token))
	valid, _, err := s.keys.GetOrLoad(ctx, hex.EncodeToString(sum[:]), func(context.Context) (bool, bool, error) {
		ok := bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(token)) == nil
		return ok, ok, nil
	})
	return err == nil && valid
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
