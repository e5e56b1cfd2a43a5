// Package httpd implements provider.HTTPServer for the host daemon: a
// chi-routed HTTP (and optionally HTTPS) listener whose registered
// prefix handlers receive requests through the provider.ServerRequest
// interface.
package httpd

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weavekit/weave-core/internal/infrastructure/config"
	"github.com/weavekit/weave-core/internal/infrastructure/logging"
	"github.com/weavekit/weave-core/provider"
)

// replyTimeout bounds how long a prefix handler may sit on a request
// before the server gives up on it.
const replyTimeout = 30 * time.Second

// Server is a chi-based implementation of provider.HTTPServer.
type Server struct {
	mu        sync.Mutex
	cfg       config.APIConfig
	logger    *logging.Logger
	router    chi.Router
	callbacks []func(provider.HTTPServer)

	fingerprint []byte
	httpSrv     *http.Server
	httpsSrv    *http.Server
	running     bool
}

// New creates the server. When TLS is configured the certificate is
// loaded immediately so its fingerprint is available before Start.
func New(cfg config.APIConfig, logger *logging.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: chi.NewRouter(),
	}
	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		sum := sha256.Sum256(cert.Certificate[0])
		s.fingerprint = sum[:]
		s.httpsSrv = &http.Server{
			Handler:   s.router,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
		}
	}
	s.httpSrv = &http.Server{Handler: s.router}
	return s, nil
}

// HTTPPort returns the plain-text port.
func (s *Server) HTTPPort() uint16 { return uint16(s.cfg.Port) }

// HTTPSPort returns the TLS port, or 0 when TLS is disabled.
func (s *Server) HTTPSPort() uint16 {
	if !s.cfg.TLS.Enabled {
		return 0
	}
	return uint16(s.cfg.TLS.Port)
}

// HTTPSCertificateFingerprint returns the SHA-256 of the served
// certificate, or an empty slice when TLS is disabled.
func (s *Server) HTTPSCertificateFingerprint() []byte {
	return append([]byte{}, s.fingerprint...)
}

// AddRequestHandler routes requests under pathPrefix to handler.
func (s *Server) AddRequestHandler(pathPrefix string, handler func(provider.ServerRequest)) {
	s.router.Handle(pathPrefix+"*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)
			return
		}
		req := &serverRequest{
			path:   r.URL.Path,
			method: r.Method,
			data:   string(body),
			header: r.Header,
			writer: w,
			done:   make(chan struct{}),
		}
		handler(req)
		select {
		case <-req.done:
		case <-time.After(replyTimeout):
			http.Error(w, "handler timeout", http.StatusServiceUnavailable)
		}
	}))
}

// AddOnStateChangedCallback registers a lifecycle observer; it fires
// immediately as well when the server is already running.
func (s *Server) AddOnStateChangedCallback(callback func(provider.HTTPServer)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, callback)
	running := s.running
	s.mu.Unlock()
	if running {
		callback(s)
	}
}

// Start brings the listeners up and fires the state callbacks.
func (s *Server) Start(ctx context.Context) error {
	httpLn, err := net.Listen("tcp",
		net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listening on http port: %w", err)
	}
	go s.serve(s.httpSrv, httpLn, "http")

	if s.httpsSrv != nil {
		httpsLn, err := net.Listen("tcp",
			net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.TLS.Port)))
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on https port: %w", err)
		}
		go s.serve(s.httpsSrv, tls.NewListener(httpsLn, s.httpsSrv.TLSConfig), "https")
	}

	s.mu.Lock()
	s.running = true
	callbacks := append([]func(provider.HTTPServer){}, s.callbacks...)
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb(s)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
		if s.httpsSrv != nil {
			s.httpsSrv.Shutdown(shutdownCtx)
		}
	}()
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("http server failed", "listener", name, "error", err)
	}
}

// serverRequest adapts an inbound net/http request to
// provider.ServerRequest.
type serverRequest struct {
	path   string
	method string
	data   string
	header http.Header
	writer http.ResponseWriter
	once   sync.Once
	done   chan struct{}
}

func (r *serverRequest) Path() string   { return r.path }
func (r *serverRequest) Method() string { return r.method }
func (r *serverRequest) Data() string   { return r.data }

func (r *serverRequest) Header(name string) string {
	return r.header.Get(name)
}

func (r *serverRequest) SendReply(status int, data, mimeType string) {
	r.once.Do(func() {
		r.writer.Header().Set("Content-Type", mimeType)
		r.writer.WriteHeader(status)
		io.WriteString(r.writer, data)
		close(r.done)
	})
}
