// Package cloudserver serves one cloud's folders over HTTP on a dedicated
// port. An Instance is single-use: once stopped it cannot be started again.
package cloudserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/cloudhost/internal/auth"
	"github.com/gosuda/cloudhost/internal/debuglog"
	"github.com/gosuda/cloudhost/internal/domain"
	"github.com/gosuda/cloudhost/internal/server/middleware"
)

// State is the lifecycle position of an Instance.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Delete modes.
const (
	DeleteTrash     = "trash"
	DeletePermanent = "permanent"
)

// Options tunes an Instance. Zero values fall back to defaults.
type Options struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	DeleteMode      string
	TrashDir        string
	LoginRate       float64
	LoginBurst      int
}

func (o *Options) setDefaults() {
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = 10 << 30
	}
	if o.DeleteMode == "" {
		o.DeleteMode = DeleteTrash
	}
	if o.TrashDir == "" {
		o.TrashDir = filepath.Join(os.TempDir(), "cloudhost-trash")
	}
	if o.LoginRate <= 0 {
		o.LoginRate = 1
	}
	if o.LoginBurst <= 0 {
		o.LoginBurst = 10
	}
}

// Instance is one cloud's HTTP server.
type Instance struct {
	cloud  domain.Cloud
	guard  *auth.Guard
	stream *debuglog.Stream
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	handler http.Handler
	life    context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	state    State
	started  bool
	listener net.Listener
	srv      *http.Server
	serveErr error

	stopOnce sync.Once
	done     chan struct{}
}

// New builds an Instance for cloud. The cloud is copied; later registry
// edits do not affect a running server.
func New(cloud domain.Cloud, guard *auth.Guard, stream *debuglog.Stream, opts Options) *Instance {
	opts.setDefaults()

	life, cancel := context.WithCancel(context.Background())
	s := &Instance{
		cloud:  cloud.Clone(),
		guard:  guard,
		stream: stream,
		opts:   opts,
		logger: log.With().Str("cloud", cloud.Name).Logger(),
		now:    time.Now,
		life:   life,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the router without binding a port.
func (s *Instance) Handler() http.Handler {
	return s.handler
}

func (s *Instance) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger, s.logRequest))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Range", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition", "Content-Length", "Content-Range", "X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	r.With(middleware.RateLimitByIP(s.life, s.opts.LoginRate, s.opts.LoginBurst)).
		Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(s.guard))

		r.Get("/api", s.handleIndex)
		r.Post("/api/upload/{folder}", s.handleUpload)
		r.Post("/api/upload/{folder}/*", s.handleUpload)
		r.Delete("/api/delete/{folder}/*", s.handleDelete)
		r.Get("/api/{folder}", s.handleFolder)
		r.Get("/api/{folder}/files", s.handleFiles)
		r.Get("/api/{folder}/files/*", s.handleFiles)
		r.Get("/api/{folder}/static/*", s.handleStatic)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	return r
}

func (s *Instance) logRequest(info middleware.RequestInfo) {
	msg := fmt.Sprintf("%s %s -> %d (%s)", info.Method, info.Path, info.Status, info.Duration.Round(time.Millisecond))
	if info.Status >= http.StatusInternalServerError {
		s.stream.Error("http", msg)
		return
	}
	s.stream.Debug("http", msg)
}

// Start checks the cloud can be served, binds the port and serves in the
// background. Bind errors are returned here, not from the goroutine.
func (s *Instance) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cloudserver.Instance.Start(%q): %w", s.cloud.Name, domain.ErrAlreadyRunning)
	}
	s.started = true
	s.state = StateStarting

	if err := s.checkFolders(); err != nil {
		s.fail(err)
		return fmt.Errorf("cloudserver.Instance.Start(%q): %w", s.cloud.Name, err)
	}
	if !s.guard.HasPassword() {
		err := fmt.Errorf("%w: cloud has no password", domain.ErrValidation)
		s.fail(err)
		return fmt.Errorf("cloudserver.Instance.Start(%q): %w", s.cloud.Name, err)
	}

	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("cloudserver.Instance.Start(%q): %w: %w", s.cloud.Name, domain.ErrBindFailure, err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.life },
	}
	s.state = StateRunning

	go s.serve(s.srv, ln)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("cloud server listening")
	s.stream.Info("server", fmt.Sprintf("cloud %q listening on %s", s.cloud.Name, ln.Addr()))
	return nil
}

func (s *Instance) serve(srv *http.Server, ln net.Listener) {
	defer close(s.done)

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.serveErr = err
		s.state = StateFailed
		s.mu.Unlock()

		s.logger.Error().Err(err).Msg("cloud server stopped unexpectedly")
		s.stream.Error("server", "serve failed: "+err.Error())
	}
}

func (s *Instance) checkFolders() error {
	if len(s.cloud.Folders) == 0 {
		return fmt.Errorf("%w: cloud has no folders", domain.ErrValidation)
	}
	for _, f := range s.cloud.Folders {
		info, err := os.Stat(f.Path)
		if err != nil {
			return fmt.Errorf("%w: folder %q path %q: %w", domain.ErrValidation, f.Name, f.Path, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: folder %q path %q is not a directory", domain.ErrValidation, f.Name, f.Path)
		}
	}
	return nil
}

// fail must be called with mu held.
func (s *Instance) fail(err error) {
	s.state = StateFailed
	s.serveErr = err
	s.logger.Warn().Err(err).Msg("cloud server failed to start")
	s.stream.Error("server", "start failed: "+err.Error())
}

// Stop shuts the server down, waiting up to ShutdownTimeout for in-flight
// requests before closing connections. It blocks until the serve goroutine
// has returned. Later calls are no-ops.
func (s *Instance) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		defer s.cancel()

		s.mu.Lock()
		srv := s.srv
		s.started = true
		if srv == nil {
			if s.state != StateFailed {
				s.state = StateStopped
			}
			s.mu.Unlock()
			close(s.done)
			return
		}
		if s.state == StateRunning {
			s.state = StateStopping
		}
		s.mu.Unlock()

		s.stream.Info("server", fmt.Sprintf("stopping cloud %q", s.cloud.Name))

		shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("graceful shutdown timed out, closing connections")
			if closeErr := srv.Close(); closeErr != nil {
				stopErr = fmt.Errorf("cloudserver.Instance.Stop(%q): %w", s.cloud.Name, closeErr)
			}
		}

		<-s.done

		s.mu.Lock()
		if s.state != StateFailed {
			s.state = StateStopped
		}
		s.mu.Unlock()

		s.logger.Info().Msg("cloud server stopped")
		s.stream.Info("server", fmt.Sprintf("cloud %q stopped", s.cloud.Name))
	})
	return stopErr
}

// Done is closed once the server has stopped serving.
func (s *Instance) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Instance) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that put the instance into StateFailed, if any.
func (s *Instance) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Name returns the cloud name.
func (s *Instance) Name() string {
	return s.cloud.Name
}

// Cloud returns the definition the instance was started with.
func (s *Instance) Cloud() domain.Cloud {
	return s.cloud.Clone()
}

// Guard returns the instance's live authentication state.
func (s *Instance) Guard() *auth.Guard {
	return s.guard
}

// Stream returns the instance's debug stream.
func (s *Instance) Stream() *debuglog.Stream {
	return s.stream
}

// Port returns the bound port, or the configured port before Start.
func (s *Instance) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return tcp.Port
		}
	}
	return s.opts.Port
}

// Addr returns the host:port the server listens on.
func (s *Instance) Addr() string {
	return net.JoinHostPort(s.opts.Host, strconv.Itoa(s.Port()))
}

// URL returns a browsable base URL. Wildcard hosts are reported as
// localhost.
func (s *Instance) URL() string {
	host := s.opts.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.Port()))
}
