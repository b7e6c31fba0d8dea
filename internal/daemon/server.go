package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/g960059/cmuxctl/internal/browser"
	"github.com/g960059/cmuxctl/internal/config"
	"github.com/g960059/cmuxctl/internal/db"
	"github.com/g960059/cmuxctl/internal/dispatch"
	"github.com/g960059/cmuxctl/internal/domain"
	"github.com/g960059/cmuxctl/internal/mainloop"
	"github.com/g960059/cmuxctl/internal/model"
	"github.com/g960059/cmuxctl/internal/peer"
	"github.com/g960059/cmuxctl/internal/refs"
)

// Deps are the collaborators a Server drives. Only Model is required.
type Deps struct {
	Model   domain.Model
	Loop    *mainloop.Loop
	Browser *browser.Engine
	Store   *db.Store
	Checker *peer.Checker
	Logger  *slog.Logger
	Version string
}

type Server struct {
	cfg      config.Config
	model    domain.Model
	loop     *mainloop.Loop
	ownsLoop bool
	browser  *browser.Engine
	store    *db.Store
	checker  *peer.Checker
	logger   *slog.Logger
	version  string
	refs     *refs.Registry
	registry *dispatch.Registry

	mu       sync.Mutex
	listener net.Listener
	lockFile *os.File
	active   map[net.Conn]struct{}
	closing  atomic.Bool
	conns    sync.WaitGroup
	shutdown sync.Once
	shutErr  error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loop := deps.Loop
	owns := false
	if loop == nil {
		loop = mainloop.New()
		owns = true
	}
	checker := deps.Checker
	if checker == nil {
		checker = peer.NewChecker(cfg.MaxAncestryHops)
	}
	s := &Server{
		cfg:      cfg,
		model:    deps.Model,
		loop:     loop,
		ownsLoop: owns,
		browser:  deps.Browser,
		store:    deps.Store,
		checker:  checker,
		logger:   logger,
		version:  deps.Version,
		refs:     refs.New(),
		registry: dispatch.New(logger),
		active:   make(map[net.Conn]struct{}),
	}
	s.registry.BeforeHandle = s.refreshRefs
	s.registry.Observe = s.record
	s.registerSystem()
	s.registerWindows()
	s.registerWorkspaces()
	s.registerPanes()
	s.registerSurfaces()
	s.registerNotifications()
	s.registerBrowser()
	s.registerV1()
	return s
}

// Registry exposes the method table, mostly for capability listings in tests.
func (s *Server) Registry() *dispatch.Registry {
	return s.registry
}

func (s *Server) Refs() *refs.Registry {
	return s.refs
}

// Start listens on the configured socket and serves until ctx is cancelled or
// the accept loop gives up.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.AccessMode == model.AccessOff {
		return fmt.Errorf("socket control is disabled (access_mode=%s)", s.cfg.AccessMode)
	}
	perm := s.cfg.SocketMode()
	if s.model == nil {
		return errors.New("daemon: domain model is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, perm); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.ownsLoop {
		go func() {
			if err := s.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("main loop stopped", "error", err)
			}
		}()
	}
	s.logger.Info("listening", "socket", s.cfg.SocketPath, "access_mode", s.cfg.AccessMode, "perm", fmt.Sprintf("%#o", perm))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
		return err
	}
}

// acceptLoop hands every accepted connection to its own goroutine. A failed
// accept is retried after a fixed backoff; a run of AcceptMaxFailures
// consecutive failures ends the loop with an error.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	failures := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			s.logger.Error("accept failed", "error", err, "consecutive_failures", failures)
			if failures >= s.cfg.AcceptMaxFailures {
				return fmt.Errorf("accept: giving up after %d consecutive failures: %w", failures, err)
			}
			timer := time.NewTimer(s.cfg.AcceptBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		failures = 0
		if !s.track(conn) {
			conn.Close() //nolint:errcheck
			return nil
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Shutdown closes the listener, removes the socket file and lock, and waits
// for connection workers up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.closing.Store(true)
		var errs []error
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" && listener != nil {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		for conn := range s.active {
			conn.Close() //nolint:errcheck
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn("shutdown: connection workers still running", "error", ctx.Err())
		}
		if s.ownsLoop {
			s.loop.Stop()
		}
		if len(errs) > 0 {
			s.shutErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutErr
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.active[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	lockPath := f.Name()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// refreshRefs allocates refs for the whole live tree before a request runs.
func (s *Server) refreshRefs(ctx context.Context) error {
	return s.loop.Do(ctx, func(context.Context) error {
		s.refs.Refresh(s.model.Tree().All())
		return nil
	})
}
