package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/danmuck/sourceagent/internal/capability"
	"github.com/danmuck/sourceagent/internal/observability"
	"github.com/danmuck/sourceagent/internal/pairing"
	"github.com/danmuck/sourceagent/internal/protocol/handshake"
	"github.com/danmuck/sourceagent/internal/session"
)

const DefaultListenAddr = "127.0.0.1:56145"

var (
	ErrResolverRequired = errors.New("agent: capability resolver required")
	ErrListenerClosed   = errors.New("agent: listener closed")
)

// ServiceConfig is the agent endpoint configuration.
type ServiceConfig struct {
	ListenAddr  string
	MetricsAddr string

	HandshakeTimeout time.Duration
	PairingTimeout   time.Duration
	OpenTimeout      time.Duration

	MaxPendingHandshakes int64
	// AcceptRate is accepted connections per second; zero means unlimited.
	AcceptRate  float64
	AcceptBurst int

	Source  session.OpenOptions
	Session session.Config
	Clock   clock.Clock

	// OnSessionReady runs after a session has been opened and bound.
	OnSessionReady func(*session.Session)
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:           DefaultListenAddr,
		HandshakeTimeout:     handshake.DefaultTimeout,
		PairingTimeout:       pairing.DefaultTimeout,
		OpenTimeout:          30 * time.Second,
		MaxPendingHandshakes: 1024,
		Session:              session.DefaultConfig(),
		Clock:                clock.New(),
	}
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	d := DefaultServiceConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PairingTimeout <= 0 {
		c.PairingTimeout = d.PairingTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.MaxPendingHandshakes <= 0 {
		c.MaxPendingHandshakes = d.MaxPendingHandshakes
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.Session.Clock == nil {
		c.Session.Clock = c.Clock
	}
	return c
}

// Service accepts plugin connections, pairs them and runs their sessions.
type Service struct {
	cfg      ServiceConfig
	resolver capability.Resolver
	registry *pairing.Registry

	handshakes *semaphore.Weighted
	limiter    *rate.Limiter

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	ctxMu sync.RWMutex
	ctx   context.Context
}

func NewService(resolver capability.Resolver) (*Service, error) {
	return NewServiceWithConfig(DefaultServiceConfig(), resolver)
}

func NewServiceWithConfig(cfg ServiceConfig, resolver capability.Resolver) (*Service, error) {
	if resolver == nil {
		return nil, ErrResolverRequired
	}
	cfg = cfg.withDefaults()
	svc := &Service{
		cfg:        cfg,
		resolver:   resolver,
		handshakes: semaphore.NewWeighted(cfg.MaxPendingHandshakes),
		conns:      make(map[net.Conn]struct{}),
		ctx:        context.Background(),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		svc.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	svc.registry = pairing.NewRegistry(pairing.Config{
		Timeout: cfg.PairingTimeout,
		Clock:   cfg.Clock,
		OnEvict: svc.onEvict,
	}, dispatcher{svc: svc})
	return svc, nil
}

// Registry exposes the pairing registry for inspection.
func (s *Service) Registry() *pairing.Registry {
	return s.registry
}

// Session returns the live session for id, if one is bound.
func (s *Service) Session(id handshake.CorrelationID) (*session.Session, bool) {
	b, ok := s.registry.Lookup(id)
	if !ok {
		return nil, false
	}
	sess, ok := b.(*session.Session)
	return sess, ok
}

// Sessions returns every live session.
func (s *Service) Sessions() []*session.Session {
	bound := s.registry.Bound()
	out := make([]*session.Session, 0, len(bound))
	for _, b := range bound {
		if sess, ok := b.(*session.Session); ok {
			out = append(out, sess)
		}
	}
	return out
}

// Run listens on the configured address and serves until SIGINT, SIGTERM or
// ctx cancellation. When MetricsAddr is set, /metrics is served alongside.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Msgf("agent.Service.Run listening addr=%q", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.Serve(gctx, ln)
		if err == nil && gctx.Err() == nil {
			return ErrListenerClosed
		}
		return err
	})
	if addr := strings.TrimSpace(s.cfg.MetricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info().Msgf("agent.Service.Run metrics addr=%q", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err = g.Wait()
	log.Info().Msg("agent.Service.Run stopped")
	return err
}

// Serve runs the accept loop on ln until ctx ends or ln fails. On return all
// handshaking connections, pending pairs and live sessions are closed.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	s.ctxMu.Lock()
	s.ctx = ctx
	s.ctxMu.Unlock()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		_ = ln.Close()
	}()
	defer s.shutdown()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		if !s.handshakes.TryAcquire(1) {
			observability.RecordHandshake(observability.HandshakeThrottled)
			log.Debug().Msgf("agent.Service.Serve handshake cap reached remote=%q", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

func (s *Service) handleConn(conn net.Conn) {
	defer s.handshakes.Release(1)
	remote := conn.RemoteAddr().String()

	id, role, err := handshake.Read(conn, s.cfg.HandshakeTimeout)
	s.untrackConn(conn)
	if err != nil {
		observability.RecordHandshake(handshakeOutcome(err))
		log.Debug().Err(err).Msgf("agent.handleConn handshake failed remote=%q", remote)
		_ = conn.Close()
		return
	}
	observability.RecordHandshake(observability.HandshakeAccepted)
	log.Debug().Msgf("agent.handleConn handshake id=%q role=%s remote=%q", id, role, remote)

	if err := s.registry.Submit(id, role, conn); err != nil {
		log.Debug().Err(err).Msgf("agent.handleConn submit rejected id=%q role=%s", id, role)
	}
}

func (s *Service) onEvict(id handshake.CorrelationID, err error) {
	log.Info().Err(err).Msgf("agent.pairing evicted id=%q", id)
}

func (s *Service) runContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

func (s *Service) shutdown() {
	s.closeAllConns()
	if err := s.registry.Close(); err != nil {
		log.Debug().Err(err).Msg("agent.Service.shutdown registry close")
	}
}

func handshakeOutcome(err error) string {
	switch {
	case errors.Is(err, handshake.ErrHandshakeTimeout):
		return observability.HandshakeTimeout
	case errors.Is(err, handshake.ErrInvalidCorrelationID):
		return observability.HandshakeInvalidID
	case errors.Is(err, handshake.ErrUnknownRole):
		return observability.HandshakeUnknownRole
	default:
		return observability.HandshakeClosed
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

// closeAllConns closes connections still in their handshake.
func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
