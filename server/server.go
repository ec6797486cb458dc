// Package server runs the agent's local IPC endpoints on top of an ipc.Reactor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fzft/agent-ipc/config"
	"github.com/fzft/agent-ipc/ipc"
	"github.com/fzft/agent-ipc/log"
	"github.com/fzft/agent-ipc/metrics"
	"github.com/fzft/agent-ipc/pool"
	"github.com/fzft/agent-ipc/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrReactorStopped is returned by Run when the reactor terminated on its own.
var ErrReactorStopped = errors.New("server: reactor stopped unexpectedly")

type Option func(s *Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	mu        sync.Mutex
	callbacks map[string]ipc.Callbacks
	listeners map[string]*transport.Listener
	reactor   *ipc.Reactor

	ready chan struct{}
}

func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: log.Logger,
		callbacks: map[string]ipc.Callbacks{
			config.CallbackEcho: Echo,
			config.CallbackPing: Ping,
		},
		listeners: make(map[string]*transport.Listener),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle makes cb available to endpoints configured with callback: name.
// It must be called before Run.
func (s *Server) Handle(name string, cb ipc.Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[name] = cb
}

// Ready is closed once every endpoint is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address of the named endpoint, or nil.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln, ok := s.listeners[name]; ok {
		return ln.Addr()
	}
	return nil
}

// Reactor returns the running reactor, nil before Run.
func (s *Server) Reactor() *ipc.Reactor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reactor
}

// Run serves until ctx is done or a termination signal arrives, then tears
// everything down. It returns ErrReactorStopped if the reactor exited first.
func (s *Server) Run(ctx context.Context) (err error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	sel, err := ipc.NewEpollSelector(s.cfg.IPC.MaxEvents)
	if err != nil {
		return fmt.Errorf("create selector: %w", err)
	}
	m, err := metrics.New(s.cfg.Metrics)
	if err != nil {
		_ = sel.Close()
		return err
	}
	p := pool.New(s.cfg.Pool.Workers, pool.WithLogger(s.logger))

	r := ipc.NewReactor(sel, p,
		ipc.WithLogger(s.logger),
		ipc.WithObserver(m),
		ipc.WithHandlerFactory(ipc.NewHandlerFactory(s.logger, s.cfg.IPC.MaxFrameSize)),
	)
	s.mu.Lock()
	s.reactor = r
	s.mu.Unlock()
	r.Start()

	defer func() {
		err = multierr.Append(err, s.teardown(r, p, sel, m))
	}()

	for _, ep := range s.cfg.IPC.Endpoints {
		if err := s.listen(r, ep); err != nil {
			return err
		}
	}
	close(s.ready)

	select {
	case <-ctx.Done():
		s.logger.Info("context done, stopping")
		return nil
	case sig := <-sigCh:
		s.logger.Info("signal received", zap.Stringer("signal", sig))
		return nil
	case <-r.Done():
		return ErrReactorStopped
	}
}

func (s *Server) listen(r *ipc.Reactor, ep config.Endpoint) error {
	name := ep.Callback
	if name == "" {
		name = config.CallbackEcho
	}
	s.mu.Lock()
	cb, ok := s.callbacks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("endpoint %q: unknown callback %q", ep.Name, name)
	}

	tep := transport.Endpoint{Name: ep.Name, Network: s.cfg.IPC.Type, Callbacks: cb}
	if tep.Network == transport.Unix {
		tep.Address = s.cfg.SocketPath(ep)
	} else {
		tep.Address = s.cfg.TCPAddress(ep)
	}

	ln, err := transport.Listen(tep)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", ep.Name, err)
	}
	// once registered, the selector owns the listener
	key, err := r.Register(ln, ipc.OpAccept, ipc.ListenerAttachment(ln))
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("endpoint %q: register: %w", ep.Name, err)
	}
	ln.SetKey(key)

	s.mu.Lock()
	s.listeners[ep.Name] = ln
	s.mu.Unlock()
	s.logger.Info("listening", zap.String("endpoint", ep.Name),
		zap.String("network", ln.Network()), zap.Stringer("addr", ln.Addr()))
	return nil
}

func (s *Server) teardown(r *ipc.Reactor, p *pool.Pool, sel ipc.Selector, m *metrics.Metrics) error {
	r.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Pool.ShutdownTimeout)
	defer cancel()

	var err error
	if perr := p.AwaitTermination(ctx); perr != nil {
		s.logger.Warn("pool did not terminate in time", zap.Int("pending", p.Pending()), zap.Error(perr))
		err = multierr.Append(err, perr)
	}
	err = multierr.Append(err, sel.Close())
	err = multierr.Append(err, m.Shutdown(context.Background()))

	s.logger.Info("server stopped")
	return err
}
