package ipc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/fzft/agent-ipc/log"
	"go.uber.org/zap"
)

// State is the lifecycle of a Reactor. It only moves forward:
// Running -> ShuttingDown -> Stopped.
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type registration struct {
	ch   Channel
	ops  Ops
	att  Attachment
	key  *Key
	err  error
	done chan struct{}
}

type Option func(r *Reactor)

func WithHandlerFactory(f HandlerFactory) Option {
	return func(r *Reactor) {
		r.factory = f
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Reactor) {
		r.logger = logger
	}
}

func WithObserver(o Observer) Option {
	return func(r *Reactor) {
		r.observer = o
	}
}

// Reactor runs a single goroutine that waits on a Selector and dispatches
// readiness to listeners and connection handlers.
//
// Dispatch is synchronous: accept, HandleRead and HandleWrite all run on the
// reactor goroutine. Handlers decide what they hand to the pool.
type Reactor struct {
	sel      Selector
	pool     Executor
	factory  HandlerFactory
	logger   *zap.Logger
	observer Observer

	state atomic.Int32

	// mu guards the registration queue and the lifecycle flags below.
	mu       sync.Mutex
	requests *queue.Queue
	started  bool
	closed   bool

	done chan struct{}
}

func NewReactor(sel Selector, pool Executor, opts ...Option) *Reactor {
	r := &Reactor{
		sel:      sel,
		pool:     pool,
		logger:   log.Logger,
		observer: nopObserver{},
		requests: queue.New(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = NewHandlerFactory(r.logger, 0)
	}
	return r
}

// Start runs the event loop on a new goroutine.
func (r *Reactor) Start() {
	go r.Run()
}

// Run executes the event loop until Shutdown is called or the selector fails.
// Only the first call runs the loop.
func (r *Reactor) Run() {
	r.mu.Lock()
	if r.started || r.State() != StateRunning {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	defer r.exit()
	r.logger.Info("ready to accept client connections")

	for r.State() == StateRunning {
		r.drainRegistrations()

		n, err := r.sel.Select()
		if err != nil {
			r.logger.Error("error occurred during selection", zap.Error(err))
			r.transition(StateRunning, StateShuttingDown)
			return
		}
		if n == 0 {
			continue
		}
		r.observer.EventsReady(n)

		selected := r.sel.SelectedKeys()
		for _, key := range selected.Snapshot() {
			selected.Remove(key)
			if !key.IsValid() {
				continue
			}
			r.processKey(key)
		}
	}
}

// Register adds ch to the selector with the given interest and attachment.
// It may be called from any goroutine except the reactor's own, and returns
// once the registration took effect, before the loop waits again.
func (r *Reactor) Register(ch Channel, ops Ops, att Attachment) (*Key, error) {
	req := &registration{ch: ch, ops: ops, att: att, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed || r.State() != StateRunning {
		r.mu.Unlock()
		return nil, ErrReactorClosed
	}
	r.requests.Add(req)
	// exit needs mu, so the selector is still open here
	r.wakeup()
	r.mu.Unlock()

	<-req.done
	return req.key, req.err
}

// Shutdown stops the loop and waits until it exited. It is safe to call more
// than once and from several goroutines.
func (r *Reactor) Shutdown() {
	if r.transition(StateRunning, StateShuttingDown) {
		r.mu.Lock()
		started := r.started
		if started {
			r.wakeup()
		}
		r.mu.Unlock()

		if !started {
			r.exit()
			return
		}
	}
	<-r.done
}

// wakeup must be called with mu held.
func (r *Reactor) wakeup() {
	if err := r.sel.Wakeup(); err != nil {
		r.logger.Warn("failed to wake selector", zap.Error(err))
	}
}

// transition moves the state forward from one value to the next. Only one caller wins.
func (r *Reactor) transition(from, to State) bool {
	if !r.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	r.logger.Debug("reactor state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	return true
}

// IsShutdown reports whether the reactor left the running state.
func (r *Reactor) IsShutdown() bool {
	return r.State() != StateRunning
}

func (r *Reactor) State() State {
	return State(r.state.Load())
}

// Done is closed once the loop exited and the pool was shut down.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) drainRegistrations() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.requests.Length() > 0 {
		req := r.requests.Remove().(*registration)
		req.key, req.err = r.sel.Register(req.ch, req.ops, req.att)
		close(req.done)
	}
}

func (r *Reactor) exit() {
	r.logger.Info("shutting down")

	r.mu.Lock()
	r.closed = true
	pending := make([]*registration, 0, r.requests.Length())
	for r.requests.Length() > 0 {
		pending = append(pending, r.requests.Remove().(*registration))
	}
	r.mu.Unlock()

	for _, req := range pending {
		req.err = ErrReactorClosed
		close(req.done)
	}

	r.pool.Shutdown()
	r.transition(StateShuttingDown, StateStopped)
	close(r.done)
}

func (r *Reactor) processKey(key *Key) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic while processing socket event",
				zap.Int("fd", key.fd), zap.Any("panic", p), zap.Stack("stack"))
			r.observer.DispatchFailed("panic")
		}
	}()

	ready := key.ReadyOps()
	if ready == 0 {
		return
	}

	if ready&OpAccept != 0 {
		r.accept(key)
		return
	}

	if ready&OpRead != 0 {
		handler, err := key.Attachment().Handler()
		if err != nil {
			r.attachmentFailed(key, err)
			return
		}
		if err := handler.HandleRead(); err != nil {
			r.logger.Warn("failed to process socket event", zap.Int("fd", key.fd), zap.String("op", "read"), zap.Error(err))
			r.observer.DispatchFailed("read")
		}
	}

	// the read reaction may have closed the connection
	if key.IsValid() && ready&OpWrite != 0 {
		handler, err := key.Attachment().Handler()
		if err != nil {
			r.attachmentFailed(key, err)
			return
		}
		if err := handler.HandleWrite(); err != nil {
			r.logger.Warn("failed to process socket event", zap.Int("fd", key.fd), zap.String("op", "write"), zap.Error(err))
			r.observer.DispatchFailed("write")
		}
	}
}

func (r *Reactor) accept(key *Key) {
	listener, err := key.Attachment().Listener()
	if err != nil {
		r.attachmentFailed(key, err)
		return
	}

	conn, err := listener.Accept(r.sel)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			r.logger.Debug("no pending client", zap.String("listener", listener.Name()))
			return
		}
		r.logger.Warn("failed to accept client", zap.String("listener", listener.Name()), zap.Error(err))
		r.observer.DispatchFailed("accept")
		return
	}

	attached := false
	defer func() {
		// runs before processKey recovers a panicking factory
		if !attached {
			_ = conn.Close()
		}
	}()

	if conn.Key() == nil {
		r.logger.Warn("accepted client is not registered", zap.String("listener", listener.Name()))
		r.observer.DispatchFailed("accept")
		return
	}

	handler := r.factory.CreateHandler(conn, r.pool, listener.Callbacks())
	if handler == nil {
		r.logger.Warn("no handler for accepted client", zap.String("listener", listener.Name()))
		r.observer.DispatchFailed("accept")
		return
	}
	conn.Key().Attach(HandlerAttachment(handler))
	attached = true

	r.observer.ConnectionAccepted(listener.Name())
	r.logger.Debug("accepted client", zap.String("listener", listener.Name()),
		zap.String("conn", conn.ID()), zap.String("remote", conn.RemoteAddr()))
}

func (r *Reactor) attachmentFailed(key *Key, err error) {
	r.logger.Warn("invalid key attachment", zap.Int("fd", key.fd),
		zap.Stringer("ready", key.ReadyOps()), zap.Error(err))
	r.observer.DispatchFailed("attachment")
}
