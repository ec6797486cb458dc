package ipc

import (
	"io"

	"go.uber.org/zap"
)

// Channel is anything that can be registered with a Selector.
type Channel interface {
	FD() int
	Close() error
}

// Conn is an accepted, non-blocking connection. Read and Write return
// ErrWouldBlock instead of blocking; Read returns io.EOF once the peer closed.
type Conn interface {
	Channel
	io.Reader
	io.Writer

	// Key is the registration created when the connection was accepted.
	Key() *Key
	ID() string
	RemoteAddr() string
}

// Listener is a listening endpoint. Accept is non-blocking and registers the new
// connection with sel for OpRead before returning it.
type Listener interface {
	Channel
	Name() string
	Accept(sel Selector) (Conn, error)
	Callbacks() Callbacks
}

// Callbacks is the application protocol behind an endpoint. It receives one
// request payload and returns the reply payload.
type Callbacks interface {
	DataReceived(data []byte) ([]byte, error)
}

type CallbacksFunc func(data []byte) ([]byte, error)

func (f CallbacksFunc) DataReceived(data []byte) ([]byte, error) {
	return f(data)
}

// ConnHandler reacts to readiness of one connection. Both reactions run on the
// reactor goroutine and must not block. A reaction may close the connection,
// which cancels its key.
type ConnHandler interface {
	HandleRead() error
	HandleWrite() error
}

// Executor runs work off the reactor goroutine.
type Executor interface {
	Submit(task func()) error
	// Shutdown stops accepting tasks without interrupting the ones already accepted.
	Shutdown()
}

// HandlerFactory creates the handler for a freshly accepted connection.
type HandlerFactory interface {
	CreateHandler(conn Conn, pool Executor, cb Callbacks) ConnHandler
}

type HandlerFactoryFunc func(conn Conn, pool Executor, cb Callbacks) ConnHandler

func (f HandlerFactoryFunc) CreateHandler(conn Conn, pool Executor, cb Callbacks) ConnHandler {
	return f(conn, pool, cb)
}

// NewHandlerFactory returns the factory for the default request/reply handler.
// maxFrameSize <= 0 uses resp.DefaultMaxFrameSize.
func NewHandlerFactory(logger *zap.Logger, maxFrameSize int) HandlerFactory {
	return HandlerFactoryFunc(func(conn Conn, pool Executor, cb Callbacks) ConnHandler {
		return newClientHandler(conn, pool, cb, logger, maxFrameSize)
	})
}

// Observer receives reactor events, typically to feed metrics.
type Observer interface {
	ConnectionAccepted(listener string)
	EventsReady(n int)
	DispatchFailed(kind string)
}

type nopObserver struct{}

func (nopObserver) ConnectionAccepted(string) {}
func (nopObserver) EventsReady(int)           {}
func (nopObserver) DispatchFailed(string)     {}
