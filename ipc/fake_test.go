package ipc

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

type readyEntry struct {
	key *Key
	ops Ops
}

type batch struct {
	ready []readyEntry
	err   error
}

// fakeSelector hands out scripted batches from Select. Every Select entry is
// announced on entered.
type fakeSelector struct {
	mu       sync.Mutex
	keys     map[int]*Key
	log      []string
	selected *KeySet

	batches chan batch
	wake    chan struct{}
	entered chan struct{}

	selects    atomic.Int32
	closeCalls atomic.Int32

	// onWakeup runs on every Wakeup; set it before the reactor starts.
	onWakeup func()
}

func newFakeSelector() *fakeSelector {
	return &fakeSelector{
		keys:     make(map[int]*Key),
		selected: NewKeySet(),
		batches:  make(chan batch, 16),
		wake:     make(chan struct{}, 1),
		entered:  make(chan struct{}, 64),
	}
}

func (f *fakeSelector) Register(ch Channel, ops Ops, att Attachment) (*Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[ch.FD()]; ok {
		return nil, ErrAlreadyRegistered
	}
	k := newKey(f, ch, ops, att)
	f.keys[ch.FD()] = k
	f.log = append(f.log, "register")
	return k, nil
}

func (f *fakeSelector) Select() (int, error) {
	f.mu.Lock()
	f.log = append(f.log, "select")
	f.mu.Unlock()
	f.selects.Add(1)

	select {
	case f.entered <- struct{}{}:
	default:
	}

	select {
	case b := <-f.batches:
		if b.err != nil {
			return 0, b.err
		}
		for _, e := range b.ready {
			e.key.ready = e.ops
			f.selected.Add(e.key)
		}
		return len(b.ready), nil
	case <-f.wake:
		return 0, nil
	}
}

func (f *fakeSelector) SelectedKeys() *KeySet {
	return f.selected
}

func (f *fakeSelector) Wakeup() error {
	if f.onWakeup != nil {
		f.onWakeup()
	}
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSelector) Close() error {
	f.closeCalls.Add(1)
	return nil
}

func (f *fakeSelector) updateInterest(k *Key, ops Ops) error {
	return nil
}

func (f *fakeSelector) cancel(k *Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[k.fd] == k {
		delete(f.keys, k.fd)
	}
	return nil
}

func (f *fakeSelector) registered(fd int) *Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[fd]
}

func (f *fakeSelector) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// fakeChannel is a bare registrable fd.
type fakeChannel struct {
	fd     int
	closed atomic.Bool
}

func (c *fakeChannel) FD() int { return c.fd }

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

// fakeConn is an in-memory Conn.
type fakeConn struct {
	fakeChannel
	key *Key

	in          bytes.Buffer
	eof         bool
	readErr     error
	out         bytes.Buffer
	writeBudget int // bytes accepted before ErrWouldBlock, < 0 means unlimited
}

func newFakeConn(fd int) *fakeConn {
	return &fakeConn{fakeChannel: fakeChannel{fd: fd}, writeBudget: -1}
}

func (c *fakeConn) Key() *Key          { return c.key }
func (c *fakeConn) ID() string         { return "fake" }
func (c *fakeConn) RemoteAddr() string { return "fake" }

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.in.Len() > 0 {
		return c.in.Read(p)
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.eof {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if c.writeBudget < 0 {
		return c.out.Write(p)
	}
	n := len(p)
	if n > c.writeBudget {
		n = c.writeBudget
	}
	c.out.Write(p[:n])
	c.writeBudget -= n
	if n < len(p) {
		return n, ErrWouldBlock
	}
	return n, nil
}

func (c *fakeConn) Close() error {
	c.fakeChannel.Close()
	if c.key != nil {
		return c.key.Cancel()
	}
	return nil
}

// fakeListener accepts the next scripted conn and registers it like a real listener.
type fakeListener struct {
	fakeChannel
	name      string
	cb        Callbacks
	mu        sync.Mutex
	pending   []*fakeConn
	acceptErr error
	accepts   atomic.Int32
}

func (l *fakeListener) Name() string         { return l.name }
func (l *fakeListener) Callbacks() Callbacks { return l.cb }

func (l *fakeListener) Accept(sel Selector) (Conn, error) {
	l.accepts.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acceptErr != nil {
		return nil, l.acceptErr
	}
	if len(l.pending) == 0 {
		return nil, ErrWouldBlock
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	key, err := sel.Register(c, OpRead, Attachment{})
	if err != nil {
		return nil, err
	}
	c.key = key
	return c, nil
}

type fakeHandler struct {
	reads   atomic.Int32
	writes  atomic.Int32
	onRead  func() error
	onWrite func() error
}

func (h *fakeHandler) HandleRead() error {
	h.reads.Add(1)
	if h.onRead != nil {
		return h.onRead()
	}
	return nil
}

func (h *fakeHandler) HandleWrite() error {
	h.writes.Add(1)
	if h.onWrite != nil {
		return h.onWrite()
	}
	return nil
}

var errExecutorShutdown = errors.New("executor shut down")

// fakeExecutor queues tasks until runAll is called.
type fakeExecutor struct {
	mu        sync.Mutex
	tasks     []func()
	shutdown  bool
	shutdowns atomic.Int32
}

func (e *fakeExecutor) Submit(task func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return errExecutorShutdown
	}
	e.tasks = append(e.tasks, task)
	return nil
}

func (e *fakeExecutor) Shutdown() {
	e.shutdowns.Add(1)
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
}

func (e *fakeExecutor) runAll() int {
	ran := 0
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return ran
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()
		task()
		ran++
	}
}

type factoryCall struct {
	conn Conn
	pool Executor
	cb   Callbacks
}

// recordingFactory returns the same handler for every connection.
type recordingFactory struct {
	mu      sync.Mutex
	calls   []factoryCall
	handler ConnHandler
}

func (f *recordingFactory) CreateHandler(conn Conn, pool Executor, cb Callbacks) ConnHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, factoryCall{conn: conn, pool: pool, cb: cb})
	return f.handler
}

func (f *recordingFactory) recorded() []factoryCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]factoryCall(nil), f.calls...)
}

type recordingObserver struct {
	accepted chan string
	ready    atomic.Int32
	mu       sync.Mutex
	failures []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{accepted: make(chan string, 16)}
}

func (o *recordingObserver) ConnectionAccepted(listener string) { o.accepted <- listener }
func (o *recordingObserver) EventsReady(n int)                  { o.ready.Add(int32(n)) }

func (o *recordingObserver) DispatchFailed(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, kind)
}

func (o *recordingObserver) failed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.failures...)
}
