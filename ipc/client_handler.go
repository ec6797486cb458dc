package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/eapache/queue"
	"github.com/fzft/agent-ipc/resp"
	"go.uber.org/zap"
)

const (
	readChunk = 4096
	// maxReadsPerEvent bounds the time one connection can keep the loop busy.
	// Level triggering brings the rest back on the next pass.
	maxReadsPerEvent = 16
)

var errNoCallbacks = errors.New("no callbacks registered for endpoint")

// clientHandler speaks blob frames over one connection. Complete requests are
// handed to the pool, one drain task per connection at a time, so replies leave
// in request order. Replies are flushed by HandleWrite on the reactor goroutine.
//
// After the peer half-closes, requests already received are still answered and
// the connection closes once the last reply is flushed.
type clientHandler struct {
	conn   Conn
	pool   Executor
	cb     Callbacks
	logger *zap.Logger

	dec     *resp.Decoder
	readBuf []byte

	mu         sync.Mutex
	inbox      *queue.Queue // pending request payloads
	draining   bool
	out        bytes.Buffer
	writeArmed bool
	eof        bool // peer finished sending
	closed     bool
}

func newClientHandler(conn Conn, pool Executor, cb Callbacks, logger *zap.Logger, maxFrameSize int) *clientHandler {
	return &clientHandler{
		conn:    conn,
		pool:    pool,
		cb:      cb,
		logger:  logger.With(zap.String("conn", conn.ID())),
		dec:     resp.NewDecoder(maxFrameSize),
		readBuf: make([]byte, readChunk),
		inbox:   queue.New(),
	}
}

func (h *clientHandler) HandleRead() error {
	h.mu.Lock()
	done := h.eof || h.closed
	h.mu.Unlock()
	if done {
		return nil
	}

	eof := false
	for i := 0; i < maxReadsPerEvent; i++ {
		n, err := h.conn.Read(h.readBuf)
		if n > 0 {
			h.dec.Feed(h.readBuf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if errors.Is(err, io.EOF) {
			h.logger.Debug("client closed connection")
			eof = true
			break
		}
		_ = h.close()
		return fmt.Errorf("read: %w", err)
	}

	for {
		frame, err := h.dec.Next()
		if errors.Is(err, resp.ErrIncomplete) {
			break
		}
		if err == nil && frame.IsError() {
			err = fmt.Errorf("%w: client sent an error frame", resp.ErrProtocol)
		}
		if err != nil {
			_ = h.close()
			return err
		}
		if err := h.enqueue(frame.Data); err != nil {
			_ = h.close()
			return fmt.Errorf("dispatch request: %w", err)
		}
	}

	if eof {
		return h.finishReading()
	}
	return nil
}

// finishReading stops read interest after EOF. The connection stays open only
// while replies are pending.
func (h *clientHandler) finishReading() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.eof = true
	if h.idleLocked() {
		return h.closeLocked()
	}
	if err := h.conn.Key().SetInterest(h.interestLocked()); err != nil {
		h.closeLocked()
		return err
	}
	return nil
}

// idleLocked reports whether no request is queued, running or waiting to be written.
func (h *clientHandler) idleLocked() bool {
	return !h.draining && h.inbox.Length() == 0 && h.out.Len() == 0
}

func (h *clientHandler) interestLocked() Ops {
	var ops Ops
	if !h.eof {
		ops |= OpRead
	}
	if h.writeArmed {
		ops |= OpWrite
	}
	return ops
}

func (h *clientHandler) HandleWrite() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	for h.out.Len() > 0 {
		n, err := h.conn.Write(h.out.Bytes())
		h.out.Next(n)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil
			}
			h.closeLocked()
			return fmt.Errorf("write: %w", err)
		}
	}

	// everything flushed, stop watching for writability
	h.writeArmed = false
	if h.eof && h.idleLocked() {
		return h.closeLocked()
	}
	if err := h.conn.Key().SetInterest(h.interestLocked()); err != nil {
		h.closeLocked()
		return err
	}
	return nil
}

func (h *clientHandler) enqueue(msg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.inbox.Add(msg)
	if h.draining {
		return nil
	}
	if err := h.pool.Submit(h.drain); err != nil {
		return err
	}
	h.draining = true
	return nil
}

// drain runs on the pool and answers queued requests until the inbox is empty.
func (h *clientHandler) drain() {
	for {
		h.mu.Lock()
		if h.closed || h.inbox.Length() == 0 {
			h.draining = false
			// the last reply may have been flushed while this task still ran
			if h.eof && h.idleLocked() {
				_ = h.closeLocked()
			}
			h.mu.Unlock()
			return
		}
		msg := h.inbox.Remove().([]byte)
		h.mu.Unlock()

		reply := h.invoke(msg)

		h.mu.Lock()
		if h.closed {
			h.draining = false
			h.mu.Unlock()
			return
		}
		h.out.Write(reply)
		if !h.writeArmed {
			h.writeArmed = true
			if err := h.conn.Key().SetInterest(h.interestLocked()); err != nil {
				h.writeArmed = false
				h.logger.Warn("failed to request write readiness", zap.Error(err))
			}
		}
		h.mu.Unlock()
	}
}

func (h *clientHandler) invoke(msg []byte) (reply []byte) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("callback panicked", zap.Any("panic", p))
			reply = resp.AppendError(nil, "internal error")
		}
	}()

	if h.cb == nil {
		return resp.AppendError(nil, errNoCallbacks.Error())
	}
	data, err := h.cb.DataReceived(msg)
	if err != nil {
		h.logger.Debug("callback failed", zap.Error(err))
		return resp.AppendError(nil, err.Error())
	}
	return resp.AppendBlob(nil, data)
}

func (h *clientHandler) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *clientHandler) closeLocked() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.out.Reset()
	for h.inbox.Length() > 0 {
		h.inbox.Remove()
	}
	return h.conn.Close()
}
