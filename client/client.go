// Package client is a blocking client for the agent's local IPC endpoints.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fzft/agent-ipc/resp"
)

const DefaultTimeout = 5 * time.Second

var ErrClosed = errors.New("client: connection closed")

// ReplyError is an error frame sent back by the agent.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string {
	return e.Message
}

type Option func(c *Client)

// WithTimeout bounds every Send. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithMaxFrameSize(n int) Option {
	return func(c *Client) {
		c.maxFrameSize = n
	}
}

// Client sends one request at a time and waits for the reply. It is safe for
// concurrent use; requests are serialized.
type Client struct {
	conn         net.Conn
	rd           *bufio.Reader
	timeout      time.Duration
	maxFrameSize int

	mu     sync.Mutex
	closed bool
}

// Dial connects to network ("tcp" or "unix") at addr.
func Dial(network, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		timeout:      DefaultTimeout,
		maxFrameSize: resp.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := net.DialTimeout(network, addr, c.dialTimeout())
	if err != nil {
		return nil, fmt.Errorf("client: dial %s %s: %w", network, addr, err)
	}
	c.conn = conn
	c.rd = bufio.NewReader(conn)
	return c, nil
}

func (c *Client) dialTimeout() time.Duration {
	if c.timeout <= 0 {
		return DefaultTimeout
	}
	return c.timeout
}

// Send writes payload as one frame and returns the reply payload. An error
// frame from the agent is returned as *ReplyError and leaves the client usable.
func (c *Client) Send(payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}

	if _, err := c.conn.Write(resp.AppendBlob(nil, payload)); err != nil {
		return nil, fmt.Errorf("client: write: %w", err)
	}
	frame, err := resp.ReadFrame(c.rd, c.maxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("client: read reply: %w", err)
	}
	if frame.IsError() {
		return nil, &ReplyError{Message: string(frame.Data)}
	}
	return frame.Data, nil
}

func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
