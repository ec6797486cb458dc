//go:build linux
// +build linux

package transport

import (
	"io"
	"os"
	"sync"

	"github.com/fzft/agent-ipc/ipc"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Conn is an accepted non-blocking connection.
type Conn struct {
	fd     int
	id     string
	remote string
	key    *ipc.Key

	closeOnce sync.Once
	closeErr  error
}

func newConn(fd int, remote string) *Conn {
	return &Conn{
		fd:     fd,
		id:     uuid.NewV4().String(),
		remote: remote,
	}
}

func (c *Conn) FD() int {
	return c.fd
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

func (c *Conn) Key() *ipc.Key {
	return c.key
}

// Read returns ipc.ErrWouldBlock when no data is available and io.EOF once the peer closed.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if IsTemporaryError(err) {
			return 0, ipc.ErrWouldBlock
		}
		return 0, os.NewSyscallError("read", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes as much of p as the socket takes now. A short write comes with ipc.ErrWouldBlock.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(c.fd, p[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			if IsTemporaryError(err) {
				return written, ipc.ErrWouldBlock
			}
			return written, os.NewSyscallError("write", err)
		}
	}
	return written, nil
}

// Close cancels the registration, then closes the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.key != nil {
			c.closeErr = c.key.Cancel()
		}
		c.closeErr = multierr.Append(c.closeErr, os.NewSyscallError("close", unix.Close(c.fd)))
	})
	return c.closeErr
}

// IsTemporaryError reports whether err means the call should be retried once the fd is ready.
func IsTemporaryError(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}
