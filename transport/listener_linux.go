//go:build linux
// +build linux

package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fzft/agent-ipc/ipc"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type filer interface {
	File() (*os.File, error)
}

// Listener is a non-blocking listening socket usable as an ipc.Listener.
type Listener struct {
	name    string
	network string
	ln      net.Listener
	file    *os.File // owns fd, a duplicate of the listener socket
	fd      int
	cb      ipc.Callbacks
	key     atomic.Pointer[ipc.Key]

	closeOnce sync.Once
	closeErr  error
}

// Listen opens the endpoint. Unix socket files are created with mode 0600 in a
// directory only the owner can enter; a stale socket file is replaced.
func Listen(ep Endpoint) (*Listener, error) {
	if err := ep.validate(); err != nil {
		return nil, err
	}
	if ep.Network == Unix {
		if err := prepareSocketPath(ep.Address); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return nil, err
	}
	if ep.Network == Unix {
		if err := os.Chmod(ep.Address, 0600); err != nil {
			_ = ln.Close()
			return nil, err
		}
	}

	f, err := ln.(filer).File()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("get listener fd: %w", err)
	}

	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = f.Close()
		_ = ln.Close()
		return nil, os.NewSyscallError("setnonblock", err)
	}

	return &Listener{
		name:    ep.Name,
		network: ep.Network,
		ln:      ln,
		file:    f,
		fd:      fd,
		cb:      ep.Callbacks,
	}, nil
}

func prepareSocketPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("transport: %s exists and is not a socket", path)
	}
	return os.Remove(path)
}

func (l *Listener) FD() int {
	return l.fd
}

func (l *Listener) Name() string {
	return l.name
}

func (l *Listener) Network() string {
	return l.network
}

// Addr is the bound address, with the real port when port 0 was requested.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Callbacks() ipc.Callbacks {
	return l.cb
}

// Accept takes one pending connection and registers it with sel for OpRead.
// It returns ipc.ErrWouldBlock when no connection is pending.
func (l *Listener) Accept(sel ipc.Selector) (ipc.Conn, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.ECONNABORTED || err == unix.EINTR {
			return nil, ipc.ErrWouldBlock
		}
		return nil, os.NewSyscallError("accept4", err)
	}

	c := newConn(nfd, remoteAddr(sa))
	key, err := sel.Register(c, ipc.OpRead, ipc.Attachment{})
	if err != nil {
		_ = unix.Close(nfd)
		return nil, fmt.Errorf("register fd %d: %w", nfd, err)
	}
	c.key = key
	return c, nil
}

// SetKey records the registration of the listener so Close can cancel it.
func (l *Listener) SetKey(k *ipc.Key) {
	l.key.Store(k)
}

func (l *Listener) Key() *ipc.Key {
	return l.key.Load()
}

// Close cancels the registration, then closes the socket. For unix sockets
// the socket file is removed.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		if k := l.key.Load(); k != nil {
			l.closeErr = k.Cancel()
		}
		l.closeErr = multierr.Combine(l.closeErr, l.file.Close(), l.ln.Close())
	})
	return l.closeErr
}

func remoteAddr(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return (&net.TCPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}).String()
	case *unix.SockaddrInet6:
		return (&net.TCPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}).String()
	case *unix.SockaddrUnix:
		if addr.Name == "" {
			return "unix:@"
		}
		return "unix:" + addr.Name
	default:
		return "unknown"
	}
}
