//go:build linux
// +build linux

package ipc

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errEvents   = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

const DefaultMaxEvents = 256

// EpollSelector is a level triggered Selector backed by epoll. An eventfd is
// registered next to the channels and used to wake a blocked Select.
type EpollSelector struct {
	epollFd int
	wakeFd  int
	events  []unix.EpollEvent

	mu     sync.Mutex
	keys   map[int]*Key // fd -> key
	closed bool

	selected *KeySet
}

func NewEpollSelector(maxEvents int) (*EpollSelector, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Fd: int32(efd), Events: unix.EPOLLIN}); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}

	return &EpollSelector{
		epollFd:  epfd,
		wakeFd:   efd,
		events:   make([]unix.EpollEvent, maxEvents),
		keys:     make(map[int]*Key),
		selected: NewKeySet(),
	}, nil
}

func (s *EpollSelector) Register(ch Channel, ops Ops, att Attachment) (*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSelectorClosed
	}
	fd := ch.FD()
	if _, ok := s.keys[fd]; ok {
		return nil, fmt.Errorf("%w: fd %d", ErrAlreadyRegistered, fd)
	}

	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: toEpoll(ops)}); err != nil {
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}

	k := newKey(s, ch, ops, att)
	s.keys[fd] = k
	return k, nil
}

func (s *EpollSelector) Select() (int, error) {
	// level triggered, block until something is ready
	n, err := unix.EpollWait(s.epollFd, s.events, -1)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	selected := 0
	for i := 0; i < n; i++ {
		ev := &s.events[i]
		fd := int(ev.Fd)

		if fd == s.wakeFd {
			s.drainWakeup()
			continue
		}

		k, ok := s.keys[fd]
		if !ok || !k.IsValid() {
			continue
		}
		ready := fromEpoll(ev.Events, k.Interest())
		if ready == 0 {
			continue
		}
		k.ready = ready
		s.selected.Add(k)
		selected++
	}
	return selected, nil
}

func (s *EpollSelector) SelectedKeys() *KeySet {
	return s.selected
}

func (s *EpollSelector) Wakeup() error {
	one := uint64(1)
	_, err := unix.Write(s.wakeFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write eventfd", err)
	}
	return nil
}

// drainWakeup resets the eventfd counter so the next Select can block again.
func (s *EpollSelector) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(s.wakeFd, buf[:])
}

// Close order: registered channels, eventfd, epoll
func (s *EpollSelector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	keys := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, k.Cancel())
		if err := k.Channel().Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close fd %d: %w", k.fd, err))
		}
	}
	if err := unix.Close(s.wakeFd); err != nil {
		errs = multierr.Append(errs, os.NewSyscallError("close eventfd", err))
	}
	if err := unix.Close(s.epollFd); err != nil {
		errs = multierr.Append(errs, os.NewSyscallError("close epoll", err))
	}
	return errs
}

// Len returns the number of live registrations.
func (s *EpollSelector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *EpollSelector) updateInterest(k *Key, ops Ops) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the fd may already belong to a newer registration
	if s.keys[k.fd] != k {
		return ErrKeyCancelled
	}
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_MOD, k.fd, &unix.EpollEvent{Fd: int32(k.fd), Events: toEpoll(ops)}))
}

func (s *EpollSelector) cancel(k *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys[k.fd] != k {
		return nil
	}
	delete(s.keys, k.fd)
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, k.fd, nil))
}

func toEpoll(ops Ops) uint32 {
	var events uint32
	if ops&(OpAccept|OpRead) != 0 {
		events |= readEvents
	}
	if ops&OpWrite != 0 {
		events |= writeEvents
	}
	return events
}

// fromEpoll maps reported events to ready ops. Error and hangup make every
// interested op ready so the handler runs into the failure on its next call.
func fromEpoll(events uint32, interest Ops) Ops {
	var ready Ops
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ready |= interest & (OpAccept | OpRead)
	}
	if events&unix.EPOLLOUT != 0 {
		ready |= interest & OpWrite
	}
	if events&errEvents != 0 {
		ready |= interest
	}
	return ready
}
