//go:build linux

// Package wakeup implements the wakeup set of spec §4.1: a single
// level-triggered pollable descriptor aggregating per-interface event
// descriptors and an internal self-pipe signal.
package wakeup

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/meshwire/meshwire/internal/logging"
)

// Source is one interface's wakeup-capable descriptor, registered with a
// Set so its readiness contributes to the aggregated descriptor.
type Source struct {
	Name string
	FD   int
}

// Set aggregates sources plus an internal signaling pipe into one epoll
// instance. The zero value is not usable; call New.
type Set struct {
	mu       sync.Mutex
	epfd     int // -1 until GetEFD is called
	pipeR    int
	pipeW    int
	sources  []Source
	armed    bool
	logger   *logging.Logger
}

// New creates a Set with no sources registered yet; Add before the first
// GetEFD call.
func New() *Set {
	return &Set{epfd: -1, pipeR: -1, pipeW: -1, logger: logging.Default()}
}

// Add registers an interface wakeup source. Must be called before GetEFD.
func (s *Set) Add(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, src)
}

// GetEFD returns the aggregated pollable descriptor, lazily constructing
// the epoll instance and self-pipe on first call. Idempotent.
func (s *Set) GetEFD() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epfd != -1 {
		return s.epfd, nil
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, err
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return -1, err
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fds[0], &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fds[0])}); err != nil {
		unix.Close(epfd)
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, err
	}

	for _, src := range s.sources {
		if src.FD < 0 {
			continue
		}
		ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(src.FD)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, src.FD, ev); err != nil {
			s.logger.Warn("wakeup: failed to register source", "source", src.Name, "error", err)
		}
	}

	s.epfd = epfd
	s.pipeR = fds[0]
	s.pipeW = fds[1]
	return s.epfd, nil
}

// Pending reports whether any registered source currently has unconsumed
// work, without blocking. Arm uses this to decide BUSY vs. armed.
func (s *Set) Pending(hasWork func(Source) bool) bool {
	s.mu.Lock()
	sources := append([]Source(nil), s.sources...)
	s.mu.Unlock()
	for _, src := range sources {
		if hasWork(src) {
			return true
		}
	}
	return false
}

// ErrBusy is returned by Arm when a source already has pending work; the
// caller must not block in that case.
var ErrBusy = errBusy{}

type errBusy struct{}

func (errBusy) Error() string { return "busy" }

// Arm drains the self-pipe and reports ErrBusy if hasWork indicates any
// source has pending work; callers must not call Wait after ErrBusy.
func (s *Set) Arm(hasWork func(Source) bool) error {
	if _, err := s.GetEFD(); err != nil {
		return err
	}
	s.drainPipe()
	if s.Pending(hasWork) {
		return ErrBusy
	}
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
	return nil
}

func (s *Set) drainPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.pipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Wait blocks until any aggregated source is ready, retrying internally on
// EINTR.
func (s *Set) Wait() error {
	efd, err := s.GetEFD()
	if err != nil {
		return err
	}
	events := make([]unix.EpollEvent, 8)
	for {
		n, err := unix.EpollWait(efd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			s.mu.Lock()
			s.armed = false
			s.mu.Unlock()
			return nil
		}
	}
}

// Signal writes one byte to the internal pipe; safe from any thread on a
// best-effort basis. EAGAIN (pipe already has a pending byte) is success.
func (s *Set) Signal() error {
	if _, err := s.GetEFD(); err != nil {
		return err
	}
	s.mu.Lock()
	w := s.pipeW
	s.mu.Unlock()
	_, err := unix.Write(w, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close releases the epoll instance and self-pipe.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epfd != -1 {
		unix.Close(s.epfd)
		s.epfd = -1
	}
	if s.pipeR != -1 {
		unix.Close(s.pipeR)
		s.pipeR = -1
	}
	if s.pipeW != -1 {
		unix.Close(s.pipeW)
		s.pipeW = -1
	}
	return nil
}
