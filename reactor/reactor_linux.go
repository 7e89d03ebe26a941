//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based readiness multiplexer.

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-bus/api"
	"golang.org/x/sys/unix"
)

const defaultMaxEvents = 1024

// linuxPoller is an edge-triggered epoll poller.
type linuxPoller struct {
	epfd   int
	raw    []unix.EpollEvent
	events []Event
}

// New constructs an epoll poller able to report up to maxEvents per Wait.
func New(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &linuxPoller{
		epfd:   epfd,
		raw:    make([]unix.EpollEvent, maxEvents),
		events: make([]Event, 0, maxEvents),
	}, nil
}

func toEpoll(interest Interest) uint32 {
	ev := uint32(unix.EPOLLET)
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd to the epoll interest list.
func (p *linuxPoller) Register(fd uint32, interest Interest) error {
	if p.epfd < 0 {
		return api.ErrPollerClosed
	}
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Modify re-arms fd with a new interest set. Re-arming an edge-triggered fd
// reports the current readiness again, which is what the writer path relies on.
func (p *linuxPoller) Modify(fd uint32, interest Interest) error {
	if p.epfd < 0 {
		return api.ErrPollerClosed
	}
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Deregister removes fd from the epoll interest list.
func (p *linuxPoller) Deregister(fd uint32) error {
	if p.epfd < 0 {
		return api.ErrPollerClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks up to timeoutMs and translates the ready epoll events.
func (p *linuxPoller) Wait(timeoutMs int) ([]Event, error) {
	if p.epfd < 0 {
		return nil, api.ErrPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return p.events[:0], nil // interrupted by signal, normal
		}
		return nil, fmt.Errorf("epoll wait: %w", err)
	}
	events := p.events[:0]
	for i := 0; i < n; i++ {
		raw := p.raw[i].Events
		failed := raw&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		events = append(events, Event{
			Token:    uint32(p.raw[i].Fd),
			Readable: failed || raw&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: failed || raw&unix.EPOLLOUT != 0,
		})
	}
	p.events = events
	return events, nil
}

// Close closes the epoll instance.
func (p *linuxPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}
