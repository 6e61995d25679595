//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback for platforms without epoll. Each watched
// connection is reported ready once, then again after the worker that read
// it calls Resume. The worker's blocking read waits for the actual data.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts reporting conn.
func (e *Epoll) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, resume)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume lets conn be reported again.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Remove stops reporting conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	resume, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(resume)
	}
	return nil
}

// Wait blocks until at least one connection is ready and drains the rest
// without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}
