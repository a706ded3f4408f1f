//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection fallback for platforms without epoll.
// Each connection is wrapped in a buffered reader; a monitor goroutine peeks
// for data without consuming it, reports readiness, and waits for Rearm
// before peeking again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> rearm signal
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// peekConn lets the monitor observe pending bytes that the reader later
// consumes.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Wrap returns a buffered view of conn. Register and read from the returned
// connection only.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts monitoring a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return errors.New("ws: connection was not wrapped by Epoll")
	}
	rearm := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.monitor(pc, rearm)
	return nil
}

func (e *Epoll) monitor(pc *peekConn, rearm chan struct{}) {
	for {
		// Peek blocks until data or an error is available. Either way the
		// reader must run: it reads the frame or observes the closure.
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-rearm:
		case <-e.done:
			return
		}

		e.mu.Lock()
		_, live := e.conns[pc]
		e.mu.Unlock()
		if !live {
			return
		}
	}
}

// Rearm resumes monitoring after the reader has consumed a frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
}

// Remove stops monitoring a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns all ready
// connections.
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

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool {
	return false
}
