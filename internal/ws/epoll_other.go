//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without epoll.
// A monitor goroutine peeks one byte through a buffered reader, reports the
// connection as ready, and waits for Resume before peeking again, so it never
// races the worker reading the frame.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*polledConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

// polledConn reads through the buffered reader the monitor peeks on.
type polledConn struct {
	net.Conn
	br      *bufio.Reader
	resume  chan struct{}
	removed chan struct{}
}

func (p *polledConn) Read(b []byte) (int, error) {
	return p.br.Read(b)
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*polledConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn and returns the wrapper the server must read
// from.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	p := &polledConn{
		Conn:    conn,
		br:      bufio.NewReader(conn),
		resume:  make(chan struct{}, 1),
		removed: make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[p] = p
	e.mu.Unlock()

	go e.monitor(p)
	return p, nil
}

func (e *Epoll) monitor(p *polledConn) {
	for {
		_, err := p.br.Peek(1)

		select {
		case e.readyCh <- p:
		case <-p.removed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-p.resume:
		case <-p.removed:
			return
		case <-e.done:
			return
		}
	}
}

// Resume lets the monitor watch conn again after a worker finished reading.
func (e *Epoll) Resume(conn net.Conn) {
	if p, ok := conn.(*polledConn); ok {
		select {
		case p.resume <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	p, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		close(p.removed)
	}
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that point.
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

// Close shuts down the poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func socketFD(net.Conn) int {
	return -1
}

func isEINTR(error) bool {
	return false
}
