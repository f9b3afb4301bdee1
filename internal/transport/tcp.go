package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/replikv/replikv/internal/logging"
)

const (
	// maxIdlePerPeer bounds the pooled connections kept per remote address.
	maxIdlePerPeer = 4

	dialTimeout = 3 * time.Second
)

// TCPTransport serves and dials length-prefixed msgpack frames over TCP.
// Outbound connections are pooled per peer; a pooled connection carries
// one request at a time.
type TCPTransport struct {
	listener net.Listener
	handler  Handler
	logger   *logging.Logger

	mu   sync.Mutex
	idle map[string][]*peerConn
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type peerConn struct {
	conn net.Conn
	rw   *bufio.ReadWriter
}

// NewTCPTransport binds the listen address and starts accepting frames.
func NewTCPTransport(bindAddr string, handler Handler, logger *logging.Logger) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bindAddr, err)
	}

	t := &TCPTransport{
		listener: listener,
		handler:  handler,
		logger:   logger.Component("transport"),
		idle:     make(map[string][]*peerConn),
		done:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns the bound listen address, with any ephemeral port resolved.
func (t *TCPTransport) Addr() string {
	return t.listener.Addr().String()
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}

		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn answers frames on one inbound connection until the peer hangs
// up or sends a malformed frame.
func (t *TCPTransport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		msg, err := ReadFrame(reader)
		if err != nil {
			return
		}

		reply := t.handler(context.Background(), msg)
		if reply == nil {
			reply = NewErrorMessage("", CodeInternal, "handler produced no reply")
		}

		if err := WriteFrame(writer, reply); err != nil {
			t.logger.Warn("write reply failed", "peer", conn.RemoteAddr().String(), "error", err)
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// Call sends one request frame to addr and waits for the reply. The
// context deadline bounds dialing and the round trip.
func (t *TCPTransport) Call(ctx context.Context, addr string, msg *Message) (*Message, error) {
	pc, err := t.checkout(ctx, addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		pc.conn.SetDeadline(deadline)
	} else {
		pc.conn.SetDeadline(time.Time{})
	}

	if err := WriteFrame(pc.rw.Writer, msg); err != nil {
		pc.conn.Close()
		return nil, fmt.Errorf("send to %s: %w", addr, err)
	}
	if err := pc.rw.Writer.Flush(); err != nil {
		pc.conn.Close()
		return nil, fmt.Errorf("send to %s: %w", addr, err)
	}

	reply, err := ReadFrame(pc.rw.Reader)
	if err != nil {
		pc.conn.Close()
		return nil, fmt.Errorf("receive from %s: %w", addr, err)
	}

	t.checkin(addr, pc)
	return reply, nil
}

// checkout takes an idle pooled connection or dials a new one.
func (t *TCPTransport) checkout(ctx context.Context, addr string) (*peerConn, error) {
	t.mu.Lock()
	if conns := t.idle[addr]; len(conns) > 0 {
		pc := conns[len(conns)-1]
		t.idle[addr] = conns[:len(conns)-1]
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &peerConn{
		conn: conn,
		rw:   bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
	}, nil
}

// checkin returns a healthy connection to the pool, closing it when the
// pool for this peer is full or the transport is shutting down.
func (t *TCPTransport) checkin(addr string, pc *peerConn) {
	pc.conn.SetDeadline(time.Time{})

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		pc.conn.Close()
		return
	default:
	}

	if len(t.idle[addr]) >= maxIdlePerPeer {
		pc.conn.Close()
		return
	}
	t.idle[addr] = append(t.idle[addr], pc)
}

// Close stops the listener and closes every pooled connection.
func (t *TCPTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.listener.Close()

		t.mu.Lock()
		for addr, conns := range t.idle {
			for _, pc := range conns {
				pc.conn.Close()
			}
			delete(t.idle, addr)
		}
		t.mu.Unlock()

		t.wg.Wait()
	})
	return err
}
