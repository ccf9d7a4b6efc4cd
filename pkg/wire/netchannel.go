package wire

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cuemby/emberdb/pkg/log"
)

// dialTimeout bounds how long NetChannel.Send waits to establish a fresh
// connection before giving up, independent of the ctx deadline a caller
// supplies for the whole round trip.
const dialTimeout = 2 * time.Second

// NetChannel is the real-socket Channel implementation used by cmd/emberdb:
// it dials a short-lived TCP connection per Send, writes one frame, and
// reads back exactly one reply frame, matching the request/reply shape
// every opcode uses. Unlike LoopbackChannel it has no persistent per-peer
// state to corrupt across a reconnect: a failed dial or read simply
// surfaces as a Send error, and the next Send dials fresh.
type NetChannel struct {
	address string
	dialer  net.Dialer
}

// NewNetChannel creates a Channel that identifies itself as address and
// dials peers directly over TCP.
func NewNetChannel(address string) *NetChannel {
	return &NetChannel{address: address, dialer: net.Dialer{Timeout: dialTimeout}}
}

func (c *NetChannel) LocalAddress() string { return c.address }

// Send dials address, writes f, and waits for exactly one reply frame or
// ctx's deadline, whichever comes first.
func (c *NetChannel) Send(ctx context.Context, address string, f Frame) (Frame, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return Frame{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := WriteFrame(conn, f); err != nil {
		return Frame{}, err
	}
	reply, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return Frame{}, err
	}
	return reply, nil
}

// Close is a no-op: NetChannel holds no persistent connections to release.
func (c *NetChannel) Close() error { return nil }

// Listener accepts inbound connections on an address and dispatches every
// frame it reads to a Handler, writing back whatever frame the Handler
// returns. One goroutine per connection; one request per connection,
// mirroring NetChannel's dial-per-Send shape on the caller side.
type Listener struct {
	ln net.Listener
	wg sync.WaitGroup
}

// Listen binds address and begins serving h in the background. Call
// Close to stop accepting and wait for in-flight requests to finish.
func Listen(address string, h Handler) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	l := &Listener{ln: ln}
	l.wg.Add(1)
	go l.acceptLoop(h)
	return l, nil
}

// Addr returns the listener's bound address, useful when address was
// given as "host:0" and the kernel chose the port.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

func (l *Listener) acceptLoop(h Handler) {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		l.wg.Add(1)
		go l.serveConn(conn, h)
	}
}

func (l *Listener) serveConn(conn net.Conn, h Handler) {
	defer l.wg.Done()
	defer conn.Close()

	f, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return
	}
	from := conn.RemoteAddr().String()
	reply, err := h(context.Background(), from, f)
	if err != nil {
		log.WithComponent("wire").Debug().Err(err).Str("from", from).Msg("handler returned error")
		return
	}
	if err := WriteFrame(conn, reply); err != nil {
		log.WithComponent("wire").Debug().Err(err).Str("from", from).Msg("failed to write reply")
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.wg.Wait()
	return err
}
