package distributed

import (
	"context"
	"encoding/gob"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/websocket"
)

// Op names a collective.
type Op string

const (
	OpHello     Op = "hello"
	OpAllReduce Op = "allreduce"
	OpBroadcast Op = "broadcast"
	OpBarrier   Op = "barrier"
)

// Message is the only frame exchanged between ranks.
type Message struct {
	Seq  uint64    `json:"seq"`
	Op   Op        `json:"op"`
	Rank int       `json:"rank"`
	Data []float64 `json:"data,omitempty"`
}

// conn is one point-to-point link to a peer.
type conn interface {
	Send(m Message) error
	Recv() (Message, error)
	SetDeadline(t time.Time) error
	Close() error
}

type gobConn struct {
	c   net.Conn
	enc *gob.Encoder
	dec *gob.Decoder
}

func newGobConn(c net.Conn) *gobConn {
	return &gobConn{c: c, enc: gob.NewEncoder(c), dec: gob.NewDecoder(c)}
}

func (g *gobConn) Send(m Message) error { return g.enc.Encode(m) }

func (g *gobConn) Recv() (Message, error) {
	var m Message
	err := g.dec.Decode(&m)
	return m, err
}

func (g *gobConn) SetDeadline(t time.Time) error { return g.c.SetDeadline(t) }
func (g *gobConn) Close() error                  { return g.c.Close() }

type wsConn struct {
	ws   *websocket.Conn
	done chan struct{} // closed to release the server handler
	once sync.Once
}

func (w *wsConn) Send(m Message) error { return websocket.JSON.Send(w.ws, m) }

func (w *wsConn) Recv() (Message, error) {
	var m Message
	err := websocket.JSON.Receive(w.ws, &m)
	return m, err
}

func (w *wsConn) SetDeadline(t time.Time) error { return w.ws.SetDeadline(t) }

func (w *wsConn) Close() error {
	err := w.ws.Close()
	if w.done != nil {
		w.once.Do(func() { close(w.done) })
	}
	return err
}

// listener accepts peer links on rank 0.
type listener interface {
	Accept(ctx context.Context) (conn, error)
	Addr() string
	Close() error
}

// transport picks the wire for a backend name.
type transport interface {
	Listen(addr string) (listener, error)
	Dial(ctx context.Context, addr string) (conn, error)
}

func transportFor(backend string) (transport, error) {
	switch strings.ToLower(backend) {
	case "", "gloo", "tcp":
		return tcpTransport{}, nil
	case "ws", "websocket":
		return wsTransport{path: "/pssp"}, nil
	}
	return nil, errors.Wrapf(ErrCoordination, "unknown dist backend %q", backend)
}

// rendezvousAddr turns tcp://host:port (or a bare host:port) into host:port.
func rendezvousAddr(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(ErrCoordination, "dist url %q: %v", raw, err)
	}
	if u.Host == "" || u.Port() == "" {
		return "", errors.Wrapf(ErrCoordination, "dist url %q needs host:port", raw)
	}
	return u.Host, nil
}

type tcpTransport struct{}

type tcpListener struct{ l net.Listener }

func (tcpTransport) Listen(addr string) (listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l: l}, nil
}

func (tcpTransport) Dial(ctx context.Context, addr string) (conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newGobConn(c), nil
}

func (t *tcpListener) Accept(ctx context.Context) (conn, error) {
	stop := context.AfterFunc(ctx, func() { t.l.Close() })
	defer stop()
	c, err := t.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return newGobConn(c), nil
}

func (t *tcpListener) Addr() string { return t.l.Addr().String() }
func (t *tcpListener) Close() error { return t.l.Close() }

type wsTransport struct{ path string }

type wsListener struct {
	l      net.Listener
	srv    *http.Server
	conns  chan *wsConn
	closed chan struct{}
	once   sync.Once
}

func (w wsTransport) Listen(addr string) (listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	wl := &wsListener{l: l, conns: make(chan *wsConn), closed: make(chan struct{})}
	mux := http.NewServeMux()
	mux.Handle(w.path, websocket.Handler(func(ws *websocket.Conn) {
		c := &wsConn{ws: ws, done: make(chan struct{})}
		select {
		case wl.conns <- c:
		case <-wl.closed:
			return
		}
		// The library closes ws when the handler returns.
		<-c.done
	}))
	wl.srv = &http.Server{Handler: mux}
	go wl.srv.Serve(l)
	return wl, nil
}

func (w wsTransport) Dial(ctx context.Context, addr string) (conn, error) {
	cfg, err := websocket.NewConfig("ws://"+addr+w.path, "http://"+addr)
	if err != nil {
		return nil, err
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

func (w *wsListener) Accept(ctx context.Context) (conn, error) {
	select {
	case c := <-w.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *wsListener) Addr() string { return w.l.Addr().String() }

// Close stops accepting. Links already handed out stay open.
func (w *wsListener) Close() error {
	w.once.Do(func() { close(w.closed) })
	return w.srv.Close()
}
