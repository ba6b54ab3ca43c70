package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/mingfeima/pssp/utils"
)

// ErrCoordination marks a failed rendezvous or collective.
var ErrCoordination = errors.New("coordination failure")

// Role is this process's place in the world.
type Role struct {
	Rank      int
	WorldSize int
}

func (r Role) Distributed() bool { return r.WorldSize > 1 }

// IsWriter is true for the one process allowed to touch shared storage.
func (r Role) IsWriter() bool { return r.Rank == 0 }

type Options struct {
	Backend   string
	URL       string
	WorldSize int
	Rank      int
	// Timeout bounds each collective and the rendezvous. Zero waits forever.
	Timeout time.Duration
	// RetryInterval spaces dial attempts while rank 0 is not up yet.
	RetryInterval time.Duration
}

// Group is a star: rank 0 holds one link per peer, every other rank holds a
// single link to rank 0. Collectives are issued in the same order on every
// rank and carry a sequence number so a desync is caught, not absorbed.
type Group struct {
	role    Role
	peers   []conn // on rank 0, peers[i] is rank i+1
	timeout time.Duration

	mu  sync.Mutex
	seq uint64
}

// Local is the group of a single-process run. Every collective is a no-op.
func Local() *Group { return &Group{role: Role{Rank: 0, WorldSize: 1}} }

// Init joins the process group described by o. A world size of one or less
// returns Local.
func Init(ctx context.Context, o Options) (*Group, error) {
	if o.WorldSize <= 1 {
		return Local(), nil
	}
	if o.Rank < 0 || o.Rank >= o.WorldSize {
		return nil, errors.Wrapf(ErrCoordination, "rank %d outside world of size %d", o.Rank, o.WorldSize)
	}
	t, err := transportFor(o.Backend)
	if err != nil {
		return nil, err
	}
	addr, err := rendezvousAddr(o.URL)
	if err != nil {
		return nil, err
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	if o.Rank == 0 {
		ln, err := t.Listen(addr)
		if err != nil {
			return nil, errors.Wrapf(ErrCoordination, "listen %s: %v", addr, err)
		}
		defer ln.Close()
		utils.Logger().Info("waiting for peers", "addr", ln.Addr(), "world_size", o.WorldSize)
		return serve(ctx, ln, o)
	}
	return join(ctx, t, addr, o)
}

// serve accepts world-1 peers and orders them by rank.
func serve(ctx context.Context, ln listener, o Options) (*Group, error) {
	g := &Group{role: Role{Rank: 0, WorldSize: o.WorldSize}, timeout: o.Timeout}
	g.peers = make([]conn, o.WorldSize-1)
	for joined := 0; joined < o.WorldSize-1; {
		c, err := ln.Accept(ctx)
		if err != nil {
			g.Close()
			return nil, errors.Wrapf(ErrCoordination, "accept: %v", err)
		}
		hello, err := recvHello(ctx, c)
		if err != nil {
			c.Close()
			g.Close()
			return nil, err
		}
		switch {
		case hello.Rank <= 0 || hello.Rank >= o.WorldSize:
			err = errors.Wrapf(ErrCoordination, "peer announced rank %d in world of size %d", hello.Rank, o.WorldSize)
		case len(hello.Data) != 1 || int(hello.Data[0]) != o.WorldSize:
			err = errors.Wrapf(ErrCoordination, "rank %d disagrees on world size", hello.Rank)
		case g.peers[hello.Rank-1] != nil:
			err = errors.Wrapf(ErrCoordination, "rank %d joined twice", hello.Rank)
		}
		if err != nil {
			c.Close()
			g.Close()
			return nil, err
		}
		if err := c.Send(Message{Op: OpHello, Rank: 0, Data: hello.Data}); err != nil {
			c.Close()
			g.Close()
			return nil, errors.Wrapf(ErrCoordination, "greet rank %d: %v", hello.Rank, err)
		}
		c.SetDeadline(time.Time{})
		g.peers[hello.Rank-1] = c
		joined++
		utils.Logger().Info("peer joined", "rank", hello.Rank, "joined", joined, "expected", o.WorldSize-1)
	}
	return g, nil
}

// join dials rank 0 until it answers or ctx ends.
func join(ctx context.Context, t transport, addr string, o Options) (*Group, error) {
	retry := o.RetryInterval
	if retry <= 0 {
		retry = 200 * time.Millisecond
	}
	var c conn
	for {
		var err error
		c, err = t.Dial(ctx, addr)
		if err == nil {
			break
		}
		utils.Debugf("rank %d: dial %s: %v", o.Rank, addr, err)
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Wrapf(ErrCoordination, "rank %d could not reach %s: %v", o.Rank, addr, ctx.Err())
		case <-timer.C:
		}
	}

	world := []float64{float64(o.WorldSize)}
	if err := c.Send(Message{Op: OpHello, Rank: o.Rank, Data: world}); err != nil {
		c.Close()
		return nil, errors.Wrapf(ErrCoordination, "rank %d hello: %v", o.Rank, err)
	}
	reply, err := recvHello(ctx, c)
	if err != nil {
		c.Close()
		return nil, err
	}
	if reply.Rank != 0 {
		c.Close()
		return nil, errors.Wrapf(ErrCoordination, "expected rank 0 to answer, got rank %d", reply.Rank)
	}
	c.SetDeadline(time.Time{})
	return &Group{
		role:    Role{Rank: o.Rank, WorldSize: o.WorldSize},
		peers:   []conn{c},
		timeout: o.Timeout,
	}, nil
}

func recvHello(ctx context.Context, c conn) (Message, error) {
	if d, ok := ctx.Deadline(); ok {
		c.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() { c.SetDeadline(time.Unix(1, 0)) })
	defer stop()
	m, err := c.Recv()
	if err != nil {
		return m, errors.Wrapf(ErrCoordination, "hello: %v", err)
	}
	if m.Op != OpHello {
		return m, errors.Wrapf(ErrCoordination, "expected hello, got %q", m.Op)
	}
	return m, nil
}

func (g *Group) Role() Role { return g.role }

// arm sets the deadline for one collective on every link and makes ctx
// cancellation interrupt blocked reads and writes.
func (g *Group) arm(ctx context.Context) (release func()) {
	var dl time.Time
	if g.timeout > 0 {
		dl = time.Now().Add(g.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (dl.IsZero() || d.Before(dl)) {
		dl = d
	}
	for _, p := range g.peers {
		p.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		for _, p := range g.peers {
			p.SetDeadline(time.Unix(1, 0))
		}
	})
	return func() { stop() }
}

func (g *Group) fail(ctx context.Context, op Op, seq uint64, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err := ctx.Err(); err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, err)
	}
	return errors.Wrapf(ErrCoordination, "rank %d %s #%d: %s", g.role.Rank, op, seq, msg)
}

func (g *Group) check(ctx context.Context, m Message, op Op, seq uint64, rank, n int) error {
	switch {
	case m.Op != op || m.Seq != seq:
		return g.fail(ctx, op, seq, "out of step with rank %d, got %s #%d", m.Rank, m.Op, m.Seq)
	case m.Rank != rank:
		return g.fail(ctx, op, seq, "expected rank %d, got rank %d", rank, m.Rank)
	case len(m.Data) != n:
		return g.fail(ctx, op, seq, "rank %d sent %d values, expected %d", m.Rank, len(m.Data), n)
	}
	return nil
}

// exchange is the one collective. Rank 0 gathers from every peer in rank
// order, optionally summing into buf, then sends buf back out.
func (g *Group) exchange(ctx context.Context, op Op, buf []float64, gather, reduce bool) error {
	if !g.role.Distributed() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	seq := g.seq
	defer g.arm(ctx)()

	if g.role.Rank != 0 {
		root := g.peers[0]
		if gather {
			if err := root.Send(Message{Seq: seq, Op: op, Rank: g.role.Rank, Data: buf}); err != nil {
				return g.fail(ctx, op, seq, "send: %v", err)
			}
		}
		m, err := root.Recv()
		if err != nil {
			return g.fail(ctx, op, seq, "recv: %v", err)
		}
		if err := g.check(ctx, m, op, seq, 0, len(buf)); err != nil {
			return err
		}
		copy(buf, m.Data)
		return nil
	}

	if gather {
		for i, p := range g.peers {
			m, err := p.Recv()
			if err != nil {
				return g.fail(ctx, op, seq, "recv from rank %d: %v", i+1, err)
			}
			if err := g.check(ctx, m, op, seq, i+1, len(buf)); err != nil {
				return err
			}
			if reduce {
				floats.Add(buf, m.Data)
			}
		}
	}
	out := Message{Seq: seq, Op: op, Rank: 0, Data: buf}
	for i, p := range g.peers {
		if err := p.Send(out); err != nil {
			return g.fail(ctx, op, seq, "send to rank %d: %v", i+1, err)
		}
	}
	return nil
}

// AllReduceSum replaces buf on every rank with the elementwise sum over
// ranks. The sum is taken in rank order so every run adds the same way.
func (g *Group) AllReduceSum(ctx context.Context, buf []float64) error {
	return g.exchange(ctx, OpAllReduce, buf, true, true)
}

// Broadcast copies rank 0's buf onto every other rank.
func (g *Group) Broadcast(ctx context.Context, buf []float64) error {
	return g.exchange(ctx, OpBroadcast, buf, false, false)
}

// Barrier returns once every rank has reached it.
func (g *Group) Barrier(ctx context.Context) error {
	return g.exchange(ctx, OpBarrier, nil, true, false)
}

func (g *Group) Close() error {
	var first error
	for _, p := range g.peers {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	g.peers = nil
	return first
}
