package comm

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scrgo/scr/codec"
	"github.com/scrgo/scr/xlog"
)

// NetTransport is comm.Communicator over a fixed mesh of TCP connections,
// one per ordered rank pair — the real multi-node substitute for
// LocalTransport. It adapts the teacher's rpc-server.go handshake (an
// Option struct JSON-decoded off the wire, then a codec picked from
// codec.NewCodecFuncMap) and rpc-registry.go's rendezvous idea, but drops
// the generic method-dispatch-by-reflection machinery entirely: every SCR
// rank-to-rank message is a tagged byte payload, never an arbitrary RPC
// call, so there is exactly one "service method" on the wire.
const deliverMethod = "Comm.Deliver"

// DialOption mirrors the teacher's rpc-server.go Option, minus the fields
// (ConnectTimeout, HandleTimeout) this transport doesn't need: every send
// here already carries a context for cancellation.
type DialOption struct {
	CodecType codec.Type
}

var DefaultDialOption = &DialOption{CodecType: codec.GobType}

// frame is the body carried under the fixed deliverMethod header; Header.Seq
// is reused to carry the tag, per codec.Header's doc comment.
type frame struct {
	SrcRank int
	Payload []byte
}

type rankLink struct {
	mu   sync.Mutex // guards writes; one physical connection, many logical tags
	cc   codec.Codec
	recv *tagRouter
}

func (l *rankLink) send(h *codec.Header, f *frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cc.Write(h, f)
}

// tagRouter fans inbound frames on one connection out to whichever Recv
// call is waiting on (srcRank, tag); it is the network analogue of bus.queue.
type tagRouter struct {
	mu    sync.Mutex
	boxes map[int]chan []byte
}

func newTagRouter() *tagRouter { return &tagRouter{boxes: make(map[int]chan []byte)} }

func (t *tagRouter) box(tag int) chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.boxes[tag]
	if !ok {
		ch = make(chan []byte, 32)
		t.boxes[tag] = ch
	}
	return ch
}

type netComm struct {
	hostnames []string
	self      int
	links     map[int]*rankLink // world rank -> link, absent for self
	closers   []io.Closer
}

// DialWorld connects the world communicator over TCP. addrs[i]/hostnames[i]
// describe world rank i; addrs[self] is the address this process listens on.
// Every pair of ranks opens exactly one connection, dialed by the
// higher-numbered rank and accepted by the lower-numbered one, so the mesh
// never double-connects — the same ordering rule scr.c's scr_swap_files
// uses to decide which side of a pairwise exchange initiates.
func DialWorld(ctx context.Context, addrs, hostnames []string, self int, opt *DialOption) (Communicator, error) {
	if opt == nil {
		opt = DefaultDialOption
	}
	n := len(addrs)
	lis, err := net.Listen("tcp", addrs[self])
	if err != nil {
		return nil, errors.Wrapf(err, "comm: listen on %s", addrs[self])
	}

	c := &netComm{
		hostnames: append([]string(nil), hostnames...),
		self:      self,
		links:     make(map[int]*rankLink, n-1),
		closers:   []io.Closer{lis},
	}

	accepted := make(chan net.Conn, n)
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, 0, n)

	for r := 0; r < n; r++ {
		if r == self {
			continue
		}
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			var conn net.Conn
			var err error
			if r < self {
				conn, err = dialRank(ctx, addrs[r], self, opt)
			} else {
				conn, err = acceptRank(ctx, accepted, r)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, errors.Wrapf(err, "comm: connect to rank %d", r))
				return
			}
			f := codec.NewCodecFuncMap[opt.CodecType]
			cc := f(conn)
			link := &rankLink{cc: cc, recv: newTagRouter()}
			c.links[r] = link
			c.closers = append(c.closers, conn)
			go c.readLoop(r, link)
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		_ = c.Close()
		return nil, errs[0]
	}
	return c, nil
}

// helloFrame identifies the dialing rank so the accepting side can tell
// which logical rank just connected, since Accept() alone only yields a
// raw socket.
type helloFrame struct {
	Rank int
}

func dialRank(ctx context.Context, addr string, self int, opt *DialOption) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	for {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err := json.NewEncoder(conn).Encode(&struct {
		CodecType codec.Type
		SessionID string
	}{CodecType: opt.CodecType, SessionID: uuid.NewString()}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := json.NewEncoder(conn).Encode(&helloFrame{Rank: self}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func acceptRank(ctx context.Context, accepted <-chan net.Conn, want int) (net.Conn, error) {
	for {
		select {
		case conn := <-accepted:
			var handshake struct {
				CodecType codec.Type
				SessionID string
			}
			if err := json.NewDecoder(conn).Decode(&handshake); err != nil {
				_ = conn.Close()
				continue
			}
			var hello helloFrame
			if err := json.NewDecoder(conn).Decode(&hello); err != nil {
				_ = conn.Close()
				continue
			}
			if hello.Rank != want {
				// A different rank raced ahead of "want" on the shared
				// accept channel; this can't happen with the strict
				// lower-dials-higher ordering DialWorld uses, but fail
				// loud rather than silently misroute traffic.
				_ = conn.Close()
				return nil, errors.Errorf("comm: expected hello from rank %d, got %d", want, hello.Rank)
			}
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *netComm) readLoop(rank int, link *rankLink) {
	for {
		var h codec.Header
		if err := link.cc.ReadHeader(&h); err != nil {
			return
		}
		var f frame
		if err := link.cc.ReadBody(&f); err != nil {
			xlog.Errorln("comm: net transport read body from rank", rank, ":", err)
			return
		}
		link.recv.box(int(h.Seq)) <- f.Payload
	}
}

func (c *netComm) Rank() int      { return c.self }
func (c *netComm) Size() int      { return len(c.hostnames) }
func (c *netComm) WorldRank() int { return c.self }
func (c *netComm) Hostname() string { return c.hostnames[c.self] }
func (c *netComm) HostnameOf(rank int) string { return c.hostnames[rank] }
func (c *netComm) WorldRankOf(rank int) int   { return rank }

// TranslateRank is trivial here: NetTransport never splits, so every
// communicator reaching this method is the world communicator and rank
// numbering already agrees.
func (c *netComm) TranslateRank(other Communicator, rank int) int {
	world := other.WorldRankOf(rank)
	if world < 0 || world >= len(c.hostnames) {
		return -1
	}
	return world
}

func (c *netComm) Send(ctx context.Context, dest, tag int, data []byte) error {
	link, ok := c.links[dest]
	if !ok {
		return errors.Errorf("comm: no link to rank %d", dest)
	}
	return link.send(&codec.Header{ServiceMethod: deliverMethod, Seq: uint64(tag)}, &frame{SrcRank: c.self, Payload: data})
}

func (c *netComm) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	link, ok := c.links[src]
	if !ok {
		return nil, errors.Errorf("comm: no link to rank %d", src)
	}
	select {
	case data := <-link.recv.box(tag):
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *netComm) ISend(dest, tag int, data []byte) *Request {
	req, ch := newRequest()
	go func() {
		err := c.Send(context.Background(), dest, tag, data)
		ch <- requestResult{err: err}
	}()
	return req
}

func (c *netComm) IRecv(src, tag int) *Request {
	req, ch := newRequest()
	go func() {
		data, err := c.Recv(context.Background(), src, tag)
		ch <- requestResult{data: data, err: err}
	}()
	return req
}

func (c *netComm) SendRecv(ctx context.Context, sendTo, sendTag int, sendData []byte, recvFrom, recvTag int) ([]byte, error) {
	sendReq := c.ISend(sendTo, sendTag, sendData)
	recvReq := c.IRecv(recvFrom, recvTag)
	data, recvErr := recvReq.Wait()
	_, sendErr := sendReq.Wait()
	if sendErr != nil {
		return nil, sendErr
	}
	if recvErr != nil {
		return nil, recvErr
	}
	return data, nil
}

func (c *netComm) Barrier(ctx context.Context) error { return barrier(ctx, c) }

func (c *netComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	return bcast(ctx, c, root, data)
}

func (c *netComm) Alltoall(ctx context.Context, send map[int][]byte) (map[int][]byte, error) {
	return alltoall(ctx, c, send)
}

func (c *netComm) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	return allgather(ctx, c, data)
}

func (c *netComm) AllreduceSum(ctx context.Context, val int64) (int64, error) {
	return allreduceSum(ctx, c, val)
}

func (c *netComm) AllreduceMax(ctx context.Context, val int64) (int64, error) {
	return allreduceMax(ctx, c, val)
}

func (c *netComm) AllreduceAnd(ctx context.Context, val bool) (bool, error) {
	return allreduceAnd(ctx, c, val)
}

// Split and Dup over NetTransport are out of scope: spec.md's redundancy
// and rebuild engines only ever split the process's single world
// communicator once, at startup (§3), and cmd/scrctl / the production
// entry point build every communicator it needs directly from the rank
// file rather than by splitting a live NetTransport. LocalTransport's
// Split/Dup cover every code path that's actually exercised (topology
// construction under test, cmd/scrsim).
func (c *netComm) Split(ctx context.Context, color, key int) (Communicator, error) {
	return nil, errors.New("comm: NetTransport does not support Split; build group communicators from the rank file instead")
}

func (c *netComm) Dup(ctx context.Context) (Communicator, error) {
	return nil, errors.New("comm: NetTransport does not support Dup")
}

func (c *netComm) Close() error {
	var err error
	for _, cl := range c.closers {
		if e := cl.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
