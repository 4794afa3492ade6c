package comm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// bus is the shared routing table behind every Communicator created from
// the same World: an in-process analogue of an MPI job's message layer,
// used by cmd/scrsim and every package test in this repo so collective
// algorithms are deterministically testable without a real cluster (see
// SPEC_FULL.md §3).
type bus struct {
	nextCommID int64
	mu         sync.Mutex
	queues     map[busKey]chan []byte
}

type busKey struct {
	commID   int64
	to, from int
	tag      int
}

func newBus() *bus {
	return &bus{queues: make(map[busKey]chan []byte)}
}

func (b *bus) queue(commID int64, to, from, tag int) chan []byte {
	k := busKey{commID, to, from, tag}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[k]
	if !ok {
		ch = make(chan []byte, 32)
		b.queues[k] = ch
	}
	return ch
}

// Reserved tag range for collectives internal to this package, kept well
// away from the small application tags the redundancy encoder and rebuild
// engine use (file indices, chunk ids).
const (
	tagBarrierA = 1<<30 + 1
	tagBarrierB = 1<<30 + 2
	tagReduceUp = 1<<30 + 3
	tagReduceDn = 1<<30 + 4
	tagAlltoall = 1<<30 + 5
)

type localComm struct {
	bus       *bus
	commID    int64
	hostnames []string // indexed by world rank
	members   []int    // world ranks, in comm-local rank order
	self      int       // world rank
}

// NewWorld builds a fresh in-process job of len(hostnames) ranks. hostnames[i]
// is the hostname of world rank i — callers typically repeat hostnames to
// simulate several ranks sharing a node, which is exactly what LOCAL/level
// communicator grouping (spec.md §3) needs to exercise.
func NewWorld(hostnames []string) []Communicator {
	b := newBus()
	members := make([]int, len(hostnames))
	for i := range members {
		members[i] = i
	}
	out := make([]Communicator, len(hostnames))
	for i := range hostnames {
		out[i] = &localComm{
			bus:       b,
			commID:    0,
			hostnames: append([]string(nil), hostnames...),
			members:   members,
			self:      i,
		}
	}
	return out
}

func (c *localComm) Rank() int {
	for i, w := range c.members {
		if w == c.self {
			return i
		}
	}
	return -1
}

func (c *localComm) Size() int        { return len(c.members) }
func (c *localComm) WorldRank() int   { return c.self }
func (c *localComm) Hostname() string { return c.hostnames[c.self] }
func (c *localComm) HostnameOf(rank int) string {
	return c.hostnames[c.members[rank]]
}

func (c *localComm) WorldRankOf(rank int) int { return c.members[rank] }

func (c *localComm) TranslateRank(other Communicator, rank int) int {
	world := other.WorldRankOf(rank)
	for i, w := range c.members {
		if w == world {
			return i
		}
	}
	return -1
}

func (c *localComm) Send(ctx context.Context, dest, tag int, data []byte) error {
	if dest < 0 || dest >= len(c.members) {
		return errors.Errorf("comm: send to out-of-range rank %d", dest)
	}
	ch := c.bus.queue(c.commID, c.members[dest], c.self, tag)
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *localComm) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if src < 0 || src >= len(c.members) {
		return nil, errors.Errorf("comm: recv from out-of-range rank %d", src)
	}
	ch := c.bus.queue(c.commID, c.self, c.members[src], tag)
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *localComm) ISend(dest, tag int, data []byte) *Request {
	req, ch := newRequest()
	go func() {
		err := c.Send(context.Background(), dest, tag, data)
		ch <- requestResult{err: err}
	}()
	return req
}

func (c *localComm) IRecv(src, tag int) *Request {
	req, ch := newRequest()
	go func() {
		data, err := c.Recv(context.Background(), src, tag)
		ch <- requestResult{data: data, err: err}
	}()
	return req
}

func (c *localComm) SendRecv(ctx context.Context, sendTo, sendTag int, sendData []byte, recvFrom, recvTag int) ([]byte, error) {
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

func (c *localComm) Barrier(ctx context.Context) error { return barrier(ctx, c) }

func (c *localComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	return bcast(ctx, c, root, data)
}

func (c *localComm) Alltoall(ctx context.Context, send map[int][]byte) (map[int][]byte, error) {
	return alltoall(ctx, c, send)
}

func (c *localComm) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	return allgather(ctx, c, data)
}

func (c *localComm) AllreduceSum(ctx context.Context, val int64) (int64, error) {
	return allreduceSum(ctx, c, val)
}

func (c *localComm) AllreduceMax(ctx context.Context, val int64) (int64, error) {
	return allreduceMax(ctx, c, val)
}

func (c *localComm) AllreduceAnd(ctx context.Context, val bool) (bool, error) {
	return allreduceAnd(ctx, c, val)
}

func (c *localComm) Split(ctx context.Context, color, key int) (Communicator, error) {
	members, err := splitGroup(ctx, c, color, key, c.self)
	if err != nil || members == nil {
		return nil, err
	}
	return &localComm{
		bus:       c.bus,
		commID:    atomic.AddInt64(&c.bus.nextCommID, 1),
		hostnames: c.hostnames,
		members:   members,
		self:      c.self,
	}, nil
}

func (c *localComm) Dup(ctx context.Context) (Communicator, error) {
	return &localComm{
		bus:       c.bus,
		commID:    atomic.AddInt64(&c.bus.nextCommID, 1),
		hostnames: c.hostnames,
		members:   append([]int(nil), c.members...),
		self:      c.self,
	}, nil
}

func (c *localComm) Close() error { return nil }
