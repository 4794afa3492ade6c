package comm

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
)

// pointToPoint is the minimal surface a Communicator implementation needs
// to expose for the collectives below to be written once and shared by
// every transport (comm/local.go's LocalTransport and comm/net.go's
// NetTransport alike) — rank-0-coordinated gather/scatter trees, exactly
// the shape scr.c's MPI-backed collectives take.
type pointToPoint interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dest, tag int, data []byte) error
	Recv(ctx context.Context, src, tag int) ([]byte, error)
}

func barrier(ctx context.Context, c pointToPoint) error {
	if c.Rank() == 0 {
		for r := 1; r < c.Size(); r++ {
			if _, err := c.Recv(ctx, r, tagBarrierA); err != nil {
				return err
			}
		}
		for r := 1; r < c.Size(); r++ {
			if err := c.Send(ctx, r, tagBarrierB, nil); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.Send(ctx, 0, tagBarrierA, nil); err != nil {
		return err
	}
	_, err := c.Recv(ctx, 0, tagBarrierB)
	return err
}

func bcast(ctx context.Context, c pointToPoint, root int, data []byte) ([]byte, error) {
	if c.Rank() == root {
		for r := 0; r < c.Size(); r++ {
			if r == root {
				continue
			}
			if err := c.Send(ctx, r, tagBarrierA, data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
	return c.Recv(ctx, root, tagBarrierA)
}

func alltoall(ctx context.Context, c pointToPoint, send map[int][]byte) (map[int][]byte, error) {
	size := c.Size()
	errs := make([]error, size)
	var wg sync.WaitGroup
	for dest := 0; dest < size; dest++ {
		dest := dest
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[dest] = c.Send(ctx, dest, tagAlltoall, send[dest])
		}()
	}

	recv := make([][]byte, size)
	recvErrs := make([]error, size)
	var wg2 sync.WaitGroup
	for src := 0; src < size; src++ {
		src := src
		wg2.Add(1)
		go func() {
			defer wg2.Done()
			data, err := c.Recv(ctx, src, tagAlltoall)
			recv[src], recvErrs[src] = data, err
		}()
	}
	wg.Wait()
	wg2.Wait()
	for _, e := range errs {
		if e != nil {
			return nil, e
		}
	}
	for _, e := range recvErrs {
		if e != nil {
			return nil, e
		}
	}
	out := make(map[int][]byte, size)
	for i, d := range recv {
		out[i] = d
	}
	return out, nil
}

func allgather(ctx context.Context, c pointToPoint, data []byte) ([][]byte, error) {
	send := make(map[int][]byte, c.Size())
	for i := 0; i < c.Size(); i++ {
		send[i] = data
	}
	recv, err := alltoall(ctx, c, send)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, c.Size())
	for i := range out {
		out[i] = recv[i]
	}
	return out, nil
}

func allreduceInt64(ctx context.Context, c pointToPoint, val int64, reduce func(a, b int64) int64) (int64, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(val))
	if c.Rank() == 0 {
		acc := val
		for r := 1; r < c.Size(); r++ {
			b, err := c.Recv(ctx, r, tagReduceUp)
			if err != nil {
				return 0, err
			}
			acc = reduce(acc, int64(binary.LittleEndian.Uint64(b)))
		}
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(acc))
		for r := 1; r < c.Size(); r++ {
			if err := c.Send(ctx, r, tagReduceDn, out); err != nil {
				return 0, err
			}
		}
		return acc, nil
	}
	if err := c.Send(ctx, 0, tagReduceUp, buf); err != nil {
		return 0, err
	}
	b, err := c.Recv(ctx, 0, tagReduceDn)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func allreduceSum(ctx context.Context, c pointToPoint, val int64) (int64, error) {
	return allreduceInt64(ctx, c, val, func(a, b int64) int64 { return a + b })
}

func allreduceMax(ctx context.Context, c pointToPoint, val int64) (int64, error) {
	return allreduceInt64(ctx, c, val, func(a, b int64) int64 {
		if b > a {
			return b
		}
		return a
	})
}

func allreduceAnd(ctx context.Context, c pointToPoint, val bool) (bool, error) {
	in := int64(0)
	if val {
		in = 1
	}
	out, err := allreduceInt64(ctx, c, in, func(a, b int64) int64 {
		if a != 0 && b != 0 {
			return 1
		}
		return 0
	})
	return out != 0, err
}

type splitEntry struct {
	color, key, world int
}

func encodeSplitEntry(e splitEntry) []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.color))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.key))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.world))
	return buf
}

func decodeSplitEntry(b []byte) splitEntry {
	return splitEntry{
		color: int(binary.LittleEndian.Uint64(b[0:8])),
		key:   int(binary.LittleEndian.Uint64(b[8:16])),
		world: int(binary.LittleEndian.Uint64(b[16:24])),
	}
}

// splitGroup allgathers every member's (color, key, world) and returns the
// ordered list of world ranks belonging to color, sorted by (key, world) —
// the MPI_Comm_split ordering rule. A negative color yields a nil slice.
func splitGroup(ctx context.Context, c pointToPoint, color, key, self int) ([]int, error) {
	mine := splitEntry{color, key, self}
	all, err := allgather(ctx, c, encodeSplitEntry(mine))
	if err != nil {
		return nil, err
	}
	if color < 0 {
		return nil, nil
	}
	entries := make([]splitEntry, 0, len(all))
	for _, b := range all {
		e := decodeSplitEntry(b)
		if e.color == color {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key != entries[j].key {
			return entries[i].key < entries[j].key
		}
		return entries[i].world < entries[j].world
	})
	members := make([]int, len(entries))
	for i, e := range entries {
		members[i] = e.world
	}
	return members, nil
}
