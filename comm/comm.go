// Package comm generalizes the teacher repo's hand-rolled RPC stack
// (rpc-server.go, rpc-registry.go, codec/) into a rank-to-rank communicator:
// the thing spec.md's topology builder, redundancy encoder, rebuild engine
// and restart distributor are all written against. It plays the role MPI
// plays in the original C source (scr.c), minus the parts SCR itself never
// needs (no derived datatypes, no non-blocking collectives, no communicator
// attributes) — see spec.md §9's instruction to make the copy_type switch
// and the version dispatch explicit tagged variants; comm.Communicator is
// the corresponding seam for "which transport moves the bytes".
package comm

import "context"

// Communicator is a fixed-size, ordered group of ranks that can exchange
// byte messages and run the handful of collectives SCR's algorithms need.
// Every method is collective except Send/Recv/ISend/IRecv/SendRecv, which
// are point-to-point. Per spec.md §5, concurrent operations on the same
// Communicator from the same process are never issued — every process in
// this library runs a single thread.
type Communicator interface {
	// Rank returns this process's rank within the communicator, in [0, Size()).
	Rank() int
	// Size returns the number of members in the communicator.
	Size() int
	// WorldRank returns the underlying world rank this member corresponds to,
	// stable across Split/Dup — spec.md §4.1 needs this to report
	// lhs_world_rank/rhs_world_rank on a descriptor.
	WorldRank() int
	// Hostname returns this process's hostname, as supplied at World creation.
	Hostname() string
	// HostnameOf returns the hostname of another member, by comm-local rank.
	HostnameOf(rank int) string
	// WorldRankOf returns the world rank backing comm-local rank, the
	// building block TranslateRank uses to cross communicators.
	WorldRankOf(rank int) int
	// TranslateRank maps a rank in another communicator to this
	// communicator's numbering of the same process, or -1 if that process
	// isn't a member here. Mirrors MPI_Group_translate_ranks; the restart
	// distributor uses it to go from a descriptor's group rank to the
	// world rank a transfer file names (spec.md §4.4).
	TranslateRank(other Communicator, rank int) int

	Send(ctx context.Context, dest, tag int, data []byte) error
	Recv(ctx context.Context, src, tag int) ([]byte, error)
	ISend(dest, tag int, data []byte) *Request
	IRecv(src, tag int) *Request
	// SendRecv exchanges data with a single partner in one round: the
	// send to sendTo and the recv from recvFrom happen concurrently, so
	// a ring of SendRecv calls can't deadlock the way two blocking Sends
	// can. This is the primitive behind PARTNER's paired exchange (§4.2)
	// and the XOR reduce-scatter's send-right/recv-left step (§4.2).
	SendRecv(ctx context.Context, sendTo, sendTag int, sendData []byte, recvFrom, recvTag int) ([]byte, error)

	Barrier(ctx context.Context) error
	// Bcast sends data from root to every other member. Only the value
	// passed by root is meaningful on input; every member, root included,
	// receives root's value on output.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// Allgather collects every member's data into a slice indexed by
	// comm-local rank.
	Allgather(ctx context.Context, data []byte) ([][]byte, error)
	// Alltoall exchanges per-destination payloads. send must have exactly
	// Size() entries (nil/empty for "nothing to send there"); the result
	// has exactly Size() entries, keyed by source rank.
	Alltoall(ctx context.Context, send map[int][]byte) (map[int][]byte, error)

	AllreduceSum(ctx context.Context, val int64) (int64, error)
	AllreduceMax(ctx context.Context, val int64) (int64, error)
	AllreduceAnd(ctx context.Context, val bool) (bool, error)

	// Split partitions the communicator by color and orders each new
	// group by key (ties broken by world rank), exactly like MPI_Comm_split.
	// A negative color means "not participating"; Split returns (nil, nil)
	// for that member.
	Split(ctx context.Context, color, key int) (Communicator, error)
	// Dup returns an independent communicator over the same members, with
	// its own message namespace — used when a descriptor needs a private
	// channel that can't be confused with another descriptor's traffic on
	// the same underlying ranks.
	Dup(ctx context.Context) (Communicator, error)

	// Close releases transport resources backing this communicator. A
	// descriptor's group_comm is freed with it, per spec.md §3's ownership
	// note.
	Close() error
}

// Request is a handle to a non-blocking Send or Recv, the Go analogue of
// MPI_Request. spec.md §9 calls for "explicit request arrays with Waitany";
// Waitany below is that array form.
type Request struct {
	done chan requestResult
}

type requestResult struct {
	data []byte
	err  error
}

func newRequest() (*Request, chan requestResult) {
	ch := make(chan requestResult, 1)
	return &Request{done: ch}, ch
}

// Wait blocks until the operation completes. For an IRecv, data is the
// received payload; for an ISend, data is nil.
func (r *Request) Wait() ([]byte, error) {
	res := <-r.done
	return res.data, res.err
}

// Waitany blocks until any one of reqs completes, and returns its index.
// Matches the pipelined rebuild's and reduce-scatter's need to overlap one
// send with one receive per step (spec.md §4.2, §4.3).
func Waitany(reqs []*Request) (int, []byte, error) {
	cases := make([]chan requestResult, len(reqs))
	for i, r := range reqs {
		cases[i] = r.done
	}
	return waitanyChans(cases)
}
