package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	consistentHash "github.com/scrgo/scr/consistent_hash"

	"github.com/scrgo/scr/comm"
)

// hashRingReplicas controls how many virtual nodes each local rank gets on
// the consistent-hash ring; higher spreads holders more evenly across a small
// localSize.
const hashRingReplicas = 16

const scatterTag = 9001 // world-rank-announce tag, below comm's reserved collective range

// ScatterFileMaps implements spec.md §4.8: only the node-local rank 0
// reads and merges every per-rank filemap file under masterIndexDir, then
// redistributes rank-specific subtrees across the node — a peer whose
// world rank matches a holder gets its own data back; any remaining
// holder (one that belonged to a local rank that no longer exists on this
// node after a reshuffle) is placed on a local rank by a consistent-hash
// ring (see assignShards).
// Every process — master included — ends by persisting its own shard to
// path.
func ScatterFileMaps(ctx context.Context, local comm.Communicator, masterIndexDir, path string, myWorldRank int) (*FileMap, error) {
	localRank := local.Rank()
	localSize := local.Size()

	if localRank != 0 {
		if err := local.Send(ctx, 0, scatterTag, []byte(fmt.Sprint(myWorldRank))); err != nil {
			return nil, errors.Wrap(err, "store: scatter: announce world rank")
		}
		return receiveShard(ctx, local, path)
	}

	worldRanks := make([]int, localSize)
	worldRanks[0] = myWorldRank
	for r := 1; r < localSize; r++ {
		data, err := local.Recv(ctx, r, scatterTag)
		if err != nil {
			return nil, errors.Wrap(err, "store: scatter: receive world rank announce")
		}
		var wr int
		if _, err := fmt.Sscan(string(data), &wr); err != nil {
			return nil, errors.Wrap(err, "store: scatter: parse world rank announce")
		}
		worldRanks[r] = wr
	}

	merged, err := mergeMasterIndex(masterIndexDir)
	if err != nil {
		return nil, err
	}

	shards := assignShards(merged, worldRanks)

	send := make(map[int][]byte, localSize)
	for r, shard := range shards {
		if r == 0 {
			continue
		}
		data, err := json.Marshal(shard.Ckpts)
		if err != nil {
			return nil, errors.Wrap(err, "store: scatter: marshal shard")
		}
		send[r] = data
	}
	if _, err := local.Alltoall(ctx, send); err != nil {
		return nil, errors.Wrap(err, "store: scatter: alltoall")
	}

	mine := shards[0]
	mine.path = path
	if err := mine.Save(); err != nil {
		return nil, err
	}
	return mine, nil
}

func receiveShard(ctx context.Context, local comm.Communicator, path string) (*FileMap, error) {
	send := make(map[int][]byte, local.Size())
	recv, err := local.Alltoall(ctx, send)
	if err != nil {
		return nil, errors.Wrap(err, "store: scatter: alltoall")
	}
	shard := New(path)
	if data := recv[0]; len(data) > 0 {
		if err := json.Unmarshal(data, &shard.Ckpts); err != nil {
			return nil, errors.Wrap(err, "store: scatter: parse shard")
		}
	}
	if err := shard.Save(); err != nil {
		return nil, err
	}
	return shard, nil
}

// mergeMasterIndex reads every "<masterIndexDir>/rank.<r>.filemap" file it
// can find (the master index simply being the directory listing for this
// simplified on-disk layout) and merges them into one combined FileMap,
// keyed by world rank via the holder's RankEntry — the per-rank filemap
// files this function merges are themselves produced by FileMap.Save()
// from a previous run.
func mergeMasterIndex(dir string) (*FileMap, error) {
	merged := New("")
	matches, err := filepath.Glob(filepath.Join(dir, "rank.*.filemap"))
	if err != nil {
		return nil, errors.Wrap(err, "store: scatter: glob master index")
	}
	for _, p := range matches {
		fm, err := Load(p)
		if err != nil {
			return nil, errors.Wrapf(err, "store: scatter: load %s", p)
		}
		merged.Merge(fm)
	}
	return merged, nil
}

// assignShards partitions merged's holders (the rank dimension of its
// Ckpts tree) across localSize peers: a holder whose world rank is in
// worldRanks goes to that peer; every other holder (one whose owning rank
// no longer lives on this node after a reshuffle) is placed by a
// consistent-hash ring over the local ranks, keyed by the holder's world
// rank — stable under a changing local rank count, unlike plain modulo.
func assignShards(merged *FileMap, worldRanks []int) []*FileMap {
	localSize := len(worldRanks)
	shards := make([]*FileMap, localSize)
	for i := range shards {
		shards[i] = New("")
	}
	byWorldRank := make(map[int]int, localSize)
	for i, wr := range worldRanks {
		byWorldRank[wr] = i
	}

	ring := consistentHash.NewConsistentHash(hashRingReplicas, nil)
	nodeNames := make([]string, localSize)
	for i := range nodeNames {
		nodeNames[i] = strconv.Itoa(i)
	}
	ring.AddNode(nodeNames...)

	holders := holderSet(merged)
	for _, holder := range holders {
		dest, ok := byWorldRank[holder]
		if !ok {
			node := ring.GetNode(strconv.Itoa(holder))
			dest, _ = strconv.Atoi(node)
		}
		copyHolder(merged, shards[dest], holder)
	}
	return shards
}

func holderSet(m *FileMap) []int {
	seen := make(map[int]bool)
	var out []int
	for _, ranks := range m.Ckpts {
		for r := range ranks {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	sort.Ints(out)
	return out
}

func copyHolder(src, dst *FileMap, holder int) {
	for ckpt, ranks := range src.Ckpts {
		e, ok := ranks[holder]
		if !ok {
			continue
		}
		de := dst.entry(ckpt, holder)
		for f := range e.Files {
			de.Files[f] = true
		}
		de.ExpectedCount = e.ExpectedCount
		de.DescriptorHash = e.DescriptorHash
		for k, v := range e.Tags {
			de.Tags[k] = v
		}
	}
}
