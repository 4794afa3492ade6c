// Package topo builds the partnering/grouping topology a checkpoint
// descriptor needs: the group communicator plus left/right partner
// identity, for each of the three copy types (LOCAL, PARTNER, XOR).
//
// Grounded on the teacher's erasure-layout.go (NewLayout): a single
// constructor switching over a small closed set of patterns, each filling
// in the same two parallel arrays. Here the "pattern" is copy_type and the
// arrays collapse to one descriptor, since SCR groups ranks rather than
// striping blocks across a fixed node count.
package topo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/scrgo/scr/config"
	"github.com/scrgo/scr/comm"
)

// Descriptor is the topology half of spec.md §3's checkpoint descriptor:
// the fields Build produces, to be merged into the full descriptor record
// alongside the config-driven scalars (interval, base, directory, ...).
type Descriptor struct {
	CopyType    config.CopyType
	HopDistance int
	SetSize     int

	GroupComm  comm.Communicator
	GroupID    int
	GroupRank  int
	GroupSize  int

	LHS         int
	LHSWorldRank int
	LHSHost     string
	RHS         int
	RHSWorldRank int
	RHSHost     string

	// Enabled is false when Build's validity check failed on this or any
	// other process in level — the descriptor must be disabled everywhere
	// or nowhere, per spec.md §4.1.
	Enabled bool
}

// Build implements spec.md §4.1's split contract: given (copyType,
// hopDistance, setSize) and the level communicator, produce a group
// communicator plus left/right partner identity, then validate by hostname
// exchange and an all-reduce across level.
func Build(ctx context.Context, level comm.Communicator, copyType config.CopyType, hopDistance, setSize int) (*Descriptor, error) {
	levelSize := level.Size()
	levelRank := level.Rank()

	// Single-node convenience override (spec.md §4.1): if every world rank
	// shares level's single group (i.e. level *is* the whole node-local
	// set and there's exactly one node total), force LOCAL regardless of
	// the configured type, since cross-node redundancy is impossible.
	if copyType != config.CopyTypeLocal && allSameHost(level) {
		copyType = config.CopyTypeLocal
	}

	hopDistance = normalizeHop(hopDistance, levelSize)

	d := &Descriptor{CopyType: copyType, HopDistance: hopDistance, SetSize: setSize}

	switch copyType {
	case config.CopyTypeLocal:
		d.GroupComm = nil
		d.GroupID = levelRank
		d.GroupRank = 0
		d.GroupSize = 1
		d.LHS, d.RHS = -1, -1
		d.Enabled = true
		return d, nil

	case config.CopyTypePartner:
		gc, err := level.Dup(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "topo: dup level for PARTNER group")
		}
		d.GroupComm = gc
		d.GroupID = 0
		d.GroupRank = gc.Rank()
		d.GroupSize = gc.Size()
		d.LHS = mod(levelRank-hopDistance, levelSize)
		d.RHS = mod(levelRank+hopDistance, levelSize)

	case config.CopyTypeXOR:
		if setSize < 1 {
			setSize = 1
		}
		rel := levelRank / hopDistance
		m := levelRank % hopDistance
		splitID := (rel/setSize)*hopDistance + m

		gc, err := level.Split(ctx, splitID, levelRank)
		if err != nil {
			return nil, errors.Wrap(err, "topo: split level for XOR group")
		}
		d.GroupComm = gc
		d.GroupID = splitID
		d.GroupRank = gc.Rank()
		d.GroupSize = gc.Size()
		gs := gc.Size()
		d.LHS = mod(gc.Rank()-1, gs)
		d.RHS = mod(gc.Rank()+1, gs)

	default:
		return nil, errors.Errorf("topo: unknown copy type %q", copyType)
	}

	lhsLevelRank, rhsLevelRank := d.LHS, d.RHS
	if d.GroupComm != nil && d.LHS >= 0 {
		lhsLevelRank = level.TranslateRank(d.GroupComm, d.LHS)
		rhsLevelRank = level.TranslateRank(d.GroupComm, d.RHS)
	}

	if err := exchangeHostnames(ctx, level, d, lhsLevelRank, rhsLevelRank); err != nil {
		return nil, err
	}

	valid := d.LHSHost != "" && d.RHSHost != "" &&
		d.LHSHost != level.Hostname() && d.RHSHost != level.Hostname()

	allValid, err := level.AllreduceAnd(ctx, valid)
	if err != nil {
		return nil, errors.Wrap(err, "topo: validity all-reduce")
	}
	d.Enabled = allValid
	if !allValid && d.GroupComm != nil {
		_ = d.GroupComm.Close()
		d.GroupComm = nil
	}
	return d, nil
}

// exchangeHostnames fills in lhs/rhs world rank and hostname by paired
// non-blocking send/recv on the *level* communicator. lhsLevelRank and
// rhsLevelRank are d.LHS/d.RHS translated into level's own rank numbering
// (identity for PARTNER, since its group comm is a level Dup; a genuine
// translation for XOR, whose group comm renumbers members by split_id).
func exchangeHostnames(ctx context.Context, level comm.Communicator, d *Descriptor, lhsLevelRank, rhsLevelRank int) error {
	if lhsLevelRank < 0 || rhsLevelRank < 0 {
		return nil
	}
	self := []byte(level.Hostname())

	sendL := level.ISend(lhsLevelRank, tagHostname, self)
	sendR := level.ISend(rhsLevelRank, tagHostname, self)
	recvL := level.IRecv(lhsLevelRank, tagHostname)
	recvR := level.IRecv(rhsLevelRank, tagHostname)

	lhsHost, err := recvL.Wait()
	if err != nil {
		return errors.Wrap(err, "topo: recv lhs hostname")
	}
	rhsHost, err := recvR.Wait()
	if err != nil {
		return errors.Wrap(err, "topo: recv rhs hostname")
	}
	if _, err := sendL.Wait(); err != nil {
		return errors.Wrap(err, "topo: send lhs hostname")
	}
	if _, err := sendR.Wait(); err != nil {
		return errors.Wrap(err, "topo: send rhs hostname")
	}

	d.LHSHost = string(lhsHost)
	d.RHSHost = string(rhsHost)
	d.LHSWorldRank = level.WorldRankOf(lhsLevelRank)
	d.RHSWorldRank = level.WorldRankOf(rhsLevelRank)
	return nil
}

const tagHostname = 1 // reserved topology tag; group comms are private per descriptor

func allSameHost(level comm.Communicator) bool {
	first := level.Hostname()
	for r := 0; r < level.Size(); r++ {
		if level.HostnameOf(r) != first {
			return false
		}
	}
	return true
}

// normalizeHop implements spec.md's edge case 12: hop_distance >= group
// size reduces modulo size; hop_distance <= 0 reflects into positive
// modulo.
func normalizeHop(hop, size int) int {
	if size <= 0 {
		return 1
	}
	hop = mod(hop, size)
	if hop == 0 {
		hop = 1
	}
	return hop
}

func mod(a, n int) int {
	if n <= 0 {
		return 0
	}
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
