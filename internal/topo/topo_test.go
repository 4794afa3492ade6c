package topo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrgo/scr/comm"
	"github.com/scrgo/scr/config"
)

func TestBuildLocalIsSingleton(t *testing.T) {
	level := comm.NewWorld([]string{"a", "a"})[0]
	ctx := context.Background()
	d, err := Build(ctx, level, config.CopyTypeLocal, 1, 4)
	require.NoError(t, err)
	require.True(t, d.Enabled)
	require.Equal(t, 1, d.GroupSize)
	require.Nil(t, d.GroupComm)
}

func TestBuildForcesLocalOnSingleNode(t *testing.T) {
	level := comm.NewWorld([]string{"same", "same", "same", "same"})[0]
	ctx := context.Background()
	d, err := Build(ctx, level, config.CopyTypeXOR, 1, 2)
	require.NoError(t, err)
	require.True(t, d.Enabled)
	require.Equal(t, config.CopyTypeLocal, d.CopyType)
}

func TestBuildPartnerAcrossNodes(t *testing.T) {
	hosts := []string{"n0", "n1", "n2", "n3"}
	world := comm.NewWorld(hosts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make([]*Descriptor, len(world))
	errs := make([]error, len(world))
	done := make(chan int, len(world))
	for i := range world {
		go func(i int) {
			results[i], errs[i] = Build(ctx, world[i], config.CopyTypePartner, 1, 4)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}

	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
	for i, d := range results {
		require.True(t, d.Enabled, "rank %d", i)
		require.NotEqual(t, hosts[i], d.LHSHost)
		require.NotEqual(t, hosts[i], d.RHSHost)
	}
}

func TestBuildXORPartitionsIntoSets(t *testing.T) {
	hosts := []string{"n0", "n1", "n2", "n3", "n4", "n5", "n6", "n7"}
	world := comm.NewWorld(hosts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make([]*Descriptor, len(world))
	errs := make([]error, len(world))
	done := make(chan int, len(world))
	for i := range world {
		go func(i int) {
			results[i], errs[i] = Build(ctx, world[i], config.CopyTypeXOR, 1, 4)
			done <- i
		}(i)
	}
	for range world {
		<-done
	}

	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
	// Two groups of 4, split_id 0 and 1, since hop_distance=1 makes
	// rel == levelRank and split_id == levelRank/setSize.
	require.Equal(t, results[0].GroupID, results[1].GroupID)
	require.Equal(t, results[0].GroupID, results[3].GroupID)
	require.NotEqual(t, results[0].GroupID, results[4].GroupID)
	for i, d := range results {
		require.True(t, d.Enabled, "rank %d", i)
		require.Equal(t, 4, d.GroupSize)
	}
}

func TestNormalizeHop(t *testing.T) {
	require.Equal(t, 1, normalizeHop(0, 8))
	require.Equal(t, 1, normalizeHop(8, 8))
	require.Equal(t, 3, normalizeHop(-5, 8))
	require.Equal(t, 5, normalizeHop(5, 8))
}
