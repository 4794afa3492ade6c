package comm

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func dialTestWorld(t *testing.T, n int) []Communicator {
	t.Helper()
	hostnames := make([]string, n)
	for i := range hostnames {
		hostnames[i] = "localhost"
	}
	// DialWorld needs a concrete port for every rank before any peer can
	// dial it, so reserve free ports up front rather than passing ":0".
	lisAddrs := make([]string, n)
	for i := 0; i < n; i++ {
		lisAddrs[i] = freeTCPAddr(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make([]Communicator, n)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := DialWorld(ctx, lisAddrs, hostnames, i, nil)
			out[i], errs[i] = c, err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return out
}

func TestNetTransportSendRecv(t *testing.T) {
	world := dialTestWorld(t, 3)
	defer func() {
		for _, c := range world {
			_ = c.Close()
		}
	}()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	var got []byte
	go func() {
		defer wg.Done()
		require.NoError(t, world[0].Send(ctx, 2, 7, []byte("net-hello")))
	}()
	go func() {
		defer wg.Done()
		var err error
		got, err = world[2].Recv(ctx, 0, 7)
		require.NoError(t, err)
	}()
	wg.Wait()
	require.Equal(t, "net-hello", string(got))
}

func TestNetTransportAllreduceSum(t *testing.T) {
	world := dialTestWorld(t, 4)
	defer func() {
		for _, c := range world {
			_ = c.Close()
		}
	}()
	ctx := context.Background()
	sums := make([]int64, 4)
	var wg sync.WaitGroup
	for i, c := range world {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.AllreduceSum(ctx, int64(i+1))
			require.NoError(t, err)
			sums[i] = s
		}()
	}
	wg.Wait()
	for _, s := range sums {
		require.Equal(t, int64(10), s)
	}
}
