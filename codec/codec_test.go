package codec

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type payload struct {
	Value string
}

func TestGobCodecRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewGobCodec(server)
	cc := NewGobCodec(client)

	done := make(chan error, 1)
	go func() {
		done <- sc.Write(&Header{ServiceMethod: "Comm.Deliver", Seq: 7}, &payload{Value: "hello"})
	}()

	var h Header
	require.NoError(t, cc.ReadHeader(&h))
	require.Equal(t, "Comm.Deliver", h.ServiceMethod)
	require.Equal(t, uint64(7), h.Seq)

	var p payload
	require.NoError(t, cc.ReadBody(&p))
	require.Equal(t, "hello", p.Value)
	require.NoError(t, <-done)
}

func TestNewCodecFuncMap(t *testing.T) {
	require.Contains(t, NewCodecFuncMap, GobType)
	require.Contains(t, NewCodecFuncMap, JsonType)
}
