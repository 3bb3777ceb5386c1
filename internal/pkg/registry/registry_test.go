package registry

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"go.ciq.dev/partisan/internal/pkg/nodespec"
	"go.ciq.dev/partisan/internal/pkg/socket"
)

func pipeDialer(dialCount *int32) Dialer {
	return func(ctx context.Context, peer nodespec.NodeSpec, channel string, slot int) (*socket.Socket, error) {
		atomic.AddInt32(dialCount, 1)
		client, server := net.Pipe()
		go server.Close()
		return socket.Accept(client), nil
	}
}

func TestEnsureDialsOnceAndReusesConnection(t *testing.T) {
	var dials int32
	r := New(pipeDialer(&dials))

	peer := nodespec.NodeSpec{Name: "node-b"}

	s1, err := r.Ensure(context.Background(), peer, "default", 0)
	require.NoError(t, err)

	s2, err := r.Ensure(context.Background(), peer, "default", 0)
	require.NoError(t, err)

	require.Same(t, s1, s2)
	require.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestPickMonotonicChannelForcesSlotZero(t *testing.T) {
	var dials int32
	r := New(pipeDialer(&dials))
	peer := nodespec.NodeSpec{Name: "node-b"}
	ch := nodespec.Channel{Name: "vnode", Monotonic: true, Parallelism: 4}

	s1, err := r.Pick(context.Background(), peer, ch, 3)
	require.NoError(t, err)
	s2, err := r.Pick(context.Background(), peer, ch, 1)
	require.NoError(t, err)

	require.Same(t, s1, s2)
	require.EqualValues(t, 1, atomic.LoadInt32(&dials))
}

func TestPickNonMonotonicUsesHintModParallelism(t *testing.T) {
	var dials int32
	r := New(pipeDialer(&dials))
	peer := nodespec.NodeSpec{Name: "node-b"}
	ch := nodespec.Channel{Name: "rpc", Parallelism: 2}

	_, err := r.Pick(context.Background(), peer, ch, 0)
	require.NoError(t, err)
	_, err = r.Pick(context.Background(), peer, ch, 2)
	require.NoError(t, err)
	_, err = r.Pick(context.Background(), peer, ch, 1)
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&dials))
}

func TestOnUpOnDownFireOncePerEdge(t *testing.T) {
	var dials int32
	r := New(pipeDialer(&dials))

	var ups, downs int32
	r.OnUp(func(nodespec.NodeSpec) { atomic.AddInt32(&ups, 1) })
	r.OnDown(func(nodespec.NodeSpec) { atomic.AddInt32(&downs, 1) })

	peer := nodespec.NodeSpec{Name: "node-b"}

	_, err := r.Ensure(context.Background(), peer, "default", 0)
	require.NoError(t, err)
	_, err = r.Ensure(context.Background(), peer, "membership", 0)
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt32(&ups))

	require.NoError(t, r.Close(peer.Name))
	require.EqualValues(t, 1, atomic.LoadInt32(&downs))
}

func TestCloseAllTearsDownEveryPeerWithoutFiringDown(t *testing.T) {
	var dials int32
	r := New(pipeDialer(&dials))

	var downs int32
	r.OnDown(func(nodespec.NodeSpec) { atomic.AddInt32(&downs, 1) })

	peerA := nodespec.NodeSpec{Name: "node-a"}
	peerB := nodespec.NodeSpec{Name: "node-b"}

	_, err := r.Ensure(context.Background(), peerA, "default", 0)
	require.NoError(t, err)
	_, err = r.Ensure(context.Background(), peerB, "default", 0)
	require.NoError(t, err)

	require.NoError(t, r.CloseAll())
	require.Empty(t, r.Peers())
	require.EqualValues(t, 0, atomic.LoadInt32(&downs))
}

func TestEnsureDialFailureDoesNotPoisonSlot(t *testing.T) {
	attempt := 0
	dialer := func(ctx context.Context, peer nodespec.NodeSpec, channel string, slot int) (*socket.Socket, error) {
		attempt++
		// Fail the first Ensure's initial dial and all 4 of its retries.
		if attempt <= 5 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		go server.Close()
		return socket.Accept(client), nil
	}
	r := New(dialer)

	peer := nodespec.NodeSpec{Name: "node-b"}

	_, err := r.Ensure(context.Background(), peer, "default", 0)
	require.Error(t, err)

	s, err := r.Ensure(context.Background(), peer, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, s)
}
