package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.ciq.dev/partisan/internal/pkg/socket"
	"go.ciq.dev/partisan/internal/pkg/wire"
)

func TestServerHandshakeAndDispatch(t *testing.T) {
	var (
		mu      sync.Mutex
		got     []wire.Tag
		handler Handler = func(ctx context.Context, in Inbound) error {
			mu.Lock()
			got = append(got, in.Envelope.Tag)
			mu.Unlock()
			return nil
		}
	)

	srv, err := NewServer("node-a", []string{"127.0.0.1:0"}, nil, handler, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	addr := srv.Addrs()[0]

	sock, err := socket.Dial(addr, nil, 2*time.Second)
	require.NoError(t, err)
	defer sock.Close()

	remoteName, err := SendHello(sock, "node-b")
	require.NoError(t, err)
	require.Equal(t, "node-a", remoteName)

	ob := newOutboundFromSocket(sock)
	require.NoError(t, ob.Send(wire.TagData, wire.Data{Payload: []byte("hi")}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-serveErrCh)
}

func TestOutboundCompressionRoundTrip(t *testing.T) {
	var (
		mu  sync.Mutex
		got wire.Envelope
	)

	handler := Handler(func(ctx context.Context, in Inbound) error {
		mu.Lock()
		got = in.Envelope
		mu.Unlock()
		return nil
	})

	srv, err := NewServer("node-a", []string{"127.0.0.1:0"}, nil, handler, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	sock, err := socket.Dial(srv.Addrs()[0], nil, 2*time.Second)
	require.NoError(t, err)
	defer sock.Close()

	_, err = SendHello(sock, "node-b")
	require.NoError(t, err)

	ob := newOutboundFromSocket(sock, WithCompression(6))
	require.NoError(t, ob.Send(wire.TagData, wire.Data{Payload: []byte("compress me please")}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Tag == wire.TagData
	}, time.Second, 10*time.Millisecond)
}
