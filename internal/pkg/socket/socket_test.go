package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestSendRecvRoundTrip(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	acceptedCh := make(chan *Socket, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- Accept(conn)
	}()

	client, err := Dial(ln.Addr().String(), nil, 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	server := <-acceptedCh
	defer server.Close()

	require.NoError(t, client.Send([]byte("hello")))

	body, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body)
}

func TestRecvDrainsBufferedFramesBeforeClosed(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	acceptedCh := make(chan *Socket, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- Accept(conn)
	}()

	client, err := Dial(ln.Addr().String(), nil, 2*time.Second)
	require.NoError(t, err)

	server := <-acceptedCh
	defer server.Close()

	require.NoError(t, client.Send([]byte("first")))
	require.NoError(t, client.Send([]byte("second")))
	require.NoError(t, client.Close())

	first, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("first"), first)

	second, err := server.Recv()
	require.NoError(t, err)
	require.Equal(t, []byte("second"), second)

	_, err = server.Recv()
	require.Error(t, err)
}

func TestSendAfterCloseErrors(t *testing.T) {
	ln := listenLoopback(t)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		acceptedCh <- conn
	}()

	client, err := Dial(ln.Addr().String(), nil, 2*time.Second)
	require.NoError(t, err)

	<-acceptedCh

	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Send([]byte("x")), ErrClosed)
}
