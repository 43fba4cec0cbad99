package transport

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openPair(t *testing.T) (*UDP, *UDP) {
	t.Helper()

	server, err := Open(false, "127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	client, err := Open(true, "127.0.0.1", server.LocalAddr().Port())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return server, client
}

func receiveEventually(t *testing.T, ch Channel,
	buf []byte) (int, netip.AddrPort) {

	t.Helper()

	var (
		n    int
		from netip.AddrPort
	)
	require.Eventually(t, func() bool {
		var err error
		n, from, err = ch.Receive(buf)
		if err == ErrNoData {
			return false
		}
		require.NoError(t, err)

		return true
	}, 5*time.Second, 5*time.Millisecond)

	return n, from
}

func TestReceiveNoData(t *testing.T) {
	server, _ := openPair(t)

	_, _, err := server.Receive(make([]byte, 16))
	require.ErrorIs(t, err, ErrNoData)
}

func TestSendReceive(t *testing.T) {
	server, client := openPair(t)

	serverAddr, err := Resolve("127.0.0.1", server.LocalAddr().Port())
	require.NoError(t, err)
	require.Equal(t, server.LocalAddr(), serverAddr)

	n, err := client.Send([]byte("ping"), serverAddr)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 64)
	n, from := receiveEventually(t, server, buf)
	require.Equal(t, "ping", string(buf[:n]))
	require.True(t, from.Addr().Is4())

	// Reply to whoever sent the datagram.
	_, err = server.Send([]byte("pong"), from)
	require.NoError(t, err)

	n, from = receiveEventually(t, client, buf)
	require.Equal(t, "pong", string(buf[:n]))
	require.Equal(t, serverAddr, from)
}

func TestReceiveTruncates(t *testing.T) {
	server, client := openPair(t)

	_, err := client.Send([]byte("0123456789"), server.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 4)
	var n int
	require.Eventually(t, func() bool {
		n, _, err = server.Receive(buf)
		return err != ErrNoData
	}, 5*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, err, ErrTruncated)
	require.Equal(t, 4, n)
	require.Equal(t, "0123", string(buf))

	// The rest of the datagram is gone.
	_, _, err = server.Receive(buf)
	require.ErrorIs(t, err, ErrNoData)
}

func TestClose(t *testing.T) {
	server, err := Open(false, "127.0.0.1", 0)
	require.NoError(t, err)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, _, err = server.Receive(make([]byte, 16))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNoData)
}
