package transport

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemNetwork(t *testing.T) {
	network := NewMemNetwork(3)

	a, err := network.Listen(netip.MustParseAddrPort("10.0.0.1:1"))
	require.NoError(t, err)
	b, err := network.Listen(netip.MustParseAddrPort("10.0.0.2:2"))
	require.NoError(t, err)

	_, err = network.Listen(a.Addr())
	require.Error(t, err)

	buf := make([]byte, 16)
	_, _, err = b.Receive(buf)
	require.ErrorIs(t, err, ErrNoData)

	for i := byte(1); i <= 6; i++ {
		n, err := a.Send([]byte{i}, b.Addr())
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Equal(t, 2, network.Dropped())

	var got []byte
	for {
		n, from, err := b.Receive(buf)
		if err == ErrNoData {
			break
		}
		require.NoError(t, err)
		require.Equal(t, a.Addr(), from)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, []byte{1, 2, 4, 5}, got)

	require.NoError(t, b.Close())
	_, _, err = b.Receive(buf)
	require.ErrorIs(t, err, net.ErrClosed)
	_, err = b.Send([]byte{1}, a.Addr())
	require.ErrorIs(t, err, net.ErrClosed)

	// Datagrams to a closed endpoint vanish.
	_, err = a.Send([]byte{1}, b.Addr())
	require.NoError(t, err)
}

func TestMemReceiveTruncated(t *testing.T) {
	network := NewMemNetwork(0)

	a, err := network.Listen(netip.MustParseAddrPort("10.0.0.1:1"))
	require.NoError(t, err)
	b, err := network.Listen(netip.MustParseAddrPort("10.0.0.2:2"))
	require.NoError(t, err)

	_, err = a.Send([]byte("0123456789"), b.Addr())
	require.NoError(t, err)
	_, err = a.Send([]byte("abc"), b.Addr())
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, from, err := b.Receive(buf)
	require.ErrorIs(t, err, ErrTruncated)
	require.Equal(t, 4, n)
	require.Equal(t, a.Addr(), from)

	// A datagram that fits exactly or less is delivered whole.
	n, _, err = b.Receive(buf)
	require.NoError(t, err)
	require.Equal(t, "abc", string(buf[:n]))
}
