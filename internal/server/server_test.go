package server

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/ezratameno/camupdate/internal/integrity"
	"github.com/ezratameno/camupdate/internal/transport"
	"github.com/ezratameno/camupdate/internal/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

const testPieceSize = 100

var (
	serverAddr = netip.MustParseAddrPort("10.0.0.1:9000")
	clientAddr = netip.MustParseAddrPort("10.0.0.2:5000")
	spoofAddr  = netip.MustParseAddrPort("10.0.0.3:5000")
)

type testContext struct {
	t       *testing.T
	srv     *Server
	signer  *integrity.Signer
	client  *transport.MemEndpoint
	spoof   *transport.MemEndpoint
	clock   *clock.TestClock
	payload []byte
	decoder wire.Decoder
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	network := transport.NewMemNetwork(0)
	srvEnd, err := network.Listen(serverAddr)
	require.NoError(t, err)
	client, err := network.Listen(clientAddr)
	require.NoError(t, err)
	spoof, err := network.Listen(spoofAddr)
	require.NoError(t, err)

	signer, err := integrity.NewSigner()
	require.NoError(t, err)

	ctx := &testContext{
		t:       t,
		signer:  signer,
		client:  client,
		spoof:   spoof,
		clock:   clock.NewTestClock(time.Unix(100, 0)),
		payload: bytes.Repeat([]byte("0123456789"), 25),
		decoder: wire.Decoder{MaxPieceSize: testPieceSize},
	}

	srv, err := New(&Config{
		Channel:   srvEnd,
		Version:   3,
		Payload:   ctx.payload,
		Signer:    signer,
		Tokens:    integrity.NewTokenGenerator(),
		PieceSize: testPieceSize,
		Clock:     ctx.clock,
	})
	require.NoError(t, err)
	ctx.srv = srv

	return ctx
}

// roundTrip sends msg from ep, lets the server poll and returns the replies.
func (c *testContext) roundTrip(ep *transport.MemEndpoint,
	msg wire.Message) []wire.Message {

	c.t.Helper()

	_, err := ep.Send(msg.Bytes(), serverAddr)
	require.NoError(c.t, err)
	require.NoError(c.t, c.srv.Poll())

	var replies []wire.Message
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, from, err := ep.Receive(buf)
		if err == transport.ErrNoData {
			return replies
		}
		require.NoError(c.t, err)
		require.Equal(c.t, serverAddr, from)

		reply, err := c.decoder.Decode(buf[:n])
		require.NoError(c.t, err)
		replies = append(replies, reply)
	}
}

// handshake obtains a server token and the begin reply.
func (c *testContext) handshake(clientToken uint64) uint64 {
	c.t.Helper()

	replies := c.roundTrip(c.client, &wire.UpdateBeginRequest{
		ClientToken: clientToken,
	})
	require.Len(c.t, replies, 1)
	assign := replies[0].(*wire.TokenAssignment)
	require.Equal(c.t, clientToken, assign.ClientToken)
	require.NotZero(c.t, assign.ServerToken)

	replies = c.roundTrip(c.client, &wire.UpdateBeginRequest{
		ClientVersion: 3,
		ClientToken:   clientToken + 1,
		ServerToken:   assign.ServerToken,
	})
	require.Len(c.t, replies, 1)
	begin := replies[0].(*wire.UpdateBeginReply)
	require.EqualValues(c.t, len(c.payload), begin.UpdateSize)

	var v integrity.SchnorrVerifier
	require.True(c.t, v.VerifySignature(
		begin.Signature[:], c.payload, c.signer.PublicKey(),
	))

	return assign.ServerToken
}

func TestVersionQuery(t *testing.T) {
	c := newTestContext(t)

	replies := c.roundTrip(c.client, &wire.VersionQuery{LocalVersion: 1})
	require.Len(t, replies, 1)

	info := replies[0].(*wire.VersionInfo)
	require.EqualValues(t, 3, info.Version)
	require.Equal(t, c.signer.PublicKey(), info.PublicKey)
}

func TestServePieces(t *testing.T) {
	c := newTestContext(t)
	serverToken := c.handshake(10)

	var got []byte
	for off := uint32(0); off < uint32(len(c.payload)); off += testPieceSize {
		replies := c.roundTrip(c.client, &wire.PieceRequest{
			ClientToken: 11,
			ServerToken: serverToken,
			Offset:      off,
		})
		require.Len(t, replies, 1)

		piece := replies[0].(*wire.PieceData)
		require.Equal(t, off, piece.Offset)
		require.EqualValues(t, 11, piece.ClientToken)
		require.Equal(t, serverToken, piece.ServerToken)
		got = append(got, piece.Data...)
	}
	require.Equal(t, c.payload, got)

	// The last piece holds the remainder.
	replies := c.roundTrip(c.client, &wire.PieceRequest{
		ClientToken: 11,
		ServerToken: serverToken,
		Offset:      200,
	})
	require.Len(t, replies[0].(*wire.PieceData).Data, 50)
}

func TestPieceRequestRejects(t *testing.T) {
	c := newTestContext(t)
	serverToken := c.handshake(10)

	rejects := []struct {
		name string
		ep   *transport.MemEndpoint
		req  *wire.PieceRequest
	}{{
		name: "stale client token",
		ep:   c.client,
		req: &wire.PieceRequest{
			ClientToken: 10, ServerToken: serverToken,
		},
	}, {
		name: "unknown server token",
		ep:   c.client,
		req: &wire.PieceRequest{
			ClientToken: 11, ServerToken: serverToken + 1,
		},
	}, {
		name: "other address",
		ep:   c.spoof,
		req: &wire.PieceRequest{
			ClientToken: 11, ServerToken: serverToken,
		},
	}, {
		name: "misaligned",
		ep:   c.client,
		req: &wire.PieceRequest{
			ClientToken: 11, ServerToken: serverToken, Offset: 5,
		},
	}, {
		name: "past the end",
		ep:   c.client,
		req: &wire.PieceRequest{
			ClientToken: 11, ServerToken: serverToken, Offset: 300,
		},
	}}

	for _, tc := range rejects {
		require.Empty(t, c.roundTrip(tc.ep, tc.req), tc.name)
	}
}

func TestBeginFromOtherAddressGetsNewToken(t *testing.T) {
	c := newTestContext(t)
	serverToken := c.handshake(10)

	replies := c.roundTrip(c.spoof, &wire.UpdateBeginRequest{
		ClientToken: 20,
		ServerToken: serverToken,
	})
	require.Len(t, replies, 1)
	assign := replies[0].(*wire.TokenAssignment)
	require.NotEqual(t, serverToken, assign.ServerToken)
	require.Equal(t, 2, c.srv.NumSessions())

	// Unknown versions and zero tokens are ignored.
	require.Empty(t, c.roundTrip(c.client, &wire.UpdateBeginRequest{
		ClientVersion: 4, ClientToken: 1,
	}))
	require.Empty(t, c.roundTrip(c.client, &wire.UpdateBeginRequest{}))
}

func TestSessionsExpire(t *testing.T) {
	c := newTestContext(t)
	c.handshake(10)
	require.Equal(t, 1, c.srv.NumSessions())

	c.clock.SetTime(c.clock.Now().Add(DefaultSessionTimeout / 2))
	require.NoError(t, c.srv.Poll())
	require.Equal(t, 1, c.srv.NumSessions())

	c.clock.SetTime(c.clock.Now().Add(DefaultSessionTimeout))
	require.NoError(t, c.srv.Poll())
	require.Zero(t, c.srv.NumSessions())
}

func TestMalformedIgnored(t *testing.T) {
	c := newTestContext(t)

	_, err := c.client.Send([]byte{1, 2, 3}, serverAddr)
	require.NoError(t, err)
	require.NoError(t, c.srv.Poll())

	// Server messages sent to the server are dropped too.
	require.Empty(t, c.roundTrip(c.client, &wire.TokenAssignment{}))
}

func TestOversizedDatagramDropped(t *testing.T) {
	c := newTestContext(t)

	query := (&wire.VersionQuery{LocalVersion: 1}).Bytes()
	oversized := append(query, make([]byte, wire.MaxDatagramSize)...)
	_, err := c.client.Send(oversized, serverAddr)
	require.NoError(t, err)

	// Only the query that fits is answered, and draining goes on past
	// the oversized one.
	replies := c.roundTrip(c.client, &wire.VersionQuery{LocalVersion: 1})
	require.Len(t, replies, 1)
	require.IsType(t, &wire.VersionInfo{}, replies[0])
}
