package transport

import (
	"errors"
	"net"
	"net/netip"
	"sync"
)

// MemNetwork is an in-process datagram network. Its endpoints implement
// Channel and can be told to drop datagrams, which makes it useful for
// exercising retransmission without sockets.
type MemNetwork struct {
	mu        sync.Mutex
	endpoints map[netip.AddrPort]*MemEndpoint

	// dropEvery drops every n-th datagram sent on the network. 0 drops
	// nothing.
	dropEvery int
	sent      int
	dropped   int
}

// NewMemNetwork creates an empty network that drops every dropEvery-th
// datagram.
func NewMemNetwork(dropEvery int) *MemNetwork {
	return &MemNetwork{
		endpoints: make(map[netip.AddrPort]*MemEndpoint),
		dropEvery: dropEvery,
	}
}

// Dropped returns the number of datagrams the network dropped.
func (n *MemNetwork) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.dropped
}

// Listen attaches an endpoint with the given address.
func (n *MemNetwork) Listen(addr netip.AddrPort) (*MemEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[addr]; ok {
		return nil, errors.New("address already in use")
	}

	e := &MemEndpoint{net: n, addr: addr}
	n.endpoints[addr] = e

	return e, nil
}

func (n *MemNetwork) deliver(b []byte, from, to netip.AddrPort) {
	n.mu.Lock()
	n.sent++
	drop := n.dropEvery > 0 && n.sent%n.dropEvery == 0
	if drop {
		n.dropped++
	}
	dst := n.endpoints[to]
	n.mu.Unlock()

	if drop || dst == nil {
		return
	}

	dst.push(datagram{from: from, data: append([]byte(nil), b...)})
}

// MemEndpoint is one address on a MemNetwork.
//
// - implements Channel
type MemEndpoint struct {
	net  *MemNetwork
	addr netip.AddrPort

	mu     sync.Mutex
	inbox  []datagram
	closed bool
}

// A compile time check to ensure MemEndpoint implements the Channel
// interface.
var _ Channel = (*MemEndpoint)(nil)

// Addr returns the endpoint address.
func (e *MemEndpoint) Addr() netip.AddrPort {
	return e.addr
}

func (e *MemEndpoint) push(d datagram) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.inbox = append(e.inbox, d)
	}
}

// Receive implements Channel.
func (e *MemEndpoint) Receive(buf []byte) (int, netip.AddrPort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, netip.AddrPort{}, net.ErrClosed
	}

	if len(e.inbox) == 0 {
		return 0, netip.AddrPort{}, ErrNoData
	}

	d := e.inbox[0]
	e.inbox[0] = datagram{}
	e.inbox = e.inbox[1:]

	return d.copyTo(buf)
}

// Send implements Channel.
func (e *MemEndpoint) Send(b []byte, to netip.AddrPort) (int, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return 0, net.ErrClosed
	}

	e.net.deliver(b, e.addr, to)

	return len(b), nil
}

// Close implements Channel.
func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.inbox = nil
	e.mu.Unlock()

	e.net.mu.Lock()
	delete(e.net.endpoints, e.addr)
	e.net.mu.Unlock()

	return nil
}
