// Package transport provides the unreliable, addressed datagram channel the
// update protocol runs on.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

const (
	network = "udp"

	// maxDatagramSize is the largest datagram the reader accepts.
	maxDatagramSize = 65535

	// inboundBuffer is the initial capacity of the inbound queue.
	inboundBuffer = 256
)

// ErrNoData is returned by Receive when no datagram is waiting. It is the
// normal, frequent outcome of polling and not a failure.
var ErrNoData = errors.New("no datagram available")

// ErrTruncated is returned by Receive when the datagram was longer than the
// buffer. The datagram is consumed and buf holds only its prefix.
var ErrTruncated = errors.New("datagram truncated")

// Channel is a non-blocking datagram endpoint.
type Channel interface {
	// Receive copies the next waiting datagram into buf. It returns
	// ErrNoData immediately when nothing is waiting and ErrTruncated when
	// the datagram did not fit.
	Receive(buf []byte) (int, netip.AddrPort, error)

	// Send transmits b to the given address.
	Send(b []byte, to netip.AddrPort) (int, error)

	// Close releases the endpoint.
	Close() error
}

// datagram is what the reader goroutine hands to Receive.
type datagram struct {
	from netip.AddrPort
	data []byte
}

// UDP implements Channel over a UDP socket. A reader goroutine moves every
// datagram into an unbounded queue, so the socket is never read from the
// polling goroutine and Receive never blocks.
//
// - implements Channel
type UDP struct {
	conn    *net.UDPConn
	inbound *queue.ConcurrentQueue

	closeOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// A compile time check to ensure UDP implements the Channel interface.
var _ Channel = (*UDP)(nil)

// Open creates a UDP endpoint. Clients bind an ephemeral port and talk to
// host:port through Send; servers bind host:port.
func Open(isClient bool, host string, port uint16) (*UDP, error) {
	var laddr *net.UDPAddr
	if !isClient {
		addr, err := net.ResolveUDPAddr(network, joinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("error resolving address: %w", err)
		}
		laddr = addr
	}

	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("error listening: %w", err)
	}

	u := &UDP{
		conn:    conn,
		inbound: queue.NewConcurrentQueue(inboundBuffer),
		quit:    make(chan struct{}),
	}
	u.inbound.Start()

	u.wg.Add(1)
	go u.readLoop()

	log.Infof("Opened UDP endpoint on %v", conn.LocalAddr())

	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() netip.AddrPort {
	return normalize(u.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case <-u.quit:
				return
			default:
			}

			log.Debugf("Error reading from UDP: %v", err)
			continue
		}

		pkt := datagram{
			from: normalize(from),
			data: append([]byte(nil), buf[:n]...),
		}

		select {
		case u.inbound.ChanIn() <- pkt:
		case <-u.quit:
			return
		}
	}
}

// Receive implements Channel.
func (u *UDP) Receive(buf []byte) (int, netip.AddrPort, error) {
	select {
	case <-u.quit:
		return 0, netip.AddrPort{}, net.ErrClosed
	default:
	}

	select {
	case item := <-u.inbound.ChanOut():
		pkt := item.(datagram)
		return pkt.copyTo(buf)

	default:
		return 0, netip.AddrPort{}, ErrNoData
	}
}

// Send implements Channel.
func (u *UDP) Send(b []byte, to netip.AddrPort) (int, error) {
	return u.conn.WriteToUDPAddrPort(b, to)
}

// Close implements Channel. It is safe to call more than once.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.quit)
		err = u.conn.Close()
		u.wg.Wait()
		u.inbound.Stop()
	})

	return err
}

// Resolve looks up host and returns its first address with port, in the
// same form Receive reports senders in.
func Resolve(host string, port uint16) (netip.AddrPort, error) {
	addr, err := net.ResolveUDPAddr(network, joinHostPort(host, port))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("error resolving address: %w",
			err)
	}

	return normalize(addr.AddrPort()), nil
}

// normalize unmaps IPv4-mapped IPv6 addresses so that senders compare equal
// to resolved IPv4 addresses.
func normalize(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

// copyTo copies the datagram into buf, reporting ErrTruncated when it does
// not fit.
func (d datagram) copyTo(buf []byte) (int, netip.AddrPort, error) {
	n := copy(buf, d.data)
	if n < len(d.data) {
		return n, d.from, ErrTruncated
	}

	return n, d.from, nil
}

func joinHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
