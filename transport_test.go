package dnssd

import (
	"context"
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// memNetwork is an in-memory link. Multicast reaches every member,
// including the sender, like IP_MULTICAST_LOOP on a real interface.
type memNetwork struct {
	mu      sync.Mutex
	members []*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{}
}

func (n *memNetwork) join(ip string) *memTransport {
	t := &memTransport{
		n:      n,
		addr:   &net.UDPAddr{IP: net.ParseIP(ip), Port: mdnsPort},
		in:     make(chan Packet, 512),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.members = append(n.members, t)
	n.mu.Unlock()
	return t
}

func (n *memNetwork) deliver(from *net.UDPAddr, b []byte, to net.Addr) {
	n.mu.Lock()
	members := append([]*memTransport(nil), n.members...)
	n.mu.Unlock()

	dst, _ := to.(*net.UDPAddr)
	for _, m := range members {
		if dst != nil && !m.addr.IP.Equal(dst.IP) {
			continue
		}
		m.inject(Packet{Data: append([]byte(nil), b...), IfIndex: 1, From: from})
	}
}

type sentMessage struct {
	msg *dns.Msg
	to  net.Addr
}

// memTransport is one member of a memNetwork. It records what it sent.
type memTransport struct {
	n    *memNetwork
	addr *net.UDPAddr
	in   chan Packet

	mu   sync.Mutex
	sent []sentMessage

	closeOnce sync.Once
	closed    chan struct{}
}

func (t *memTransport) Receive(ctx context.Context) (Packet, error) {
	select {
	case p := <-t.in:
		return p, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	case <-t.closed:
		return Packet{}, errors.New("transport closed")
	}
}

func (t *memTransport) Send(b []byte, ifIndex int, to net.Addr) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	if msg, err := DecodeMessage(b); err == nil {
		t.mu.Lock()
		t.sent = append(t.sent, sentMessage{msg: msg, to: to})
		t.mu.Unlock()
	}
	t.n.deliver(t.addr, b, to)
	return nil
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// inject hands a packet to the member as if it came off the wire. Packets
// are dropped when the queue is full, as a socket buffer would.
func (t *memTransport) inject(p Packet) {
	select {
	case t.in <- p:
	case <-t.closed:
	default:
	}
}

// sentTo returns the messages sent to to, or multicast when to is nil.
func (t *memTransport) sentTo(to net.Addr) []*dns.Msg {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*dns.Msg
	for _, s := range t.sent {
		if (to == nil && s.to == nil) || (to != nil && s.to != nil && s.to.String() == to.String()) {
			out = append(out, s.msg)
		}
	}
	return out
}
