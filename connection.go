package dnssd

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
)

// Multicast addressing constants used by mDNS protocol.
var (
	// mdnsGroupIPv4 is the IPv4 multicast group address for mDNS as defined
	// by RFC 6762 (224.0.0.251).
	mdnsGroupIPv4 = net.IPv4(224, 0, 0, 251)

	// mdnsGroupIPv6 is the IPv6 multicast group address for mDNS as defined
	// by RFC 6762 (ff02::fb).
	mdnsGroupIPv6 = net.ParseIP("ff02::fb")

	// mdnsWildcardAddrIPv4 is the wildcard binding address for IPv4 mDNS
	// sockets. Binding to this address allows reception of all multicast
	// traffic on port 5353.
	mdnsWildcardAddrIPv4 = &net.UDPAddr{
		IP:   net.ParseIP("224.0.0.0"),
		Port: mdnsPort,
	}

	// mdnsWildcardAddrIPv6 is the wildcard binding address for IPv6 mDNS
	// sockets.
	mdnsWildcardAddrIPv6 = &net.UDPAddr{
		IP:   net.ParseIP("ff02::"),
		Port: mdnsPort,
	}

	// ipv4Addr is the destination address for IPv4 multicast traffic.
	ipv4Addr = &net.UDPAddr{
		IP:   mdnsGroupIPv4,
		Port: mdnsPort,
	}

	// ipv6Addr is the destination address for IPv6 multicast traffic.
	ipv6Addr = &net.UDPAddr{
		IP:   mdnsGroupIPv6,
		Port: mdnsPort,
	}
)

const mdnsPort = 5353

// Packet is one datagram taken off the transport.
type Packet struct {
	Data    []byte
	IfIndex int
	From    net.Addr

	// msg is set instead of Data for answers obtained over unicast DNS,
	// which arrive already decoded.
	msg *dns.Msg
}

// Transport moves raw mDNS datagrams. Send with a nil destination
// multicasts on ifIndex, or on every interface when ifIndex is zero.
type Transport interface {
	Receive(ctx context.Context) (Packet, error)
	Send(b []byte, ifIndex int, to net.Addr) error
	Close() error
}

// multicastTransport is the production Transport: one IPv4 and/or one IPv6
// socket joined to the mDNS group on each selected interface.
type multicastTransport struct {
	ipv4conn *ipv4.PacketConn
	ipv6conn *ipv6.PacketConn
	ifaces   []net.Interface
	log      *logrus.Entry

	packets chan Packet
	errs    chan error
	group   *errgroup.Group
	cancel  context.CancelFunc
	once    sync.Once
}

// newMulticastTransport joins the mDNS groups on the given interfaces and
// starts the socket readers. At least one address family must succeed.
func newMulticastTransport(listenOn IPType, ifaces []net.Interface, log *logrus.Entry) (*multicastTransport, error) {
	if len(ifaces) == 0 {
		ifaces = listMulticastInterfaces()
	}

	var err4, err6 error
	t := &multicastTransport{
		ifaces:  ifaces,
		log:     log,
		packets: make(chan Packet, 32),
		errs:    make(chan error, 2),
	}
	if listenOn&IPv4 != 0 {
		if t.ipv4conn, err4 = joinUdp4Multicast(ifaces); err4 != nil {
			log.WithError(err4).Warn("no suitable IPv4 interface")
		}
	}
	if listenOn&IPv6 != 0 {
		if t.ipv6conn, err6 = joinUdp6Multicast(ifaces); err6 != nil {
			log.WithError(err6).Warn("no suitable IPv6 interface")
		}
	}
	if t.ipv4conn == nil && t.ipv6conn == nil {
		return nil, errorf(KindResourceExhausted, "listen", "no supported interface")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.group, ctx = errgroup.WithContext(ctx)
	if t.ipv4conn != nil {
		t.group.Go(func() error { return t.recv(ctx, t.ipv4conn) })
	}
	if t.ipv6conn != nil {
		t.group.Go(func() error { return t.recv(ctx, t.ipv6conn) })
	}
	return t, nil
}

// recv continuously reads packets from the connection and hands them to
// Receive together with the interface index they arrived on.
func (t *multicastTransport) recv(ctx context.Context, l interface{}) error {
	var readFrom func([]byte) (n int, ifIndex int, src net.Addr, err error)

	switch pConn := l.(type) {
	case *ipv6.PacketConn:
		readFrom = func(b []byte) (n int, ifIndex int, src net.Addr, err error) {
			n, cm, src, err := pConn.ReadFrom(b)
			if cm != nil {
				ifIndex = cm.IfIndex
			}
			return n, ifIndex, src, err
		}
	case *ipv4.PacketConn:
		readFrom = func(b []byte) (n int, ifIndex int, src net.Addr, err error) {
			n, cm, src, err := pConn.ReadFrom(b)
			if cm != nil {
				ifIndex = cm.IfIndex
			}
			return n, ifIndex, src, err
		}
	default:
		return nil
	}

	buf := make([]byte, 65536)
	for {
		n, ifIdx, from, err := readFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			err = newError(KindResourceExhausted, "receive", err)
			select {
			case t.errs <- err:
			default:
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case t.packets <- Packet{Data: data, IfIndex: ifIdx, From: from}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *multicastTransport) Receive(ctx context.Context) (Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case err := <-t.errs:
		return Packet{}, err
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Send writes b to a unicast destination, or to the multicast group when
// to is nil. Multicast goes out on ifIndex, or on every interface for zero.
func (t *multicastTransport) Send(b []byte, ifIndex int, to net.Addr) error {
	if to != nil {
		return t.unicast(b, ifIndex, to)
	}
	var firstErr error
	for _, ifi := range t.targets(ifIndex) {
		if err := t.multicast(b, ifi); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *multicastTransport) targets(ifIndex int) []net.Interface {
	if ifIndex == 0 {
		return t.ifaces
	}
	for _, ifi := range t.ifaces {
		if ifi.Index == ifIndex {
			return []net.Interface{ifi}
		}
	}
	if ifi, err := net.InterfaceByIndex(ifIndex); err == nil {
		return []net.Interface{*ifi}
	}
	return nil
}

// multicast sends b to the mDNS group on one interface, over each family
// that is open. The interface is chosen through the control message where
// the platform honours it and through the socket option elsewhere.
func (t *multicastTransport) multicast(b []byte, ifi net.Interface) error {
	var sent bool
	var lastErr error
	if t.ipv4conn != nil {
		var wcm ipv4.ControlMessage
		switch runtime.GOOS {
		case "darwin", "ios", "linux":
			wcm.IfIndex = ifi.Index
		default:
			if err := t.ipv4conn.SetMulticastInterface(&ifi); err != nil {
				t.log.WithError(err).Warn("failed to set multicast interface")
			}
		}
		if _, err := t.ipv4conn.WriteTo(b, &wcm, ipv4Addr); err != nil {
			lastErr = err
		} else {
			sent = true
		}
	}
	if t.ipv6conn != nil {
		var wcm ipv6.ControlMessage
		switch runtime.GOOS {
		case "darwin", "ios", "linux":
			wcm.IfIndex = ifi.Index
		default:
			if err := t.ipv6conn.SetMulticastInterface(&ifi); err != nil {
				t.log.WithError(err).Warn("failed to set multicast interface")
			}
		}
		if _, err := t.ipv6conn.WriteTo(b, &wcm, ipv6Addr); err != nil {
			lastErr = err
		} else {
			sent = true
		}
	}
	// One family failing on an interface that only has the other is normal.
	if !sent && lastErr != nil {
		return errors.Wrapf(lastErr, "multicast on %s", ifi.Name)
	}
	return nil
}

// unicast sends a DNS response directly to the query source address
// instead of using multicast, as requested by the querier.
func (t *multicastTransport) unicast(b []byte, ifIndex int, to net.Addr) error {
	addr, ok := to.(*net.UDPAddr)
	if !ok {
		return errorf(KindBadParam, "unicast", "unsupported address %T", to)
	}
	var err error
	if addr.IP.To4() != nil {
		if t.ipv4conn == nil {
			return errorf(KindUnsupported, "unicast", "IPv4 is not enabled")
		}
		if ifIndex != 0 {
			var wcm ipv4.ControlMessage
			wcm.IfIndex = ifIndex
			_, err = t.ipv4conn.WriteTo(b, &wcm, addr)
		} else {
			_, err = t.ipv4conn.WriteTo(b, nil, addr)
		}
	} else {
		if t.ipv6conn == nil {
			return errorf(KindUnsupported, "unicast", "IPv6 is not enabled")
		}
		if ifIndex != 0 {
			var wcm ipv6.ControlMessage
			wcm.IfIndex = ifIndex
			_, err = t.ipv6conn.WriteTo(b, &wcm, addr)
		} else {
			_, err = t.ipv6conn.WriteTo(b, nil, addr)
		}
	}
	return errors.Wrapf(err, "unicast to %s", addr)
}

// Close shuts both sockets and waits for the readers to exit.
func (t *multicastTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		if t.ipv4conn != nil {
			t.ipv4conn.Close()
		}
		if t.ipv6conn != nil {
			t.ipv6conn.Close()
		}
		err = t.group.Wait()
		if KindOf(err) == KindResourceExhausted {
			// Readers fail with a closed socket once we close it.
			err = nil
		}
	})
	return err
}

// joinUdp6Multicast creates a UDP IPv6 socket, joins the mDNS multicast group
// on the specified interfaces, and returns a configured packet connection.
//
// Returns an error if binding fails or if unable to join the multicast group
// on any of the provided interfaces.
func joinUdp6Multicast(interfaces []net.Interface) (*ipv6.PacketConn, error) {
	udpConn, err := net.ListenUDP("udp6", mdnsWildcardAddrIPv6)
	if err != nil {
		return nil, err
	}

	pkConn := ipv6.NewPacketConn(udpConn)
	pkConn.SetControlMessage(ipv6.FlagInterface, true)
	_ = pkConn.SetMulticastHopLimit(255)

	if len(interfaces) == 0 {
		interfaces = listMulticastInterfaces()
	}

	var failedJoins int
	for _, iface := range interfaces {
		if err := pkConn.JoinGroup(&iface, &net.UDPAddr{IP: mdnsGroupIPv6}); err != nil {
			failedJoins++
		}
	}

	if failedJoins == len(interfaces) {
		pkConn.Close()
		return nil, fmt.Errorf("udp6: failed to join any of these interfaces: %v", interfaces)
	}

	return pkConn, nil
}

// joinUdp4Multicast creates a UDP IPv4 socket, joins the mDNS multicast group
// on the specified interfaces, and returns a configured packet connection.
func joinUdp4Multicast(interfaces []net.Interface) (*ipv4.PacketConn, error) {
	udpConn, err := net.ListenUDP("udp4", mdnsWildcardAddrIPv4)
	if err != nil {
		return nil, err
	}

	pkConn := ipv4.NewPacketConn(udpConn)
	pkConn.SetControlMessage(ipv4.FlagInterface, true)
	_ = pkConn.SetMulticastTTL(255)

	if len(interfaces) == 0 {
		interfaces = listMulticastInterfaces()
	}

	var failedJoins int
	for _, iface := range interfaces {
		if err := pkConn.JoinGroup(&iface, &net.UDPAddr{IP: mdnsGroupIPv4}); err != nil {
			failedJoins++
		}
	}

	if failedJoins == len(interfaces) {
		pkConn.Close()
		return nil, fmt.Errorf("udp4: failed to join any of these interfaces: %v", interfaces)
	}

	return pkConn, nil
}

// listMulticastInterfaces scans all system network interfaces and returns
// those that are up and support multicast communication.
func listMulticastInterfaces() []net.Interface {
	var interfaces []net.Interface
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		if (ifi.Flags & net.FlagMulticast) > 0 {
			interfaces = append(interfaces, ifi)
		}
	}

	return interfaces
}

// addrsForInterface extracts IPv4 and IPv6 addresses from a network interface,
// filtering out loopback addresses and categorizing IPv6 addresses by scope.
func addrsForInterface(iface *net.Interface) ([]net.IP, []net.IP) {
	var v4, v6, v6local []net.IP
	addrs, _ := iface.Addrs()
	for _, address := range addrs {
		if ipnet, ok := address.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				v4 = append(v4, ipnet.IP)
			} else {
				switch ip := ipnet.IP.To16(); ip != nil {
				case ip.IsGlobalUnicast():
					v6 = append(v6, ipnet.IP)
				case ip.IsLinkLocalUnicast():
					v6local = append(v6local, ipnet.IP)
				}
			}
		}
	}
	// Use link-local addresses if no global addresses available
	if len(v6) == 0 {
		v6 = v6local
	}
	return v4, v6
}
