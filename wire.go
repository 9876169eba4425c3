package dnssd

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// qClassCacheFlush is the top bit of the class field. In a resource record
// it asks receivers to flush conflicting cache entries (RFC 6762 §10.2); in a
// question it asks for a unicast response (RFC 6762 §5.4).
const qClassCacheFlush uint16 = 1 << 15

const (
	headerLength = 12
	// maxMessageLength bounds what is accepted from the network. mDNS
	// messages over UDP can never be larger than an IPv6 jumbo-free datagram.
	maxMessageLength = 65535
)

// ResourceRecord is the engine's value form of a DNS resource record. Rdata
// holds the uncompressed wire encoding of the record data so that any type,
// known to miekg/dns or not, is carried and compared byte for byte.
type ResourceRecord struct {
	Name       string
	Type       uint16
	Class      uint16
	Rdata      []byte
	TTL        uint32
	IfIndex    int
	CacheFlush bool
}

// String renders the record in zone-file form when miekg/dns knows the type.
func (r ResourceRecord) String() string {
	if rr, err := r.toDNS(); err == nil {
		return rr.String()
	}
	return fmt.Sprintf("%s\t%d\t%s\t%s\t\\# %d %x", r.Name, r.TTL,
		dns.Class(r.Class).String(), dns.Type(r.Type).String(), len(r.Rdata), r.Rdata)
}

// sameRecord compares the identity of two records: name, type, class and
// rdata. TTL, interface and the cache-flush bit are not part of identity.
func (r ResourceRecord) sameRecord(o ResourceRecord) bool {
	return r.Type == o.Type && r.Class == o.Class &&
		canonicalName(r.Name) == canonicalName(o.Name) && bytes.Equal(r.Rdata, o.Rdata)
}

// identity is a map key form of sameRecord.
func (r ResourceRecord) identity() string {
	return fmt.Sprintf("%s/%d/%d/%x", canonicalName(r.Name), r.Type, r.Class, r.Rdata)
}

// EncodeMessage packs msg into wire format. When compress is set, names are
// emitted with RFC 1035 compression pointers.
func EncodeMessage(msg *dns.Msg, compress bool) ([]byte, error) {
	if msg == nil {
		return nil, errorf(KindBadParam, "encode", "nil message")
	}
	msg.Compress = compress
	buf, err := msg.Pack()
	if err != nil {
		return nil, newError(KindBadParam, "encode", err)
	}
	return buf, nil
}

// DecodeMessage unpacks a wire format message. Compressed names are always
// accepted. Any framing inconsistency, including section counts that do not
// match the records present, fails with ErrProtocol.
func DecodeMessage(b []byte) (*dns.Msg, error) {
	if len(b) < headerLength {
		return nil, errorf(KindProtocol, "decode", "message of %d bytes is shorter than a header", len(b))
	}
	if len(b) > maxMessageLength {
		return nil, errorf(KindProtocol, "decode", "message of %d bytes exceeds %d", len(b), maxMessageLength)
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return nil, newError(KindProtocol, "decode", err)
	}

	// miekg/dns quietly shortens sections when a count runs past the end
	// of the message; treat that as malformed.
	qd := binary.BigEndian.Uint16(b[4:])
	an := binary.BigEndian.Uint16(b[6:])
	ns := binary.BigEndian.Uint16(b[8:])
	ar := binary.BigEndian.Uint16(b[10:])
	extra := len(msg.Extra)
	if int(qd) != len(msg.Question) || int(an) != len(msg.Answer) ||
		int(ns) != len(msg.Ns) || int(ar) != extra {
		return nil, errorf(KindProtocol, "decode",
			"section counts %d/%d/%d/%d do not match message content %d/%d/%d/%d",
			qd, an, ns, ar, len(msg.Question), len(msg.Answer), len(msg.Ns), extra)
	}
	return msg, nil
}

// recordFromDNS converts a miekg/dns record into a ResourceRecord learned on
// ifIndex. The cache-flush bit is split off the class.
func recordFromDNS(rr dns.RR, ifIndex int) (ResourceRecord, error) {
	hdr := rr.Header()
	name := fqdn(hdr.Name)

	buf := make([]byte, dns.Len(rr)+maxDomainLength)
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return ResourceRecord{}, errors.Wrap(err, "pack record")
	}
	start := wireNameLength(name) + 10
	if start > off {
		return ResourceRecord{}, errors.Errorf("record %s shorter than its header", name)
	}
	rdata := make([]byte, off-start)
	copy(rdata, buf[start:off])

	return ResourceRecord{
		Name:       name,
		Type:       hdr.Rrtype,
		Class:      hdr.Class &^ qClassCacheFlush,
		Rdata:      rdata,
		TTL:        hdr.Ttl,
		IfIndex:    ifIndex,
		CacheFlush: hdr.Class&qClassCacheFlush != 0,
	}, nil
}

// wireNameLength returns the uncompressed wire length of a presentation
// format name.
func wireNameLength(name string) int {
	buf := make([]byte, maxDomainLength+1)
	n, err := dns.PackDomainName(fqdn(name), buf, 0, nil, false)
	if err != nil {
		return 0
	}
	return n
}

// toDNS rebuilds a typed miekg/dns record from the raw form.
func (r ResourceRecord) toDNS() (dns.RR, error) {
	class := r.Class
	if r.CacheFlush {
		class |= qClassCacheFlush
	}
	buf := make([]byte, len(r.Name)+2+10+len(r.Rdata))
	off, err := dns.PackDomainName(fqdn(r.Name), buf, 0, nil, false)
	if err != nil {
		return nil, errors.Wrapf(err, "pack name %q", r.Name)
	}
	if off > maxDomainLength {
		return nil, errors.Errorf("name %q is %d bytes on the wire", r.Name, off)
	}
	if off+10+len(r.Rdata) > len(buf) {
		return nil, errors.Errorf("record %q does not fit its buffer", r.Name)
	}
	binary.BigEndian.PutUint16(buf[off:], r.Type)
	binary.BigEndian.PutUint16(buf[off+2:], class)
	binary.BigEndian.PutUint32(buf[off+4:], r.TTL)
	binary.BigEndian.PutUint16(buf[off+8:], uint16(len(r.Rdata)))
	off += 10
	off += copy(buf[off:], r.Rdata)

	rr, _, err := dns.UnpackRR(buf[:off], 0)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s record for %q", dns.Type(r.Type), r.Name)
	}
	return rr, nil
}

// recordsFromMsg flattens the answer, authority and additional sections of
// a response into ResourceRecords. OPT pseudo records and records that fail
// to convert are skipped.
func recordsFromMsg(msg *dns.Msg, ifIndex int) []ResourceRecord {
	var out []ResourceRecord
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			r, err := recordFromDNS(rr, ifIndex)
			if err != nil {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

// Rdata builders for the record types the responder publishes.

func ptrRdata(target string) ([]byte, error) {
	buf := make([]byte, maxDomainLength+1)
	n, err := dns.PackDomainName(fqdn(target), buf, 0, nil, false)
	if err != nil || n > maxDomainLength {
		return nil, errorf(KindBadParam, "ptr rdata", "invalid target %q", target)
	}
	return buf[:n], nil
}

func srvRdata(priority, weight, port uint16, target string) ([]byte, error) {
	buf := make([]byte, 6+maxDomainLength+1)
	binary.BigEndian.PutUint16(buf[0:], priority)
	binary.BigEndian.PutUint16(buf[2:], weight)
	binary.BigEndian.PutUint16(buf[4:], port)
	n, err := dns.PackDomainName(fqdn(target), buf, 6, nil, false)
	if err != nil || n-6 > maxDomainLength {
		return nil, errorf(KindBadParam, "srv rdata", "invalid target %q", target)
	}
	return buf[:n], nil
}

// parsePTR decodes the target of PTR rdata.
func parsePTR(rdata []byte) (string, error) {
	name, _, err := dns.UnpackDomainName(rdata, 0)
	if err != nil {
		return "", newError(KindProtocol, "ptr rdata", err)
	}
	return name, nil
}

// parseSRV decodes SRV rdata into target host and port.
func parseSRV(rdata []byte) (target string, port uint16, err error) {
	if len(rdata) < 7 {
		return "", 0, errorf(KindProtocol, "srv rdata", "rdata of %d bytes is too short", len(rdata))
	}
	port = binary.BigEndian.Uint16(rdata[4:])
	target, _, err = dns.UnpackDomainName(rdata, 6)
	if err != nil {
		return "", 0, newError(KindProtocol, "srv rdata", err)
	}
	return target, port, nil
}
