package dnssd

import (
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessage(t *testing.T) {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = []dns.RR{
		&dns.PTR{
			Hdr: dns.RR_Header{Name: "_ipp._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 4500},
			Ptr: "MyPrinter._ipp._tcp.local.",
		},
		&dns.SRV{
			Hdr:    dns.RR_Header{Name: "MyPrinter._ipp._tcp.local.", Rrtype: dns.TypeSRV, Class: dns.ClassINET | qClassCacheFlush, Ttl: 120},
			Port:   631,
			Target: "alpha.local.",
		},
	}

	compressed, err := EncodeMessage(msg, true)
	require.NoError(t, err)
	plain, err := EncodeMessage(msg, false)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(plain))

	back, err := DecodeMessage(compressed)
	require.NoError(t, err)
	require.Len(t, back.Answer, 2)

	records := recordsFromMsg(back, 3)
	require.Len(t, records, 2)
	srv := records[1]
	assert.Equal(t, "MyPrinter._ipp._tcp.local.", srv.Name)
	assert.Equal(t, uint16(dns.ClassINET), srv.Class)
	assert.True(t, srv.CacheFlush)
	assert.Equal(t, 3, srv.IfIndex)

	target, port, err := parseSRV(srv.Rdata)
	require.NoError(t, err)
	assert.Equal(t, "alpha.local.", target)
	assert.Equal(t, uint16(631), port)

	ptr, err := parsePTR(records[0].Rdata)
	require.NoError(t, err)
	assert.Equal(t, "MyPrinter._ipp._tcp.local.", ptr)
}

func TestDecodeMessageRejectsMalformedInput(t *testing.T) {
	_, err := DecodeMessage([]byte{0, 1, 2})
	assert.ErrorIs(t, err, ErrProtocol)

	msg := new(dns.Msg)
	msg.SetQuestion("host.local.", dns.TypeA)
	b, err := msg.Pack()
	require.NoError(t, err)

	// Claim one answer that is not there.
	b[7] = 1
	_, err = DecodeMessage(b)
	assert.ErrorIs(t, err, ErrProtocol)

	// Compression pointer to itself.
	loop := []byte{0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0xC0, 12, 0, 1, 0, 1}
	_, err = DecodeMessage(loop)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestResourceRecordConversion(t *testing.T) {
	rr := ResourceRecord{
		Name:  "alpha.local.",
		Type:  dns.TypeA,
		Class: dns.ClassINET,
		Rdata: []byte(net.ParseIP("10.0.0.1").To4()),
		TTL:   120,
	}
	out, err := rr.toDNS()
	require.NoError(t, err)
	a, ok := out.(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", a.A.String())
	assert.Contains(t, rr.String(), "10.0.0.1")

	back, err := recordFromDNS(out, 0)
	require.NoError(t, err)
	assert.True(t, back.sameRecord(rr))

	bad := rr
	bad.Rdata = []byte{1, 2}
	_, err = bad.toDNS()
	assert.Error(t, err)
	assert.Contains(t, bad.String(), `\# 2 0102`)
}

func TestSameRecordIgnoresTTLAndCase(t *testing.T) {
	a := ResourceRecord{Name: "Alpha.local.", Type: dns.TypeA, Class: dns.ClassINET, Rdata: []byte{10, 0, 0, 1}, TTL: 1}
	b := ResourceRecord{Name: "alpha.LOCAL.", Type: dns.TypeA, Class: dns.ClassINET, Rdata: []byte{10, 0, 0, 1}, TTL: 99, IfIndex: 4}
	assert.True(t, a.sameRecord(b))
	assert.Equal(t, a.identity(), b.identity())

	b.Rdata = []byte{10, 0, 0, 2}
	assert.False(t, a.sameRecord(b))
}

func TestParseSRVRejectsShortRdata(t *testing.T) {
	_, _, err := parseSRV([]byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestToDNSRejectsOverlongNames(t *testing.T) {
	label := strings.Repeat("l", 63)
	for _, name := range []string{
		label + "." + label + "." + label + "." + label + ".",
		strings.Repeat(label+".", 5),
	} {
		rr := ResourceRecord{Name: name, Type: dns.TypeA, Class: dns.ClassINET, TTL: 120, Rdata: []byte{10, 0, 0, 1}}
		_, err := rr.toDNS()
		assert.Error(t, err)
	}

	rr := ResourceRecord{Name: label + "." + label + "." + label + ".local.", Type: dns.TypeA, Class: dns.ClassINET, TTL: 120, Rdata: []byte{10, 0, 0, 1}}
	_, err := rr.toDNS()
	assert.NoError(t, err)
}
