package dnssd

import (
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareRecordSets(t *testing.T) {
	low := aRecord("host.local.", 1, 120)
	high := aRecord("host.local.", 2, 120)

	assert.Equal(t, -1, compareRecordSets([]ResourceRecord{low}, []ResourceRecord{high}))
	assert.Equal(t, 1, compareRecordSets([]ResourceRecord{high}, []ResourceRecord{low}))
	assert.Equal(t, 0, compareRecordSets([]ResourceRecord{low, high}, []ResourceRecord{high, low}), "order does not matter")
	assert.Equal(t, -1, compareRecordSets([]ResourceRecord{low}, []ResourceRecord{low, high}), "a prefix loses")

	txt := ResourceRecord{Name: "host.local.", Type: dns.TypeTXT, Class: dns.ClassINET, Rdata: []byte{0}}
	assert.Equal(t, -1, compareRecordSets([]ResourceRecord{high}, []ResourceRecord{txt}), "type is compared before rdata")
}

func TestIsKnownAnswer(t *testing.T) {
	ar := &authRecord{rr: aRecord("host.local.", 1, 120)}

	known := aRecord("host.local.", 1, 60)
	assert.True(t, isKnownAnswer(ar, []ResourceRecord{known}))

	known.TTL = 59
	assert.False(t, isKnownAnswer(ar, []ResourceRecord{known}), "less than half the TTL left")
	assert.False(t, isKnownAnswer(ar, []ResourceRecord{aRecord("host.local.", 2, 120)}))
}

func TestServiceRegistrationRecords(t *testing.T) {
	cfg := defaultConfig()
	op := &operation{handle: 1}
	spec := ServiceSpec{Name: "My Printer", Type: "_ipp._tcp,_color", Port: 631}
	require.NoError(t, spec.validate("alpha.local."))

	reg, err := newServiceRegistration(op, spec, spec.Name, "alpha.local.", &cfg)
	require.NoError(t, err)
	instance := `My\ Printer._ipp._tcp.local.`

	byType := make(map[uint16][]*authRecord)
	for _, ar := range reg.records {
		byType[ar.rr.Type] = append(byType[ar.rr.Type], ar)
	}
	require.Len(t, byType[dns.TypePTR], 3, "service, enumeration and subtype pointers")
	require.Len(t, byType[dns.TypeSRV], 1)
	require.Len(t, byType[dns.TypeTXT], 1)
	assert.Empty(t, byType[dns.TypeA], "the session host addresses are published separately")

	srv := byType[dns.TypeSRV][0]
	assert.True(t, srv.unique && srv.probe)
	assert.Equal(t, instance, srv.rr.Name)
	assert.Equal(t, cfg.HostTTL, srv.rr.TTL)
	target, port, err := parseSRV(srv.rr.Rdata)
	require.NoError(t, err)
	assert.Equal(t, "alpha.local.", target)
	assert.Equal(t, uint16(631), port)

	assert.Equal(t, []byte{0}, byType[dns.TypeTXT][0].rr.Rdata)
	assert.Equal(t, []string{instance}, reg.probeNames())

	names := make(map[string]string)
	for _, ar := range byType[dns.TypePTR] {
		assert.False(t, ar.unique)
		ptr, err := parsePTR(ar.rr.Rdata)
		require.NoError(t, err)
		names[ar.rr.Name] = ptr
	}
	assert.Equal(t, map[string]string{
		"_ipp._tcp.local.":              instance,
		"_services._dns-sd._udp.local.": "_ipp._tcp.local.",
		"_color._sub._ipp._tcp.local.":  instance,
	}, names)

	require.NoError(t, reg.rename(nextConflictName(reg.name), "alpha.local.", &cfg))
	assert.Equal(t, "My Printer (2)", reg.name)
	assert.Equal(t, []string{`My\ Printer\ \(2\)._ipp._tcp.local.`}, reg.probeNames())
}

func TestProxyRegistrationPublishesAddresses(t *testing.T) {
	cfg := defaultConfig()
	spec := ServiceSpec{
		Name:  "Legacy",
		Type:  "_ipp._tcp",
		Host:  "old-printer",
		Addrs: []net.IP{net.ParseIP("10.0.0.50"), net.ParseIP("fe80::1")},
		Port:  631,
	}
	reg, err := newServiceRegistration(&operation{handle: 1}, spec, spec.Name, "alpha.local.", &cfg)
	require.NoError(t, err)

	var addrs []ResourceRecord
	for _, ar := range reg.records {
		if ar.rr.Type == dns.TypeA || ar.rr.Type == dns.TypeAAAA {
			addrs = append(addrs, ar.rr)
		}
	}
	require.Len(t, addrs, 2)
	assert.Equal(t, "old-printer.local.", addrs[0].Name)
	assert.Equal(t, uint16(dns.TypeA), addrs[0].Type)
	assert.Equal(t, uint16(dns.TypeAAAA), addrs[1].Type)
}

func TestServiceSpecValidate(t *testing.T) {
	ok := ServiceSpec{Name: "x", Type: "_http._tcp", Port: 80}
	assert.NoError(t, ok.validate("alpha.local."))
	assert.NoError(t, ServiceSpec{Type: "_http._tcp", Port: 80}.validate("alpha.local."), "empty name uses the host label")

	for name, spec := range map[string]ServiceSpec{
		"bad type":      {Type: "_http", Port: 80},
		"no port":       {Type: "_http._tcp"},
		"long name":     {Name: string(make([]byte, 64)), Type: "_http._tcp", Port: 80},
		"bad interface": {Type: "_http._tcp", Port: 80, IfIndex: -1},
		"empty subtype": {Type: "_http._tcp,.", Port: 80},
	} {
		assert.ErrorIs(t, spec.validate("alpha.local."), ErrBadParam, name)
	}
}

func TestServiceSpecValidateAssembledNames(t *testing.T) {
	label := strings.Repeat("d", 63)
	longDomain := label + "." + label + "." + label + "."

	for name, spec := range map[string]ServiceSpec{
		"instance name":  {Name: strings.Repeat("n", 63), Type: "_ipp._tcp", Domain: longDomain, Port: 631},
		"subtype name":   {Name: "x", Type: "_ipp._tcp,_" + strings.Repeat("s", 62), Domain: longDomain, Port: 631},
		"qualified host": {Name: "x", Type: "_ipp._tcp", Host: strings.Repeat("h", 63), Domain: longDomain, Port: 631},
	} {
		assert.ErrorIs(t, spec.validate("alpha.local."), ErrBadParam, name)
	}

	long := ServiceSpec{Type: "_ipp._tcp", Domain: longDomain, Port: 631}
	assert.ErrorIs(t, long.validate(strings.Repeat("h", 63)+".local."), ErrBadParam, "host label as instance")
}

func TestRenameKeepsRecordsOnFailure(t *testing.T) {
	cfg := defaultConfig()
	label := strings.Repeat("d", 63)
	domain := label + "." + label + "." + strings.Repeat("d", 53) + "."
	spec := ServiceSpec{Name: strings.Repeat("n", 60), Type: "_ipp._tcp", Domain: domain, Port: 631}
	require.NoError(t, spec.validate("alpha.local."))

	reg, err := newServiceRegistration(&operation{handle: 1}, spec, spec.Name, "alpha.local.", &cfg)
	require.NoError(t, err)
	before := reg.probeNames()

	err = reg.rename(nextConflictName(reg.name), "alpha.local.", &cfg)
	assert.ErrorIs(t, err, ErrBadParam)
	assert.Equal(t, spec.Name, reg.name)
	assert.Equal(t, before, reg.probeNames())
}

func TestRdataBuildersRejectBadTargets(t *testing.T) {
	long := strings.Repeat(strings.Repeat("t", 63)+".", 5)

	_, err := ptrRdata(long)
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = srvRdata(0, 0, 80, long)
	assert.ErrorIs(t, err, ErrBadParam)

	rdata, err := srvRdata(0, 0, 80, "alpha.local.")
	require.NoError(t, err)
	target, port, err := parseSRV(rdata)
	require.NoError(t, err)
	assert.Equal(t, "alpha.local.", target)
	assert.Equal(t, uint16(80), port)
}
