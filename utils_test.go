package dnssd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructFullName(t *testing.T) {
	name, err := ConstructFullName("My Printer.2", "_ipp._tcp", "")
	require.NoError(t, err)
	assert.Equal(t, `My\ Printer\.2._ipp._tcp.local.`, name)

	name, err = ConstructFullName("", "_http._tcp.", "example.com")
	require.NoError(t, err)
	assert.Equal(t, "_http._tcp.example.com.", name)

	_, err = ConstructFullName("x", "_http", "")
	assert.ErrorIs(t, err, ErrBadParam)
	_, err = ConstructFullName(strings.Repeat("x", 64), "_http._tcp", "")
	assert.ErrorIs(t, err, ErrBadParam)
}

func TestSplitInstanceName(t *testing.T) {
	full, err := ConstructFullName("Kitchen (2)", "_airplay._tcp", "")
	require.NoError(t, err)

	inst, typ, domain, ok := splitInstanceName(full)
	require.True(t, ok)
	assert.Equal(t, "Kitchen (2)", inst)
	assert.Equal(t, "_airplay._tcp.", typ)
	assert.Equal(t, "local.", domain)

	_, _, _, ok = splitInstanceName("host.local.")
	assert.False(t, ok)
	_, _, _, ok = splitInstanceName("a.b.c.local.")
	assert.False(t, ok)
}

func TestNextConflictName(t *testing.T) {
	assert.Equal(t, "Printer (2)", nextConflictName("Printer"))
	assert.Equal(t, "Printer (3)", nextConflictName("Printer (2)"))
	assert.Equal(t, "Printer (x) (2)", nextConflictName("Printer (x)"))

	long := nextConflictName(strings.Repeat("é", 40))
	assert.LessOrEqual(t, len(long), maxLabelLength)
	assert.True(t, strings.HasSuffix(long, " (2)"))
	assert.True(t, strings.HasPrefix(long, "é"))
}

func TestValidServiceType(t *testing.T) {
	for _, ok := range []string{"_http._tcp", "_ipp._tcp.", "_a-b2._udp"} {
		assert.True(t, validServiceType(ok), ok)
	}
	for _, bad := range []string{"", "_http", "http._tcp", "_http._sctp", "_this-name-is-too-long._tcp", "_a_b._tcp"} {
		assert.False(t, validServiceType(bad), bad)
	}
}

func TestParseSubtypes(t *testing.T) {
	svc, subs := parseSubtypes("_http._tcp, _printer ,,_color")
	assert.Equal(t, "_http._tcp", svc)
	assert.Equal(t, []string{"_printer", "_color"}, subs)
}

func TestDNSEscaping(t *testing.T) {
	raw := "a.b c\\d\x01"
	escaped := dnsEscapeLabel(raw)
	assert.Equal(t, `a\.b\ c\\d\001`, escaped)
	assert.Equal(t, raw, dnsUnescape(escaped))
	assert.Equal(t, "plain", dnsUnescape("plain"))
}

func TestIsLocalName(t *testing.T) {
	assert.True(t, isLocalName("alpha.local."))
	assert.True(t, isLocalName("ALPHA.LOCAL"))
	assert.True(t, isLocalName("1.0.254.169.in-addr.arpa."))
	assert.False(t, isLocalName("example.com."))
	assert.False(t, isLocalName("notlocal."))
}
