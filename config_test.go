package dnssd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeInterval)
	assert.Equal(t, 3, cfg.ProbeCount)
	assert.Equal(t, 2, cfg.AnnounceCount)
	assert.Equal(t, time.Second, cfg.QueryInterval)
	assert.Equal(t, time.Hour, cfg.MaxQueryInterval)
	assert.Equal(t, IPv4AndIPv6, cfg.ListenOn)
	assert.Equal(t, DispatchInline, cfg.Dispatch)
}

func TestOptionsRejectBadValues(t *testing.T) {
	for name, opt := range map[string]Option{
		"no ip family":    SelectIPTraffic(0),
		"empty hostname":  WithHostname("."),
		"probe interval":  WithProbeTiming(0, 0, 0),
		"announce count":  WithAnnounceTiming(0, time.Second),
		"query backoff":   WithQueryBackoff(time.Second, time.Millisecond),
		"rename attempts": WithMaxRenameAttempts(0),
		"resolv.conf":     WithResolvConf(filepath.Join(t.TempDir(), "missing")),
	} {
		cfg := defaultConfig()
		assert.ErrorIs(t, opt(&cfg), ErrBadParam, name)
	}
}

func TestWithUnicastServersAddsPort(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, WithUnicastServers("192.0.2.1", "192.0.2.2:5300")(&cfg))
	assert.Equal(t, []string{"192.0.2.1:53", "192.0.2.2:5300"}, cfg.UnicastServers)
}

func TestWithResolvConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 192.0.2.53\noptions timeout:3\n"), 0o644))

	cfg := defaultConfig()
	require.NoError(t, WithResolvConf(path)(&cfg))
	assert.Equal(t, []string{"192.0.2.53:53"}, cfg.UnicastServers)
	assert.Equal(t, 3*time.Second, cfg.UnicastTimeout)
}

func TestLocalHostname(t *testing.T) {
	cfg := defaultConfig()
	cfg.Hostname = "alpha"
	assert.Equal(t, "alpha.local.", cfg.localHostname())

	cfg.Hostname = "alpha.example.com."
	assert.Equal(t, "alpha.example.com.", cfg.localHostname())

	cfg.Hostname = ""
	assert.NotEmpty(t, cfg.localHostname())
}
