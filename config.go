package dnssd

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// IPType specifies the IP traffic type the session listens on.
// Note that mDNS packets may contain records of multiple types regardless
// of the transport protocol (e.g., IPv4 packets can contain AAAA records).
type IPType uint8

// IPType options for configuring network traffic preferences.
const (
	IPv4        IPType = 0x01
	IPv6        IPType = 0x02
	IPv4AndIPv6 IPType = (IPv4 | IPv6) // Default option
)

// DispatchMode selects how events reach handlers.
type DispatchMode int

const (
	// DispatchInline runs handlers on the goroutine calling
	// ProcessPendingEvents, after the pass has finished.
	DispatchInline DispatchMode = iota
	// DispatchPerOperation gives every operation its own delivery
	// goroutine, so a slow handler only delays its own operation.
	DispatchPerOperation
)

// Protocol timing defaults from RFC 6762.
const (
	DefaultProbeInterval     = 250 * time.Millisecond
	DefaultProbeDelay        = 250 * time.Millisecond
	DefaultProbeDeferral     = time.Second
	DefaultProbeCount        = 3
	DefaultAnnounceInterval  = time.Second
	DefaultAnnounceCount     = 2
	DefaultQueryInterval     = time.Second
	DefaultMaxQueryInterval  = 60 * time.Minute
	DefaultResolveTimeout    = 10 * time.Second
	DefaultReconfirmWait     = 10 * time.Second
	DefaultMaxRenameAttempts = 10

	// DefaultServiceTTL is used for PTR and TXT records and
	// DefaultHostTTL for records carrying host names (SRV, A, AAAA), per
	// RFC 6762 §10.
	DefaultServiceTTL uint32 = 4500
	DefaultHostTTL    uint32 = 120
)

// Config holds everything a Session needs. It is filled from defaults and
// Options by NewSession.
type Config struct {
	ListenOn   IPType
	Interfaces []net.Interface
	Transport  Transport
	Logger     *logrus.Logger

	Hostname  string
	HostAddrs []net.IP

	ProbeInterval     time.Duration
	ProbeDelay        time.Duration
	ProbeDeferral     time.Duration
	ProbeCount        int
	AnnounceInterval  time.Duration
	AnnounceCount     int
	QueryInterval     time.Duration
	MaxQueryInterval  time.Duration
	ResolveTimeout    time.Duration
	ReconfirmWait     time.Duration
	MaxRenameAttempts int
	ServiceTTL        uint32
	HostTTL           uint32

	Dispatch DispatchMode

	UnicastServers []string
	UnicastTimeout time.Duration

	Clock func() time.Time
}

func defaultConfig() Config {
	return Config{
		ListenOn:          IPv4AndIPv6,
		ProbeInterval:     DefaultProbeInterval,
		ProbeDelay:        DefaultProbeDelay,
		ProbeDeferral:     DefaultProbeDeferral,
		ProbeCount:        DefaultProbeCount,
		AnnounceInterval:  DefaultAnnounceInterval,
		AnnounceCount:     DefaultAnnounceCount,
		QueryInterval:     DefaultQueryInterval,
		MaxQueryInterval:  DefaultMaxQueryInterval,
		ResolveTimeout:    DefaultResolveTimeout,
		ReconfirmWait:     DefaultReconfirmWait,
		MaxRenameAttempts: DefaultMaxRenameAttempts,
		ServiceTTL:        DefaultServiceTTL,
		HostTTL:           DefaultHostTTL,
		UnicastTimeout:    2 * time.Second,
		Clock:             time.Now,
	}
}

// Option configures a Session.
type Option func(*Config) error

// SelectIPTraffic configures the type of IP packets (IPv4, IPv6, or both)
// that the session listens for. This selection applies to the transport
// layer but does not filter the DNS record types contained in the packets.
func SelectIPTraffic(t IPType) Option {
	return func(c *Config) error {
		if t&IPv4AndIPv6 == 0 {
			return errorf(KindBadParam, "select ip traffic", "no IP family selected")
		}
		c.ListenOn = t
		return nil
	}
}

// SelectIfaces specifies which network interfaces should be used for
// mDNS operations. If not provided, all multicast-capable interfaces
// will be used automatically.
func SelectIfaces(ifaces []net.Interface) Option {
	return func(c *Config) error {
		c.Interfaces = ifaces
		return nil
	}
}

// WithTransport replaces the multicast sockets, for example with an
// in-memory network in tests.
func WithTransport(t Transport) Option {
	return func(c *Config) error {
		c.Transport = t
		return nil
	}
}

// WithLogger sets the logrus logger used by the session.
func WithLogger(l *logrus.Logger) Option {
	return func(c *Config) error {
		c.Logger = l
		return nil
	}
}

// WithHostname sets the host name published in SRV targets and A/AAAA
// records. ".local." is appended when the name has no domain.
func WithHostname(name string) Option {
	return func(c *Config) error {
		if trimDot(name) == "" {
			return errorf(KindBadParam, "with hostname", "empty host name")
		}
		c.Hostname = name
		return nil
	}
}

// WithHostAddrs fixes the addresses published for the local host instead
// of reading them from the interfaces.
func WithHostAddrs(addrs ...net.IP) Option {
	return func(c *Config) error {
		c.HostAddrs = addrs
		return nil
	}
}

// WithProbeTiming overrides the probe spacing, the random initial delay
// bound and the deferral applied after losing a simultaneous probe.
func WithProbeTiming(interval, delay, deferral time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 || delay < 0 || deferral < 0 {
			return errorf(KindBadParam, "with probe timing", "invalid durations")
		}
		c.ProbeInterval, c.ProbeDelay, c.ProbeDeferral = interval, delay, deferral
		return nil
	}
}

// WithAnnounceTiming overrides the number and spacing of announcements.
func WithAnnounceTiming(count int, interval time.Duration) Option {
	return func(c *Config) error {
		if count < 1 || interval <= 0 {
			return errorf(KindBadParam, "with announce timing", "invalid count or interval")
		}
		c.AnnounceCount, c.AnnounceInterval = count, interval
		return nil
	}
}

// WithQueryBackoff overrides the first retransmission interval and its cap.
func WithQueryBackoff(interval, max time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 || max < interval {
			return errorf(KindBadParam, "with query backoff", "invalid intervals")
		}
		c.QueryInterval, c.MaxQueryInterval = interval, max
		return nil
	}
}

// WithResolveTimeout bounds how long Resolve waits for its first answer.
// Zero disables the timeout.
func WithResolveTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.ResolveTimeout = d
		return nil
	}
}

// WithMaxRenameAttempts caps automatic conflict renames per registration.
func WithMaxRenameAttempts(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return errorf(KindBadParam, "with max rename attempts", "need at least one attempt")
		}
		c.MaxRenameAttempts = n
		return nil
	}
}

// WithDispatchMode selects how handlers are invoked.
func WithDispatchMode(m DispatchMode) Option {
	return func(c *Config) error {
		c.Dispatch = m
		return nil
	}
}

// WithUnicastServers enables unicast DNS for names outside the link-local
// namespace. Servers are host:port pairs; a missing port defaults to 53.
func WithUnicastServers(servers ...string) Option {
	return func(c *Config) error {
		for _, s := range servers {
			if _, _, err := net.SplitHostPort(s); err != nil {
				s = net.JoinHostPort(s, "53")
			}
			c.UnicastServers = append(c.UnicastServers, s)
		}
		return nil
	}
}

// WithResolvConf reads unicast servers from a resolv.conf style file.
func WithResolvConf(path string) Option {
	return func(c *Config) error {
		conf, err := dns.ClientConfigFromFile(path)
		if err != nil {
			return newError(KindBadParam, "with resolv.conf", err)
		}
		for _, s := range conf.Servers {
			c.UnicastServers = append(c.UnicastServers, net.JoinHostPort(s, conf.Port))
		}
		if conf.Timeout > 0 {
			c.UnicastTimeout = time.Duration(conf.Timeout) * time.Second
		}
		return nil
	}
}

// WithClock replaces the monotonic clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Config) error {
		c.Clock = now
		return nil
	}
}

// localHostname returns the configured host name qualified in .local, or
// the system host name.
func (c *Config) localHostname() string {
	name := c.Hostname
	if name == "" {
		h, err := os.Hostname()
		if err != nil || h == "" {
			h = "localhost"
		}
		name = strings.SplitN(h, ".", 2)[0]
	}
	name = trimDot(name)
	if !strings.Contains(name, ".") {
		name += ".local"
	}
	return fqdn(name)
}
