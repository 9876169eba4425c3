package dnssd

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestQueryRetransmitsOnBackoffSchedule(t *testing.T) {
	n := newMemNetwork()
	tr := n.join("10.0.0.2")
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s, err := NewSession(
		WithTransport(tr),
		WithLogger(testLogger()),
		WithHostname("beta"),
		WithHostAddrs(net.ParseIP("10.0.0.2")),
		WithQueryBackoff(20*time.Millisecond, 200*time.Millisecond),
		WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	start := clock.Now()
	var offsets []time.Duration
	var knownAnswers []int
	seen := 0
	pass := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
		defer cancel()
		_ = s.ProcessPendingEvents(ctx)

		msgs := tr.sentTo(nil)
		for _, msg := range msgs[seen:] {
			if !msg.Response && len(msg.Question) == 1 && msg.Question[0].Name == "_ipp._tcp.local." {
				offsets = append(offsets, clock.Now().Sub(start))
				knownAnswers = append(knownAnswers, len(msg.Answer))
			}
		}
		seen = len(msgs)
	}
	runUntil := func(until time.Duration) {
		for clock.Now().Sub(start) < until {
			clock.Advance(5 * time.Millisecond)
			pass()
		}
	}

	rec := &recorder{}
	_, err = s.Browse("_ipp._tcp", "", 0, rec.handle)
	require.NoError(t, err)
	pass()
	runUntil(10 * time.Millisecond)

	// A new answer before the second transmission holds the interval.
	answer := new(dns.Msg)
	answer.Response = true
	answer.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: "_ipp._tcp.local.", Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 4500},
		Ptr: "MyPrinter._ipp._tcp.local.",
	}}
	b, err := answer.Pack()
	require.NoError(t, err)
	tr.inject(Packet{Data: b, IfIndex: 1, From: &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: mdnsPort}})
	require.Eventually(t, func() bool {
		pass()
		return len(eventsOf[ServiceFound](rec)) == 1
	}, waitTimeout, pollEvery)

	runUntil(700 * time.Millisecond)

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{0, 20 * ms, 40 * ms, 80 * ms, 160 * ms, 320 * ms, 520 * ms}, offsets)
	require.Len(t, knownAnswers, len(offsets))
	assert.Equal(t, 0, knownAnswers[0])
	assert.Equal(t, 1, knownAnswers[1], "the learned answer is listed as known")
}

func TestQueryDedupDropsRepeatsFromOneSource(t *testing.T) {
	t0 := time.Unix(1000, 0)
	q := &query{
		a:         &browser{name: "_ipp._tcp.local."},
		lastSent:  t0,
		nextSend:  t0.Add(time.Second),
		delivered: make(map[string]time.Time),
	}
	renewed := []cacheChange{{kind: changeRenewed, rr: aRecord("alpha.local.", 1, 120)}}

	assert.Len(t, q.dedup(renewed, "10.0.0.9:5353", t0.Add(100*time.Millisecond)), 1)
	assert.Empty(t, q.dedup(renewed, "10.0.0.9:5353", t0.Add(200*time.Millisecond)), "same source within the window")
	assert.Len(t, q.dedup(renewed, "10.0.0.10:5353", t0.Add(300*time.Millisecond)), 1, "another source")
	assert.Len(t, q.dedup(renewed, "10.0.0.9:5353", t0.Add(1200*time.Millisecond)), 1, "window elapsed")

	removed := []cacheChange{{kind: changeRemoved, rr: aRecord("alpha.local.", 1, 0)}}
	assert.Len(t, q.dedup(removed, "10.0.0.9:5353", t0.Add(1300*time.Millisecond)), 1)
	assert.False(t, q.fresh)

	rdata, err := ptrRdata("MyPrinter._ipp._tcp.local.")
	require.NoError(t, err)
	ptr := ResourceRecord{Name: "_ipp._tcp.local.", Type: dns.TypePTR, Class: dns.ClassINET, TTL: 4500, Rdata: rdata}
	q.dedup([]cacheChange{{kind: changeAdded, rr: ptr}}, "10.0.0.9:5353", t0.Add(1400*time.Millisecond))
	assert.True(t, q.fresh, "a new wanted answer holds the next interval")
}
