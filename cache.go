package dnssd

import (
	"time"

	"github.com/miekg/dns"
)

// changeKind tells query operations what happened to a cached record.
type changeKind int

const (
	changeAdded changeKind = iota + 1
	// changeRenewed is an identical record that arrived after 80% of the
	// previous TTL had elapsed.
	changeRenewed
	changeRemoved
)

func (k changeKind) String() string {
	switch k {
	case changeAdded:
		return "added"
	case changeRenewed:
		return "renewed"
	case changeRemoved:
		return "removed"
	}
	return "none"
}

type cacheChange struct {
	kind changeKind
	rr   ResourceRecord
}

const (
	// coalesceFraction of the previous TTL under which an identical record
	// is folded into the existing entry without a notification.
	coalesceFraction = 0.8
	// cacheFlushGrace protects records received within the last second from
	// a cache-flush, so an RRset spread over one packet is not flushed by
	// its own members (RFC 6762 §10.2).
	cacheFlushGrace = time.Second
)

// refreshPoints are the fractions of the TTL at which a live query re-asks
// for a record it still wants (RFC 6762 §5.2).
var refreshPoints = [...]float64{0.80, 0.85, 0.90, 0.95}

type cacheEntry struct {
	rr                ResourceRecord
	received          time.Time
	expiry            time.Time
	refreshStage      int
	flushOnDisconnect bool
}

func (e *cacheEntry) ttl() time.Duration {
	return time.Duration(e.rr.TTL) * time.Second
}

func (e *cacheEntry) nextRefresh() (time.Time, bool) {
	if e.refreshStage >= len(refreshPoints) {
		return time.Time{}, false
	}
	d := time.Duration(float64(e.ttl()) * refreshPoints[e.refreshStage])
	return e.received.Add(d), true
}

// remaining returns the record with its TTL reduced by the time it spent
// in the cache.
func (e *cacheEntry) remaining(now time.Time) ResourceRecord {
	rr := e.rr
	left := e.expiry.Sub(now)
	if left < 0 {
		left = 0
	}
	rr.TTL = uint32((left + time.Second - 1) / time.Second)
	return rr
}

// recordCache stores records learned from the network, indexed by
// canonical owner name. It is owned by the session's event pass and is not
// safe for concurrent use.
type recordCache struct {
	entries map[string][]*cacheEntry
	count   int
}

func newRecordCache() *recordCache {
	return &recordCache{entries: make(map[string][]*cacheEntry)}
}

// Len returns the number of cached records.
func (c *recordCache) Len() int { return c.count }

func (c *recordCache) remove(name string, i int) *cacheEntry {
	list := c.entries[name]
	e := list[i]
	list = append(list[:i], list[i+1:]...)
	if len(list) == 0 {
		delete(c.entries, name)
	} else {
		c.entries[name] = list
	}
	c.count--
	return e
}

// observe records rr as seen at now and reports what changed for callers.
// A TTL of zero removes the record (goodbye) and never inserts it.
func (c *recordCache) observe(rr ResourceRecord, now time.Time, multicast bool) []cacheChange {
	name := canonicalName(rr.Name)
	list := c.entries[name]

	existing := -1
	for i, e := range list {
		if e.rr.sameRecord(rr) {
			existing = i
			break
		}
	}

	if rr.TTL == 0 {
		if existing < 0 {
			return nil
		}
		old := c.remove(name, existing)
		return []cacheChange{{kind: changeRemoved, rr: old.remaining(now)}}
	}

	var changes []cacheChange
	if rr.CacheFlush {
		// A unique record replaces every other rdata of its RRset.
		for i := len(c.entries[name]) - 1; i >= 0; i-- {
			e := c.entries[name][i]
			if e.rr.Type != rr.Type || e.rr.Class != rr.Class || e.rr.sameRecord(rr) {
				continue
			}
			if now.Sub(e.received) < cacheFlushGrace {
				continue
			}
			old := c.remove(name, i)
			changes = append(changes, cacheChange{kind: changeRemoved, rr: old.remaining(now)})
		}
		existing = -1
		for i, e := range c.entries[name] {
			if e.rr.sameRecord(rr) {
				existing = i
				break
			}
		}
	}

	fresh := &cacheEntry{
		rr:                rr,
		received:          now,
		expiry:            now.Add(time.Duration(rr.TTL) * time.Second),
		flushOnDisconnect: multicast,
	}

	if existing >= 0 {
		prev := c.entries[name][existing]
		elapsed := now.Sub(prev.received)
		c.entries[name][existing] = fresh
		if float64(elapsed) < coalesceFraction*float64(prev.ttl()) {
			return changes
		}
		return append(changes, cacheChange{kind: changeRenewed, rr: rr})
	}

	c.entries[name] = append(c.entries[name], fresh)
	c.count++
	return append(changes, cacheChange{kind: changeAdded, rr: rr})
}

// expireDue removes every record whose expiry is at or before now.
func (c *recordCache) expireDue(now time.Time) []cacheChange {
	var changes []cacheChange
	for name, list := range c.entries {
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].expiry.After(now) {
				continue
			}
			old := c.remove(name, i)
			changes = append(changes, cacheChange{kind: changeRemoved, rr: old.remaining(now)})
			list = c.entries[name]
		}
	}
	return changes
}

// lookup returns live records matching name, rrtype and class with their
// remaining TTL. dns.TypeANY and dns.ClassANY act as wildcards.
func (c *recordCache) lookup(name string, rrtype, class uint16, now time.Time) []ResourceRecord {
	var out []ResourceRecord
	for _, e := range c.entries[canonicalName(name)] {
		if !e.expiry.After(now) {
			continue
		}
		if rrtype != dns.TypeANY && e.rr.Type != rrtype {
			continue
		}
		if class != dns.ClassANY && e.rr.Class != class {
			continue
		}
		out = append(out, e.remaining(now))
	}
	return out
}

// knownAnswers returns the live records matching the question that still
// have more than half of their TTL left (RFC 6762 §7.1).
func (c *recordCache) knownAnswers(q dns.Question, now time.Time) []ResourceRecord {
	var out []ResourceRecord
	for _, e := range c.entries[canonicalName(q.Name)] {
		if q.Qtype != dns.TypeANY && e.rr.Type != q.Qtype {
			continue
		}
		if e.expiry.Sub(now) <= e.ttl()/2 {
			continue
		}
		out = append(out, e.remaining(now))
	}
	return out
}

// refreshDue returns the records that crossed one of the refresh points
// since the last call. Each crossing is reported once.
func (c *recordCache) refreshDue(now time.Time) []ResourceRecord {
	var out []ResourceRecord
	for _, list := range c.entries {
		for _, e := range list {
			at, ok := e.nextRefresh()
			if !ok || at.After(now) {
				continue
			}
			for ok && !at.After(now) {
				e.refreshStage++
				at, ok = e.nextRefresh()
			}
			out = append(out, e.remaining(now))
		}
	}
	return out
}

// nextDeadline returns the earliest expiry or refresh point in the cache.
func (c *recordCache) nextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(next) {
			next, found = t, true
		}
	}
	for _, list := range c.entries {
		for _, e := range list {
			consider(e.expiry)
			if at, ok := e.nextRefresh(); ok {
				consider(at)
			}
		}
	}
	return next, found
}

// flushInterface drops every multicast-learned record received on ifIndex.
func (c *recordCache) flushInterface(ifIndex int, now time.Time) []cacheChange {
	var changes []cacheChange
	for name, list := range c.entries {
		for i := len(list) - 1; i >= 0; i-- {
			if !list[i].flushOnDisconnect || list[i].rr.IfIndex != ifIndex {
				continue
			}
			old := c.remove(name, i)
			changes = append(changes, cacheChange{kind: changeRemoved, rr: old.remaining(now)})
			list = c.entries[name]
		}
	}
	return changes
}

// reconfirm shortens the life of rr to wait unless it is refreshed in the
// meantime (RFC 6762 §10.4). It reports whether the record was cached.
func (c *recordCache) reconfirm(rr ResourceRecord, now time.Time, wait time.Duration) bool {
	for _, e := range c.entries[canonicalName(rr.Name)] {
		if !e.rr.sameRecord(rr) {
			continue
		}
		if deadline := now.Add(wait); e.expiry.After(deadline) {
			e.expiry = deadline
			e.refreshStage = len(refreshPoints)
		}
		return true
	}
	return false
}
