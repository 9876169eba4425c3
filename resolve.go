package dnssd

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolve looks up the host, port, TXT record and addresses of one service
// instance. The handler gets a ResolvedService once everything is known,
// and again whenever the answer changes, until the handle is stopped. If
// nothing resolves within the resolve timeout, Failed with ErrTimeout is
// delivered instead.
func (s *Session) Resolve(name, serviceType, domain string, ifIndex int, handler Handler) (Handle, error) {
	if name == "" {
		return 0, errorf(KindBadParam, "resolve", "missing service instance name")
	}
	full, err := ConstructFullName(name, serviceType, domain)
	if err != nil {
		return 0, err
	}

	op, err := s.newOperation(opResolve, ifIndex, 0, handler)
	if err != nil {
		return 0, err
	}
	r := &resolver{fullName: full}
	s.enqueue(func(now time.Time) {
		if op.stopped.Load() {
			return
		}
		q := s.queries.start(op, r, now)
		if d := s.cfg.ResolveTimeout; d > 0 && !r.resolved {
			q.deadline = now.Add(d)
		}
	})
	op.log.WithField("name", full).Debug("resolve started")
	return op.handle, nil
}

// resolver collects the SRV, TXT and address records of one instance.
type resolver struct {
	fullName string

	hasSRV  bool
	host    string
	port    uint16
	ifIndex int
	txt     *TXTRecord
	v4, v6  []net.IP

	resolved bool
}

func (r *resolver) questions() []dns.Question {
	qs := []dns.Question{
		{Name: r.fullName, Qtype: dns.TypeSRV, Qclass: dns.ClassINET},
		{Name: r.fullName, Qtype: dns.TypeTXT, Qclass: dns.ClassINET},
	}
	if r.host != "" {
		qs = append(qs,
			dns.Question{Name: r.host, Qtype: dns.TypeA, Qclass: dns.ClassINET},
			dns.Question{Name: r.host, Qtype: dns.TypeAAAA, Qclass: dns.ClassINET},
		)
	}
	return qs
}

func (r *resolver) changed(q *query, changes []cacheChange, now time.Time) {
	dirty := false
	for _, ch := range changes {
		rr := ch.rr
		switch {
		case rr.Type == dns.TypeSRV && sameName(rr.Name, r.fullName):
			host, port, err := parseSRV(rr.Rdata)
			if err != nil {
				continue
			}
			if ch.kind == changeRemoved {
				if r.hasSRV && sameName(host, r.host) && port == r.port {
					r.hasSRV = false
				}
				continue
			}
			if r.hasSRV && sameName(host, r.host) && port == r.port {
				continue
			}
			if !sameName(host, r.host) {
				r.host, r.v4, r.v6 = host, nil, nil
				r.addresses(q, now)
				if len(r.v4)+len(r.v6) == 0 {
					// Ask for the new target's addresses right away.
					q.active, q.nextSend = true, now
				}
			}
			r.hasSRV, r.port, r.ifIndex = true, port, rr.IfIndex
			dirty = true

		case rr.Type == dns.TypeTXT && sameName(rr.Name, r.fullName):
			if ch.kind == changeRemoved {
				continue
			}
			if txt := DecodeTXTRecord(rr.Rdata); r.txt == nil || !r.txt.Equal(txt) {
				r.txt = txt
				dirty = true
			}

		case (rr.Type == dns.TypeA || rr.Type == dns.TypeAAAA) && r.host != "" && sameName(rr.Name, r.host):
			if ch.kind == changeRemoved {
				dirty = r.removeAddr(rr) || dirty
			} else {
				dirty = r.addAddr(rr) || dirty
			}
		}
	}
	if dirty {
		r.report(q)
	}
}

// addresses seeds the address lists of a new SRV target from the cache.
func (r *resolver) addresses(q *query, now time.Time) {
	for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
		for _, rr := range q.s.cache.lookup(r.host, t, dns.ClassINET, now) {
			r.addAddr(rr)
		}
	}
}

func (r *resolver) addAddr(rr ResourceRecord) bool {
	list := &r.v4
	if rr.Type == dns.TypeAAAA {
		list = &r.v6
	}
	ip := net.IP(append([]byte(nil), rr.Rdata...))
	for _, o := range *list {
		if o.Equal(ip) {
			return false
		}
	}
	*list = append(*list, ip)
	return true
}

func (r *resolver) removeAddr(rr ResourceRecord) bool {
	list := &r.v4
	if rr.Type == dns.TypeAAAA {
		list = &r.v6
	}
	ip := net.IP(rr.Rdata)
	for i, o := range *list {
		if o.Equal(ip) {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// report emits the current answer once SRV and TXT are known and, for
// link-local hosts, at least one address. Retransmission stops with the
// first complete answer.
func (r *resolver) report(q *query) {
	if !r.hasSRV || r.txt == nil {
		return
	}
	if isLocalName(r.host) && len(r.v4)+len(r.v6) == 0 {
		return
	}
	r.resolved = true
	q.active = false
	q.deadline = time.Time{}
	q.emit(ResolvedService{
		Handle:   q.op.handle,
		IfIndex:  r.ifIndex,
		FullName: r.fullName,
		Host:     r.host,
		Port:     r.port,
		TXT:      r.txt,
		AddrIPv4: append([]net.IP(nil), r.v4...),
		AddrIPv6: append([]net.IP(nil), r.v6...),
	})
}

func sameName(a, b string) bool {
	return canonicalName(a) == canonicalName(b)
}
