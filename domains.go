package dnssd

import (
	"time"

	"github.com/miekg/dns"
)

// EnumerateDomains lists the domains recommended for browsing
// (FlagBrowseDomains) or registration (FlagRegistrationDomains). "local."
// is always reported first as the default domain; further domains come from
// the b._dns-sd._udp and r._dns-sd._udp PTR records (RFC 6763 §11).
func (s *Session) EnumerateDomains(flags Flags, ifIndex int, handler Handler) (Handle, error) {
	const name = "enumerate domains"
	if err := checkFlags(name, flags, enumerateFlagsMask); err != nil {
		return 0, err
	}
	browse := flags.Has(FlagBrowseDomains)
	if browse == flags.Has(FlagRegistrationDomains) {
		return 0, errorf(KindBadParam, name, "exactly one of browse or registration domains is required")
	}

	op, err := s.newOperation(opEnumerateDomains, ifIndex, flags, handler)
	if err != nil {
		return 0, err
	}
	d := &domainQuery{
		name:  "r._dns-sd._udp." + defaultDomain,
		found: map[string]bool{canonicalName(defaultDomain): true},
	}
	if browse {
		d.name = "b._dns-sd._udp." + defaultDomain
	}
	s.enqueue(func(now time.Time) {
		if op.stopped.Load() {
			return
		}
		s.emit(op, DomainFound{Handle: op.handle, Flags: FlagAdd | FlagDefault, Domain: defaultDomain})
		s.queries.start(op, d, now)
	})
	return op.handle, nil
}

// domainQuery follows the domain enumeration PTR records.
type domainQuery struct {
	name  string
	found map[string]bool
}

func (d *domainQuery) questions() []dns.Question {
	return []dns.Question{{Name: d.name, Qtype: dns.TypePTR, Qclass: dns.ClassINET}}
}

func (d *domainQuery) changed(q *query, changes []cacheChange, now time.Time) {
	for _, ch := range changes {
		rr := ch.rr
		if rr.Type != dns.TypePTR || !sameName(rr.Name, d.name) {
			continue
		}
		domain, err := parsePTR(rr.Rdata)
		if err != nil {
			continue
		}
		key := canonicalName(domain)
		switch ch.kind {
		case changeAdded:
			if d.found[key] {
				continue
			}
			d.found[key] = true
			q.emit(DomainFound{Handle: q.op.handle, Flags: FlagAdd, IfIndex: rr.IfIndex, Domain: domain})
		case changeRemoved:
			if !d.found[key] || key == canonicalName(defaultDomain) {
				continue
			}
			delete(d.found, key)
			q.emit(DomainFound{Handle: q.op.handle, IfIndex: rr.IfIndex, Domain: domain})
		}
	}
}
