package dnssd

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// serviceTypeEnumeration is the meta service type whose PTR records list
// the service types present on the link (RFC 6763 §9).
const serviceTypeEnumeration = "_services._dns-sd._udp"

// Browse discovers instances of serviceType in domain and streams
// ServiceFound and ServiceLost events to handler until the handle is
// stopped. A single subtype may follow the type after a comma, as in
// "_http._tcp,_printer". Browsing "_services._dns-sd._udp" lists the
// service types on the link, reported with the type's first label as Name.
//
// An empty domain means "local."; ifIndex zero browses on all interfaces.
func (s *Session) Browse(serviceType, domain string, ifIndex int, handler Handler) (Handle, error) {
	service, subtypes := parseSubtypes(serviceType)
	enumerating := trimDot(service) == serviceTypeEnumeration
	if !enumerating && !validServiceType(service) {
		return 0, errorf(KindBadParam, "browse", "invalid service type %q", serviceType)
	}
	if len(subtypes) > 1 {
		return 0, errorf(KindBadParam, "browse", "at most one subtype can be browsed, got %d", len(subtypes))
	}
	if domain == "" {
		domain = defaultDomain
	}
	if !validDomainName(domain) {
		return 0, errorf(KindBadParam, "browse", "invalid domain %q", domain)
	}

	name := fmt.Sprintf("%s.%s.", trimDot(service), trimDot(domain))
	if len(subtypes) == 1 {
		name = fmt.Sprintf("%s._sub.%s", trimDot(subtypes[0]), name)
	}
	if !validDomainName(name) {
		return 0, errorf(KindBadParam, "browse", "name %q is not a valid domain name", name)
	}

	op, err := s.newOperation(opBrowse, ifIndex, 0, handler)
	if err != nil {
		return 0, err
	}
	b := &browser{
		name:        name,
		enumerating: enumerating,
		found:       make(map[string]ServiceInstance),
	}
	s.enqueue(func(now time.Time) {
		if op.stopped.Load() {
			return
		}
		s.queries.start(op, b, now)
	})
	op.log.WithField("name", name).Debug("browse started")
	return op.handle, nil
}

// browser follows the PTR records of one service type.
type browser struct {
	name        string
	enumerating bool
	found       map[string]ServiceInstance
}

func (b *browser) questions() []dns.Question {
	return []dns.Question{{Name: b.name, Qtype: dns.TypePTR, Qclass: dns.ClassINET}}
}

func (b *browser) changed(q *query, changes []cacheChange, now time.Time) {
	for _, ch := range changes {
		rr := ch.rr
		if rr.Type != dns.TypePTR || canonicalName(rr.Name) != canonicalName(b.name) {
			continue
		}
		if q.op.ifIndex != 0 && rr.IfIndex != 0 && rr.IfIndex != q.op.ifIndex {
			continue
		}
		target, err := parsePTR(rr.Rdata)
		if err != nil {
			continue
		}
		key := canonicalName(target)

		switch ch.kind {
		case changeAdded:
			if _, ok := b.found[key]; ok {
				continue
			}
			inst, ok := b.instance(target)
			if !ok {
				q.op.log.WithField("target", target).Debug("ignoring malformed PTR target")
				continue
			}
			inst.IfIndex = rr.IfIndex
			b.found[key] = inst
			inst.Flags = FlagAdd
			q.emit(ServiceFound{Handle: q.op.handle, ServiceInstance: inst})
		case changeRemoved:
			inst, ok := b.found[key]
			if !ok {
				continue
			}
			delete(b.found, key)
			q.emit(ServiceLost{Handle: q.op.handle, ServiceInstance: inst})
		}
	}
}

// instance splits a PTR target into instance, type and domain.
func (b *browser) instance(target string) (ServiceInstance, bool) {
	if b.enumerating {
		labels := dns.SplitDomainName(target)
		if len(labels) < 3 {
			return ServiceInstance{}, false
		}
		return ServiceInstance{
			Name:   labels[0],
			Type:   labels[1] + ".",
			Domain: strings.Join(labels[2:], ".") + ".",
		}, true
	}
	name, typ, domain, ok := splitInstanceName(target)
	if !ok {
		return ServiceInstance{}, false
	}
	return ServiceInstance{Name: name, Type: typ, Domain: domain}, true
}
