package dnssd

import (
	"bytes"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

const (
	// multicastRateLimit is the minimum spacing of multicast answers for a
	// single record (RFC 6762 §6). Probe defence is exempt.
	multicastRateLimit = time.Second
	// legacyUnicastTTL caps the TTLs sent to one-shot resolvers that query
	// from a port other than 5353 (RFC 6762 §6.7).
	legacyUnicastTTL uint32 = 10
)

type regState int

const (
	regProbing regState = iota + 1
	regAnnouncing
	regRegistered
	regConflicted
)

func (s regState) String() string {
	switch s {
	case regProbing:
		return "probing"
	case regAnnouncing:
		return "announcing"
	case regRegistered:
		return "registered"
	case regConflicted:
		return "conflicted"
	}
	return "unknown"
}

// authRecord is a record the responder is authoritative for.
type authRecord struct {
	rr     ResourceRecord
	unique bool
	// probe marks unique records whose name is checked on the network
	// before use and defended afterwards.
	probe bool
	// ref is the RecordRef id for records added by the caller, zero for
	// records derived from the service itself.
	ref           uint64
	lastMulticast time.Time
}

// wire renders the record with the given TTL. The cache-flush bit is only
// ever set on unique records.
func (a *authRecord) wire(ttl uint32, flush bool) dns.RR {
	rr := a.rr
	rr.TTL = ttl
	rr.CacheFlush = flush && a.unique
	out, err := rr.toDNS()
	if err != nil {
		return nil
	}
	return out
}

// registration is one name being claimed: a service with its PTR, SRV and
// TXT records, or a single record registered on a connection.
type registration struct {
	op      *operation
	ref     *RecordRef
	svc     *ServiceRecord
	spec    ServiceSpec
	name    string
	ifIndex int
	records []*authRecord

	state     regState
	probes    int
	announces int
	renames   int
	next      time.Time
	announced bool
	reported  bool
}

func (reg *registration) owns(rr ResourceRecord) bool {
	for _, ar := range reg.records {
		if ar.rr.sameRecord(rr) {
			return true
		}
	}
	return false
}

func (reg *registration) needsProbe() bool {
	for _, ar := range reg.records {
		if ar.probe {
			return true
		}
	}
	return false
}

func (reg *registration) probeNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, ar := range reg.records {
		if n := canonicalName(ar.rr.Name); ar.probe && !seen[n] {
			seen[n] = true
			names = append(names, ar.rr.Name)
		}
	}
	return names
}

func (reg *registration) record(ref uint64) *authRecord {
	for _, ar := range reg.records {
		if ar.ref == ref {
			return ar
		}
	}
	return nil
}

// responder claims and defends the names of a session's registrations and
// answers queries for them. It is driven by the event pass and is not safe
// for concurrent use.
type responder struct {
	s    *Session
	host string
	// hostRecords are the A/AAAA records of the session host. They are
	// published with the first service that points at the host, withdrawn
	// with the last one and are not probed.
	hostRecords   []*authRecord
	hostAnnounced bool
	regs          []*registration
	rand          *rand.Rand
}

func newResponder(s *Session, host string, addrs []net.IP) *responder {
	r := &responder{
		s:    s,
		host: host,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.hostRecords = addressRecords(host, addrs, s.cfg.HostTTL)
	return r
}

// addressRecords builds the A and AAAA records of host.
func addressRecords(host string, addrs []net.IP, ttl uint32) []*authRecord {
	var out []*authRecord
	for _, ip := range addrs {
		rr := ResourceRecord{Name: host, Class: dns.ClassINET, TTL: ttl}
		if v4 := ip.To4(); v4 != nil {
			rr.Type, rr.Rdata = dns.TypeA, []byte(v4)
		} else if v6 := ip.To16(); v6 != nil {
			rr.Type, rr.Rdata = dns.TypeAAAA, []byte(v6)
		} else {
			continue
		}
		out = append(out, &authRecord{rr: rr, unique: true})
	}
	return out
}

// add starts claiming reg. Registrations without unique records skip
// probing and go straight to announcing.
func (r *responder) add(reg *registration, now time.Time) {
	r.regs = append(r.regs, reg)
	if reg.needsProbe() {
		r.startProbing(reg, now)
		return
	}
	reg.state, reg.announces, reg.next = regAnnouncing, 0, now
}

func (r *responder) startProbing(reg *registration, now time.Time) {
	reg.state, reg.probes = regProbing, 0
	reg.next = now
	if d := r.s.cfg.ProbeDelay; d > 0 {
		reg.next = now.Add(time.Duration(r.rand.Int63n(int64(d))))
	}
	reg.op.log.WithField("name", reg.probeNames()).Debug("probing")
}

// remove withdraws reg, sending goodbyes for everything it announced.
func (r *responder) remove(reg *registration, now time.Time) {
	for i, o := range r.regs {
		if o == reg {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			break
		}
	}
	if reg.announced {
		r.goodbye(reg.records, reg.ifIndex)
		reg.announced = false
	}
	if r.hostAnnounced && !r.hostInUse() {
		r.goodbye(r.hostRecords, 0)
		r.hostAnnounced = false
	}
}

// hostInUse reports whether an announced service still points at the
// session host.
func (r *responder) hostInUse() bool {
	for _, reg := range r.regs {
		if reg.svc != nil && reg.announced && canonicalName(reg.spec.hostOr(r.host)) == canonicalName(r.host) {
			return true
		}
	}
	return false
}

// close says goodbye for the host records when they were published.
func (r *responder) close() {
	if r.hostAnnounced {
		r.goodbye(r.hostRecords, 0)
		r.hostAnnounced = false
	}
}

func (r *responder) goodbye(records []*authRecord, ifIndex int) {
	if len(records) == 0 {
		return
	}
	resp := new(dns.Msg)
	resp.Response = true
	resp.Authoritative = true
	for _, ar := range records {
		if rr := ar.wire(0, true); rr != nil {
			resp.Answer = append(resp.Answer, rr)
		}
	}
	r.s.send(resp, ifIndex, nil)
}

// localConflict reports whether an earlier live registration of the session
// already holds one of the names reg wants to probe.
func (r *responder) localConflict(reg *registration) bool {
	names := make(map[string]bool)
	for _, n := range reg.probeNames() {
		names[canonicalName(n)] = true
	}
	for _, o := range r.regs {
		if o == reg {
			return false
		}
		if o.state == regConflicted {
			continue
		}
		for _, ar := range o.records {
			if ar.unique && names[canonicalName(ar.rr.Name)] {
				return true
			}
		}
	}
	return false
}

// tick advances every registration whose next step is due.
func (r *responder) tick(now time.Time) {
	for _, reg := range append([]*registration(nil), r.regs...) {
		if reg.next.IsZero() || now.Before(reg.next) {
			continue
		}
		r.step(reg, now)
	}
}

func (r *responder) step(reg *registration, now time.Time) {
	cfg := &r.s.cfg
	switch reg.state {
	case regProbing:
		if reg.probes == 0 && r.localConflict(reg) {
			r.conflict(reg, now)
			return
		}
		if reg.probes < cfg.ProbeCount {
			r.sendProbe(reg)
			reg.probes++
			reg.next = now.Add(cfg.ProbeInterval)
			return
		}
		reg.state, reg.announces = regAnnouncing, 0
		fallthrough
	case regAnnouncing:
		r.announce(reg, reg.records, now)
		reg.announces++
		if reg.announces < cfg.AnnounceCount {
			reg.next = now.Add(cfg.AnnounceInterval)
			return
		}
		reg.state, reg.next = regRegistered, time.Time{}
		r.registered(reg)
	default:
		reg.next = time.Time{}
	}
}

// registered reports the claimed name once per name.
func (r *responder) registered(reg *registration) {
	if reg.reported {
		return
	}
	reg.reported = true
	reg.op.log.WithField("name", reg.name).Info("registered")
	if reg.svc == nil {
		r.s.emit(reg.op, RecordRegistered{Handle: reg.op.handle, Record: reg.ref})
		return
	}
	r.s.emit(reg.op, Registered{
		Handle: reg.op.handle,
		Flags:  FlagAdd,
		Name:   reg.name,
		Type:   fqdn(reg.svc.Service),
		Domain: fqdn(reg.svc.Domain),
	})
}

// sendProbe asks for every name to be claimed with the QU bit set and puts
// the proposed records in the authority section (RFC 6762 §8.1).
func (r *responder) sendProbe(reg *registration) {
	msg := new(dns.Msg)
	msg.RecursionDesired = false
	for _, name := range reg.probeNames() {
		msg.Question = append(msg.Question, dns.Question{
			Name:   name,
			Qtype:  dns.TypeANY,
			Qclass: dns.ClassINET | qClassCacheFlush,
		})
	}
	for _, ar := range reg.records {
		if !ar.probe {
			continue
		}
		if rr := ar.wire(ar.rr.TTL, false); rr != nil {
			msg.Ns = append(msg.Ns, rr)
		}
	}
	r.s.send(msg, reg.ifIndex, nil)
}

// announce sends records unsolicited with the cache-flush bit on unique
// records. Host addresses go along when a service points at this host.
func (r *responder) announce(reg *registration, records []*authRecord, now time.Time) {
	resp := new(dns.Msg)
	resp.Response = true
	resp.Authoritative = true
	for _, ar := range records {
		if rr := ar.wire(ar.rr.TTL, true); rr != nil {
			resp.Answer = append(resp.Answer, rr)
			ar.lastMulticast = now
		}
	}
	if reg.svc != nil && canonicalName(reg.spec.hostOr(r.host)) == canonicalName(r.host) {
		for _, ar := range r.hostRecords {
			if rr := ar.wire(ar.rr.TTL, true); rr != nil {
				resp.Extra = append(resp.Extra, rr)
				ar.lastMulticast = now
			}
		}
		r.hostAnnounced = true
	}
	reg.announced = true
	r.s.send(resp, reg.ifIndex, nil)
}

// conflict handles a lost name: raw records fail, services are renamed
// unless renaming is disabled or exhausted.
func (r *responder) conflict(reg *registration, now time.Time) {
	reg.state, reg.next = regConflicted, time.Time{}
	reg.announced = false
	reg.op.log.WithField("name", reg.name).Info("name conflict")

	if reg.svc == nil {
		r.remove(reg, now)
		delete(reg.op.records, reg.ref.id)
		r.s.forgetRef(reg.op, reg.ref.id)
		r.s.emit(reg.op, RecordRegistered{
			Handle: reg.op.handle,
			Record: reg.ref,
			Err:    errorf(KindNameConflict, "register record", "%s is in use", reg.name),
		})
		return
	}
	if reg.spec.Flags.Has(FlagNoAutoRename) || reg.renames >= r.s.cfg.MaxRenameAttempts {
		r.s.fail(reg.op, errorf(KindNameConflict, "register", "%s.%s is in use", reg.name, reg.svc.ServiceName()), now)
		return
	}
	reg.renames++
	if err := reg.rename(nextConflictName(reg.name), r.host, &r.s.cfg); err != nil {
		r.s.fail(reg.op, errorf(KindNameConflict, "register", "%s is in use and cannot be renamed: %v", reg.name, err), now)
		return
	}
	reg.reported = false
	r.startProbing(reg, now)
}

// handleResponse checks the records of a received response against every
// claimed name. While probing any record with the same name that is not
// ours is a conflict; afterwards only a differing record of the same type
// and class is.
func (r *responder) handleResponse(records []ResourceRecord, now time.Time) {
	for _, reg := range append([]*registration(nil), r.regs...) {
		if reg.state != regConflicted && r.conflicts(reg, records) {
			r.conflict(reg, now)
		}
	}
}

func (r *responder) conflicts(reg *registration, records []ResourceRecord) bool {
	for _, rr := range records {
		if rr.TTL == 0 || reg.owns(rr) {
			continue
		}
		for _, ar := range reg.records {
			if !ar.probe || canonicalName(ar.rr.Name) != canonicalName(rr.Name) {
				continue
			}
			if reg.state == regProbing {
				return true
			}
			if ar.rr.Type == rr.Type && ar.rr.Class == rr.Class {
				return true
			}
		}
	}
	return false
}

// handleQuery answers a query from the network and resolves simultaneous
// probes.
func (r *responder) handleQuery(msg *dns.Msg, p Packet, now time.Time) {
	probe := len(msg.Ns) > 0
	if probe {
		r.tiebreak(recordsFromSection(msg.Ns, p.IfIndex), now)
	}

	legacy := false
	if addr, ok := p.From.(*net.UDPAddr); ok && addr.Port != mdnsPort {
		legacy = true
	}
	known := recordsFromSection(msg.Answer, p.IfIndex)

	var multicast, unicast []*authRecord
	for _, q := range msg.Question {
		for _, ar := range r.answersFor(q, p.IfIndex) {
			if isKnownAnswer(ar, known) {
				continue
			}
			switch {
			case legacy || (q.Qclass&qClassCacheFlush != 0 && !probe):
				unicast = appendUnique(unicast, ar)
			case !probe && now.Sub(ar.lastMulticast) < multicastRateLimit:
				// Answered on the link less than a second ago.
			default:
				multicast = appendUnique(multicast, ar)
			}
		}
	}

	if len(unicast) > 0 {
		resp := r.response(unicast, legacy, now, false, p.IfIndex)
		if legacy {
			resp.Id = msg.Id
			resp.Question = msg.Question
		}
		r.s.send(resp, p.IfIndex, p.From)
	}
	if len(multicast) > 0 {
		r.s.send(r.response(multicast, false, now, true, p.IfIndex), p.IfIndex, nil)
	}
}

// response builds a reply holding answers plus the additional records a
// resolver will ask for next (RFC 6763 §12).
func (r *responder) response(answers []*authRecord, legacy bool, now time.Time, multicast bool, ifIndex int) *dns.Msg {
	resp := new(dns.Msg)
	resp.Response = true
	resp.Authoritative = true

	render := func(ar *authRecord) dns.RR {
		ttl := ar.rr.TTL
		if legacy && ttl > legacyUnicastTTL {
			ttl = legacyUnicastTTL
		}
		if multicast {
			ar.lastMulticast = now
		}
		return ar.wire(ttl, !legacy)
	}

	for _, ar := range answers {
		if rr := render(ar); rr != nil {
			resp.Answer = append(resp.Answer, rr)
		}
	}
	var extra []*authRecord
	for _, ar := range answers {
		for _, add := range r.additionals(ar, ifIndex) {
			if !containsRecord(answers, add) {
				extra = appendUnique(extra, add)
			}
		}
	}
	for _, ar := range extra {
		if rr := render(ar); rr != nil {
			resp.Extra = append(resp.Extra, rr)
		}
	}
	return resp
}

// answersFor returns the records announced so far that answer q when it
// arrives on interface ifIndex. Registrations bound to another interface
// stay silent.
func (r *responder) answersFor(q dns.Question, ifIndex int) []*authRecord {
	var out []*authRecord
	for _, reg := range r.regs {
		if reg.state != regAnnouncing && reg.state != regRegistered {
			continue
		}
		if reg.ifIndex != 0 && ifIndex != 0 && reg.ifIndex != ifIndex {
			continue
		}
		for _, ar := range reg.records {
			if answersQuestion(q, ar.rr) {
				out = appendUnique(out, ar)
			}
		}
	}
	if r.hostAnnounced {
		for _, ar := range r.hostRecords {
			if answersQuestion(q, ar.rr) {
				out = appendUnique(out, ar)
			}
		}
	}
	return out
}

// owned returns the announced records with the given name and type.
func (r *responder) owned(name string, rrtype uint16, ifIndex int) []*authRecord {
	return r.answersFor(dns.Question{Name: name, Qtype: rrtype, Qclass: dns.ClassINET}, ifIndex)
}

func (r *responder) additionals(ar *authRecord, ifIndex int) []*authRecord {
	var out []*authRecord
	switch ar.rr.Type {
	case dns.TypePTR:
		target, err := parsePTR(ar.rr.Rdata)
		if err != nil {
			return nil
		}
		for _, srv := range r.owned(target, dns.TypeSRV, ifIndex) {
			out = append(out, srv)
			out = append(out, r.additionals(srv, ifIndex)...)
		}
		out = append(out, r.owned(target, dns.TypeTXT, ifIndex)...)
	case dns.TypeSRV:
		host, _, err := parseSRV(ar.rr.Rdata)
		if err != nil {
			return nil
		}
		out = append(out, r.owned(host, dns.TypeA, ifIndex)...)
		out = append(out, r.owned(host, dns.TypeAAAA, ifIndex)...)
	}
	return out
}

// isKnownAnswer implements RFC 6762 §7.1 known-answer suppression: an
// answer the querier already holds with at least half its TTL is omitted.
func isKnownAnswer(ar *authRecord, known []ResourceRecord) bool {
	for _, k := range known {
		if k.sameRecord(ar.rr) && k.TTL >= ar.rr.TTL/2 {
			return true
		}
	}
	return false
}

// tiebreak resolves simultaneous probes for the same name (RFC 6762 §8.2).
// The side whose sorted records compare lexicographically earlier loses
// and waits ProbeDeferral before probing again.
func (r *responder) tiebreak(theirs []ResourceRecord, now time.Time) {
	for _, reg := range r.regs {
		if reg.state != regProbing {
			continue
		}
		for _, name := range reg.probeNames() {
			var ours, other []ResourceRecord
			for _, ar := range reg.records {
				if ar.probe && canonicalName(ar.rr.Name) == canonicalName(name) {
					ours = append(ours, ar.rr)
				}
			}
			for _, rr := range theirs {
				if canonicalName(rr.Name) == canonicalName(name) {
					other = append(other, rr)
				}
			}
			if len(other) == 0 {
				continue
			}
			if compareRecordSets(ours, other) < 0 {
				reg.op.log.WithField("name", name).Debug("lost simultaneous probe")
				reg.probes = 0
				reg.next = now.Add(r.s.cfg.ProbeDeferral)
				break
			}
		}
	}
}

// compareRecordSets orders two record sets by class, type and rdata after
// sorting each. A set that runs out first compares lower.
func compareRecordSets(a, b []ResourceRecord) int {
	sortRecords(a)
	sortRecords(b)
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareRecords(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func compareRecords(a, b ResourceRecord) int {
	switch {
	case a.Class != b.Class:
		if a.Class < b.Class {
			return -1
		}
		return 1
	case a.Type != b.Type:
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.Rdata, b.Rdata)
}

func sortRecords(rs []ResourceRecord) {
	sort.Slice(rs, func(i, j int) bool { return compareRecords(rs[i], rs[j]) < 0 })
}

// reannounce repeats the announcements of every claimed name, used when an
// interface comes up. No second Registered event is produced.
func (r *responder) reannounce(now time.Time) {
	for _, reg := range r.regs {
		if reg.state != regRegistered && reg.state != regAnnouncing {
			continue
		}
		reg.state, reg.announces, reg.next = regAnnouncing, 0, now
	}
}

// update replaces the rdata of one record and announces the new value
// without probing again.
func (r *responder) update(reg *registration, ar *authRecord, rdata []byte, ttl uint32, now time.Time) {
	ar.rr.Rdata = rdata
	if ttl != 0 {
		ar.rr.TTL = ttl
	}
	if reg.state == regAnnouncing || reg.state == regRegistered {
		r.announce(reg, []*authRecord{ar}, now)
	}
}

// addRecord attaches an extra record to a service under the service
// instance name.
func (r *responder) addRecord(reg *registration, ar *authRecord, now time.Time) {
	reg.records = append(reg.records, ar)
	if reg.state == regAnnouncing || reg.state == regRegistered {
		r.announce(reg, []*authRecord{ar}, now)
	}
}

// removeRecord detaches an extra record, sending a goodbye for it.
func (r *responder) removeRecord(reg *registration, ar *authRecord) {
	for i, o := range reg.records {
		if o == ar {
			reg.records = append(reg.records[:i], reg.records[i+1:]...)
			break
		}
	}
	if reg.announced {
		r.goodbye([]*authRecord{ar}, reg.ifIndex)
	}
}

func (r *responder) nextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, reg := range r.regs {
		if reg.next.IsZero() {
			continue
		}
		if !found || reg.next.Before(next) {
			next, found = reg.next, true
		}
	}
	return next, found
}

func containsRecord(list []*authRecord, ar *authRecord) bool {
	for _, o := range list {
		if o == ar || o.rr.sameRecord(ar.rr) {
			return true
		}
	}
	return false
}

func appendUnique(list []*authRecord, ar *authRecord) []*authRecord {
	if containsRecord(list, ar) {
		return list
	}
	return append(list, ar)
}

func recordsFromSection(section []dns.RR, ifIndex int) []ResourceRecord {
	var out []ResourceRecord
	for _, rr := range section {
		if r, err := recordFromDNS(rr, ifIndex); err == nil {
			out = append(out, r)
		}
	}
	return out
}
