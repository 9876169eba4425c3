package dnssd

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// answerer turns cache changes into events for one kind of continuous
// query. Implementations filter the changes themselves, since the set of
// interesting names can grow while a single packet is processed.
type answerer interface {
	// questions returns what the query currently asks for.
	questions() []dns.Question
	// changed is called with every cache change of one packet or one timer
	// pass. Events are emitted through q.emit.
	changed(q *query, changes []cacheChange, now time.Time)
}

// query is the client side state of one browse, resolve, record query or
// domain enumeration operation.
type query struct {
	s  *Session
	op *operation
	a  answerer

	backoff  *Backoff
	lastSent time.Time
	nextSend time.Time
	// active queries keep retransmitting on the backoff schedule.
	active bool
	// fresh is set when distinct new answers arrived since the last
	// transmission; the interval is then held instead of doubled.
	fresh bool
	// unicast queries go to the configured DNS servers instead of the
	// multicast group.
	unicast bool
	// deadline bounds single-shot operations; zero means none.
	deadline time.Time

	delivered map[string]time.Time
}

func (q *query) emit(ev Event) {
	q.s.emit(q.op, ev)
}

// wants reports whether rr answers one of the current questions.
func (q *query) wants(rr ResourceRecord) bool {
	for _, qq := range q.a.questions() {
		if answersQuestion(qq, rr) {
			return true
		}
	}
	return false
}

func answersQuestion(qq dns.Question, rr ResourceRecord) bool {
	if canonicalName(qq.Name) != canonicalName(rr.Name) {
		return false
	}
	if qq.Qtype != dns.TypeANY && qq.Qtype != rr.Type {
		return false
	}
	class := qq.Qclass &^ qClassCacheFlush
	return class == dns.ClassANY || class == rr.Class
}

// dedup drops renewals of an answer that was already delivered from the
// same source within the current retransmission window.
func (q *query) dedup(changes []cacheChange, source string, now time.Time) []cacheChange {
	window := q.nextSend.Sub(q.lastSent)
	out := make([]cacheChange, 0, len(changes))
	for _, ch := range changes {
		key := ch.rr.identity() + "|" + source
		switch ch.kind {
		case changeRenewed:
			if at, ok := q.delivered[key]; ok && now.Sub(at) < window {
				continue
			}
			q.delivered[key] = now
		case changeAdded:
			q.delivered[key] = now
			if q.wants(ch.rr) {
				q.fresh = true
			}
		}
		out = append(out, ch)
	}
	return out
}

// transmit sends the questions with the known answers from the cache and
// schedules the next retransmission.
func (q *query) transmit(now time.Time) {
	qs := q.a.questions()
	if q.unicast {
		q.s.unicast.exchange(q.op, qs)
	} else {
		msg := new(dns.Msg)
		msg.RecursionDesired = false
		msg.Question = qs
		for _, qq := range qs {
			for _, rr := range q.s.cache.knownAnswers(qq, now) {
				if known, err := rr.toDNS(); err == nil {
					msg.Answer = append(msg.Answer, known)
				}
			}
		}
		q.s.send(msg, q.op.ifIndex, nil)
	}

	if q.fresh {
		q.backoff.Hold()
	}
	q.fresh = false
	wait := q.backoff.Duration()
	for key, at := range q.delivered {
		if now.Sub(at) > 2*wait {
			delete(q.delivered, key)
		}
	}
	q.lastSent = now
	q.nextSend = now.Add(wait)
}

// queryEngine owns the live queries of a session. It is driven by the
// event pass and is not safe for concurrent use.
type queryEngine struct {
	s       *Session
	queries map[Handle]*query
}

func newQueryEngine(s *Session) *queryEngine {
	return &queryEngine{s: s, queries: make(map[Handle]*query)}
}

// start registers a query for op, answers it from the cache and schedules
// the first transmission immediately.
func (e *queryEngine) start(op *operation, a answerer, now time.Time) *query {
	q := &query{
		s:         e.s,
		op:        op,
		a:         a,
		backoff:   NewBackoff(e.s.cfg.MaxQueryInterval, e.s.cfg.QueryInterval),
		active:    true,
		nextSend:  now,
		delivered: make(map[string]time.Time),
	}
	q.backoff.now = e.s.now
	if qs := a.questions(); len(qs) > 0 && e.s.unicast != nil &&
		!op.flags.Has(FlagForceMulticast) && !isLocalName(qs[0].Name) {
		q.unicast = true
	}
	e.queries[op.handle] = q
	op.query = q

	var cached []cacheChange
	for _, qq := range a.questions() {
		for _, rr := range e.s.cache.lookup(qq.Name, qq.Qtype, qq.Qclass&^qClassCacheFlush, now) {
			cached = append(cached, cacheChange{kind: changeAdded, rr: rr})
		}
	}
	if len(cached) > 0 {
		a.changed(q, cached, now)
	}
	op.log.WithField("questions", len(a.questions())).Debug("query started")
	return q
}

func (e *queryEngine) remove(op *operation) {
	delete(e.queries, op.handle)
	op.query = nil
}

// route hands the changes learned from one packet, or one expiry sweep, to
// every live query.
func (e *queryEngine) route(changes []cacheChange, source string, now time.Time) {
	if len(changes) == 0 {
		return
	}
	for _, q := range e.queries {
		if cs := q.dedup(changes, source, now); len(cs) > 0 {
			q.a.changed(q, cs, now)
		}
	}
}

// tick transmits due queries and fails bounded operations past their
// deadline.
func (e *queryEngine) tick(now time.Time) {
	for _, q := range e.queries {
		if !q.deadline.IsZero() && !now.Before(q.deadline) {
			e.s.fail(q.op, errorf(KindTimeout, q.op.kind.String(), "no answer within %s", e.s.cfg.ResolveTimeout), now)
			continue
		}
		if q.active && !now.Before(q.nextSend) {
			q.transmit(now)
		}
	}
}

// restart makes every active query transmit again on its initial interval,
// used when an interface comes up.
func (e *queryEngine) restart(now time.Time) {
	for _, q := range e.queries {
		if !q.active {
			continue
		}
		q.backoff.Reset()
		q.nextSend = now
	}
}

// refresh re-asks for cached records that crossed a refresh point and are
// still wanted by a live query (RFC 6762 §5.2). One message carries all
// multicast questions.
func (e *queryEngine) refresh(due []ResourceRecord, now time.Time) {
	if len(due) == 0 {
		return
	}
	seen := make(map[string]bool)
	var multicast []dns.Question
	unicast := make(map[*query][]dns.Question)
	for _, rr := range due {
		for _, q := range e.queries {
			if !q.wants(rr) {
				continue
			}
			qq := dns.Question{Name: rr.Name, Qtype: rr.Type, Qclass: rr.Class}
			if q.unicast {
				unicast[q] = append(unicast[q], qq)
				break
			}
			key := canonicalName(rr.Name) + "/" + dns.Type(rr.Type).String()
			if !seen[key] {
				seen[key] = true
				multicast = append(multicast, qq)
			}
			break
		}
	}
	if len(multicast) > 0 {
		msg := new(dns.Msg)
		msg.Question = multicast
		e.s.send(msg, 0, nil)
	}
	for q, qs := range unicast {
		e.s.unicast.exchange(q.op, qs)
	}
}

// handleUnicast processes an answer obtained from a unicast DNS server.
// A name error ends single-name operations asking for that name.
func (e *queryEngine) handleUnicast(msg *dns.Msg, from net.Addr, now time.Time) {
	if msg.Rcode == dns.RcodeNameError {
		if len(msg.Question) == 0 {
			return
		}
		name := canonicalName(msg.Question[0].Name)
		for _, q := range e.queries {
			if !q.unicast || (q.op.kind != opResolve && q.op.kind != opQueryRecord) {
				continue
			}
			if qs := q.a.questions(); len(qs) > 0 && canonicalName(qs[0].Name) == name {
				e.s.fail(q.op, errorf(KindNoSuchName, q.op.kind.String(), "%s does not exist", name), now)
			}
		}
		return
	}

	var changes []cacheChange
	for _, rr := range recordsFromMsg(msg, 0) {
		changes = append(changes, e.s.cache.observe(rr, now, false)...)
	}
	e.route(changes, sourceKey(from), now)
	for _, q := range e.queries {
		if q.unicast && q.fresh {
			q.active = false
		}
	}
}

// nextDeadline returns the earliest transmission or timeout of all queries.
func (e *queryEngine) nextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, q := range e.queries {
		if q.active && (!found || q.nextSend.Before(next)) {
			next, found = q.nextSend, true
		}
		if !q.deadline.IsZero() && (!found || q.deadline.Before(next)) {
			next, found = q.deadline, true
		}
	}
	return next, found
}

func sourceKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
