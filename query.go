package dnssd

import (
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// QueryRecord follows the records of one name, type and class. Each new or
// renewed record arrives as a RecordAnswer with FlagAdd, each expired or
// withdrawn record as a RecordAnswer without it. Names outside "local." go
// to the configured unicast servers unless FlagForceMulticast is set.
func (s *Session) QueryRecord(fullName string, rrtype, rrclass uint16, flags Flags, ifIndex int, handler Handler) (Handle, error) {
	const name = "query record"
	if !validDomainName(fullName) {
		return 0, errorf(KindBadParam, name, "invalid name %q", fullName)
	}
	if rrtype == 0 {
		return 0, errorf(KindBadParam, name, "missing record type")
	}
	if rrclass == 0 {
		rrclass = dns.ClassINET
	}
	if err := checkFlags(name, flags, queryFlagsMask); err != nil {
		return 0, err
	}

	op, err := s.newOperation(opQueryRecord, ifIndex, flags, handler)
	if err != nil {
		return 0, err
	}
	rq := &recordQuery{question: dns.Question{Name: fqdn(fullName), Qtype: rrtype, Qclass: rrclass}}
	s.enqueue(func(now time.Time) {
		if op.stopped.Load() {
			return
		}
		s.queries.start(op, rq, now)
	})
	op.log.WithFields(logrus.Fields{
		"name": rq.question.Name,
		"type": dns.Type(rrtype).String(),
	}).Debug("query started")
	return op.handle, nil
}

// recordQuery reports every change to the records answering one question.
type recordQuery struct {
	question dns.Question
}

func (rq *recordQuery) questions() []dns.Question {
	return []dns.Question{rq.question}
}

func (rq *recordQuery) changed(q *query, changes []cacheChange, now time.Time) {
	for _, ch := range changes {
		rr := ch.rr
		if !answersQuestion(rq.question, rr) {
			continue
		}
		if q.op.ifIndex != 0 && rr.IfIndex != 0 && rr.IfIndex != q.op.ifIndex {
			continue
		}
		var flags Flags
		if ch.kind != changeRemoved {
			flags = FlagAdd
		}
		q.emit(RecordAnswer{Handle: q.op.handle, Flags: flags, IfIndex: rr.IfIndex, Record: rr})
	}
}
