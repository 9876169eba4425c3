package dnssd

import (
	"time"

	"github.com/miekg/dns"
)

// RecordRef identifies a record registered on a connection or added to a
// service registration.
type RecordRef struct {
	id     uint64
	owner  Handle
	rrtype uint16
}

// Owner returns the handle of the operation the record belongs to.
func (r *RecordRef) Owner() Handle { return r.owner }

// Type returns the record type.
func (r *RecordRef) Type() uint16 { return r.rrtype }

// CreateConnection opens a handle for registering individual records with
// RegisterRecord. Stopping the handle withdraws every record on it.
func (s *Session) CreateConnection(handler Handler) (Handle, error) {
	op, err := s.newOperation(opConnection, 0, 0, handler)
	if err != nil {
		return 0, err
	}
	return op.handle, nil
}

// RegisterRecord publishes a single record on the connection conn. Exactly
// one of FlagShared and FlagUnique must be set; unique records are probed
// first. The outcome arrives as a RecordRegistered event for the returned
// reference. A zero ttl uses the service TTL.
func (s *Session) RegisterRecord(conn Handle, flags Flags, ifIndex int, fullName string, rrtype, rrclass uint16, rdata []byte, ttl uint32) (*RecordRef, error) {
	const name = "register record"
	if err := checkFlags(name, flags, recordFlagsMask); err != nil {
		return nil, err
	}
	if flags.Has(FlagShared) == flags.Has(FlagUnique) {
		return nil, errorf(KindBadParam, name, "exactly one of shared or unique is required")
	}
	if ifIndex < 0 {
		return nil, errorf(KindBadParam, name, "invalid interface index %d", ifIndex)
	}
	if rrclass == 0 {
		rrclass = dns.ClassINET
	}
	if ttl == 0 {
		ttl = s.cfg.ServiceTTL
	}
	rr := ResourceRecord{
		Name:    fqdn(fullName),
		Type:    rrtype,
		Class:   rrclass,
		Rdata:   append([]byte(nil), rdata...),
		TTL:     ttl,
		IfIndex: ifIndex,
	}
	if err := checkRecord(name, rr); err != nil {
		return nil, err
	}

	op, err := s.lookup(conn, name)
	if err != nil {
		return nil, err
	}
	if op.kind != opConnection {
		return nil, errorf(KindBadReference, name, "handle %d is not a connection", conn)
	}
	ref := s.newRef(op, rrtype)
	unique := flags.Has(FlagUnique)
	s.enqueue(func(now time.Time) {
		if op.stopped.Load() {
			return
		}
		reg := newRecordRegistration(op, ref, rr, unique)
		op.records[ref.id] = reg
		s.responder.add(reg, now)
	})
	op.log.WithField("record", rr.String()).Debug("record registration started")
	return ref, nil
}

// AddRecord attaches an extra record to the service registration h under
// the service instance name. A zero ttl uses the service TTL.
func (s *Session) AddRecord(h Handle, rrtype uint16, rdata []byte, ttl uint32) (*RecordRef, error) {
	const name = "add record"
	op, err := s.lookup(h, name)
	if err != nil {
		return nil, err
	}
	if op.kind != opRegister {
		return nil, errorf(KindBadReference, name, "handle %d is not a service registration", h)
	}
	if ttl == 0 {
		ttl = s.cfg.ServiceTTL
	}
	rr := ResourceRecord{Type: rrtype, Class: dns.ClassINET, Rdata: append([]byte(nil), rdata...), TTL: ttl}
	if err := checkRecord(name, rr); err != nil {
		return nil, err
	}

	ref := s.newRef(op, rrtype)
	s.enqueue(func(now time.Time) {
		if op.stopped.Load() || op.reg == nil {
			return
		}
		rr.Name = op.reg.svc.ServiceInstanceName()
		rr.IfIndex = op.reg.ifIndex
		s.responder.addRecord(op.reg, &authRecord{rr: rr, unique: true, ref: ref.id}, now)
	})
	return ref, nil
}

// UpdateRecord replaces the rdata of a record. A nil ref on a service
// registration updates its TXT record. A zero ttl keeps the current TTL.
func (s *Session) UpdateRecord(h Handle, ref *RecordRef, rdata []byte, ttl uint32) error {
	const name = "update record"
	op, err := s.lookup(h, name)
	if err != nil {
		return err
	}
	rrtype := uint16(dns.TypeTXT)
	if ref == nil {
		if op.kind != opRegister {
			return errorf(KindBadReference, name, "a record reference is required on handle %d", h)
		}
	} else {
		if err := s.checkRef(op, ref, name); err != nil {
			return err
		}
		rrtype = ref.rrtype
	}
	rdata = append([]byte(nil), rdata...)
	if err := checkRecord(name, ResourceRecord{Type: rrtype, Class: dns.ClassINET, Rdata: rdata}); err != nil {
		return err
	}

	s.enqueue(func(now time.Time) {
		if op.stopped.Load() {
			return
		}
		reg, ar := op.find(ref)
		if ar == nil {
			return
		}
		if ref == nil {
			reg.spec.TXT = DecodeTXTRecord(rdata)
		}
		s.responder.update(reg, ar, rdata, ttl, now)
	})
	return nil
}

// RemoveRecord withdraws a record added with AddRecord or registered with
// RegisterRecord, sending a goodbye if it was announced.
func (s *Session) RemoveRecord(h Handle, ref *RecordRef) error {
	const name = "remove record"
	op, err := s.lookup(h, name)
	if err != nil {
		return err
	}
	if err := s.checkRef(op, ref, name); err != nil {
		return err
	}
	s.forgetRef(op, ref.id)

	s.enqueue(func(now time.Time) {
		if op.stopped.Load() {
			return
		}
		switch op.kind {
		case opConnection:
			if reg := op.records[ref.id]; reg != nil {
				s.responder.remove(reg, now)
				delete(op.records, ref.id)
			}
		case opRegister:
			if op.reg == nil {
				return
			}
			if ar := op.reg.record(ref.id); ar != nil {
				s.responder.removeRecord(op.reg, ar)
			}
		}
	})
	return nil
}

// ReconfirmRecord tells the session that a cached record looks stale. The
// record is queried again and dropped, with removal events for the
// operations following it, unless an answer arrives within the reconfirm
// wait.
func (s *Session) ReconfirmRecord(ifIndex int, fullName string, rrtype, rrclass uint16, rdata []byte) error {
	const name = "reconfirm record"
	if ifIndex < 0 {
		return errorf(KindBadParam, name, "invalid interface index %d", ifIndex)
	}
	if rrclass == 0 {
		rrclass = dns.ClassINET
	}
	rr := ResourceRecord{
		Name:    fqdn(fullName),
		Type:    rrtype,
		Class:   rrclass,
		Rdata:   append([]byte(nil), rdata...),
		IfIndex: ifIndex,
	}
	if err := checkRecord(name, rr); err != nil {
		return err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errorf(KindBadState, name, "session is closed")
	}

	s.enqueue(func(now time.Time) {
		if !s.cache.reconfirm(rr, now, s.cfg.ReconfirmWait) {
			return
		}
		msg := new(dns.Msg)
		msg.Question = []dns.Question{{Name: rr.Name, Qtype: rrtype, Qclass: rrclass}}
		s.send(msg, ifIndex, nil)
	})
	return nil
}

// find returns the registration and record ref points at. A nil ref selects
// the TXT record of a service.
func (op *operation) find(ref *RecordRef) (*registration, *authRecord) {
	switch op.kind {
	case opConnection:
		if ref == nil {
			return nil, nil
		}
		reg := op.records[ref.id]
		if reg == nil || len(reg.records) == 0 {
			return nil, nil
		}
		return reg, reg.records[0]
	case opRegister:
		if op.reg == nil {
			return nil, nil
		}
		if ref != nil {
			return op.reg, op.reg.record(ref.id)
		}
		for _, ar := range op.reg.records {
			if ar.ref == 0 && ar.rr.Type == dns.TypeTXT {
				return op.reg, ar
			}
		}
	}
	return nil, nil
}

// checkRecord verifies that rdata is well formed for the record type.
func checkRecord(op string, rr ResourceRecord) error {
	if rr.Name == "" {
		rr.Name = "."
	} else if !validDomainName(rr.Name) {
		return errorf(KindBadParam, op, "invalid name %q", rr.Name)
	}
	if rr.Type == 0 {
		return errorf(KindBadParam, op, "missing record type")
	}
	if len(rr.Rdata) > dns.MaxMsgSize {
		return errorf(KindRecordTooLarge, op, "rdata of %d bytes", len(rr.Rdata))
	}
	if _, err := rr.toDNS(); err != nil {
		return newError(KindBadParam, op, err)
	}
	return nil
}
