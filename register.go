package dnssd

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// RegisterService publishes a service. Its name is probed first; the
// handler gets Registered with the final name once the records have been
// announced. On a conflict the instance is renamed "Name (2)", "Name (3)"
// and so on, unless FlagNoAutoRename is set, in which case Failed with
// ErrNameConflict is delivered. Stop withdraws the service with goodbyes.
func (s *Session) RegisterService(spec ServiceSpec, handler Handler) (Handle, error) {
	if err := spec.validate(s.host); err != nil {
		return 0, err
	}
	if spec.TXT != nil {
		txt, _ := spec.TXT.Encode()
		spec.TXT = DecodeTXTRecord(txt)
	}
	spec.Addrs = append([]net.IP(nil), spec.Addrs...)

	name := spec.instanceOr(s.host)

	op, err := s.newOperation(opRegister, spec.IfIndex, spec.Flags, handler)
	if err != nil {
		return 0, err
	}
	s.enqueue(func(now time.Time) {
		if op.stopped.Load() {
			return
		}
		reg, err := newServiceRegistration(op, spec, name, s.host, &s.cfg)
		if err != nil {
			s.fail(op, err, now)
			return
		}
		op.reg = reg
		s.responder.add(reg, now)
	})
	op.log.WithFields(logrus.Fields{"name": name, "type": spec.Type, "port": spec.Port}).Debug("registration started")
	return op.handle, nil
}
