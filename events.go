package dnssd

import (
	"fmt"
	"net"
)

// Handle identifies a live operation inside a Session. The zero Handle is
// never issued.
type Handle uint64

// Event is delivered to an operation's Handler. The concrete types are
// ServiceFound, ServiceLost, ResolvedService, Registered, RecordAnswer,
// RecordRegistered, DomainFound, BatchComplete and Failed.
type Event interface {
	OperationHandle() Handle
}

// Handler receives the events of one operation. Events of one operation
// arrive in the order their packets were received.
type Handler func(Event)

// ServiceInstance names one discovered service instance.
type ServiceInstance struct {
	Flags   Flags
	IfIndex int
	Name    string
	Type    string
	Domain  string
}

// FullName returns the instance name in unescaped display form, for
// example "MyPrinter (2)._ipp._tcp.local.".
func (s ServiceInstance) FullName() string {
	return fmt.Sprintf("%s.%s.%s.", s.Name, trimDot(s.Type), trimDot(s.Domain))
}

// ServiceFound reports a browse result that appeared.
type ServiceFound struct {
	Handle Handle
	ServiceInstance
}

// ServiceLost reports a browse result that went away, either through a
// goodbye packet or TTL expiry.
type ServiceLost struct {
	Handle Handle
	ServiceInstance
}

// ResolvedService is the result of Resolve.
type ResolvedService struct {
	Handle   Handle
	Flags    Flags
	IfIndex  int
	FullName string
	Host     string
	Port     uint16
	TXT      *TXTRecord
	AddrIPv4 []net.IP
	AddrIPv6 []net.IP
}

// Registered confirms that a service name was claimed. After a conflict
// rename Name differs from the requested one.
type Registered struct {
	Handle Handle
	Flags  Flags
	Name   string
	Type   string
	Domain string
}

// FullName returns the registered name in unescaped display form.
func (r Registered) FullName() string {
	return ServiceInstance{Name: r.Name, Type: r.Type, Domain: r.Domain}.FullName()
}

// RecordAnswer streams QueryRecord results. FlagAdd is set while the record
// is valid and cleared when it is removed.
type RecordAnswer struct {
	Handle  Handle
	Flags   Flags
	IfIndex int
	Record  ResourceRecord
}

// RecordRegistered reports the outcome of RegisterRecord. Err is nil on
// success and wraps ErrNameConflict when a unique record lost its name.
type RecordRegistered struct {
	Handle Handle
	Record *RecordRef
	Err    error
}

// DomainFound streams EnumerateDomains results.
type DomainFound struct {
	Handle  Handle
	Flags   Flags
	IfIndex int
	Domain  string
}

// BatchComplete closes the group of events produced from one packet or one
// timer pass. Consumers deferring work while FlagMoreComing is set can act
// on it.
type BatchComplete struct {
	Handle Handle
}

// Failed reports an error. The operation is stopped before the event is
// delivered and no further events follow.
type Failed struct {
	Handle Handle
	Err    error
}

func (e ServiceFound) OperationHandle() Handle     { return e.Handle }
func (e ServiceLost) OperationHandle() Handle      { return e.Handle }
func (e ResolvedService) OperationHandle() Handle  { return e.Handle }
func (e Registered) OperationHandle() Handle       { return e.Handle }
func (e RecordAnswer) OperationHandle() Handle     { return e.Handle }
func (e RecordRegistered) OperationHandle() Handle { return e.Handle }
func (e DomainFound) OperationHandle() Handle      { return e.Handle }
func (e BatchComplete) OperationHandle() Handle    { return e.Handle }
func (e Failed) OperationHandle() Handle           { return e.Handle }

// withMoreComing returns ev with FlagMoreComing set, for the event types
// that carry flags.
func withMoreComing(ev Event) Event {
	switch e := ev.(type) {
	case ServiceFound:
		e.Flags |= FlagMoreComing
		return e
	case ServiceLost:
		e.Flags |= FlagMoreComing
		return e
	case ResolvedService:
		e.Flags |= FlagMoreComing
		return e
	case RecordAnswer:
		e.Flags |= FlagMoreComing
		return e
	case DomainFound:
		e.Flags |= FlagMoreComing
		return e
	}
	return ev
}

// Batched adapts a handler that wants whole batches. Events are buffered
// until BatchComplete and then handed over together; Failed is passed on
// immediately after whatever was buffered.
func Batched(fn func([]Event)) Handler {
	var pending []Event
	return func(ev Event) {
		switch ev.(type) {
		case BatchComplete:
			if len(pending) > 0 {
				batch := pending
				pending = nil
				fn(batch)
			}
		case Failed:
			batch := append(pending, ev)
			pending = nil
			fn(batch)
		default:
			pending = append(pending, ev)
		}
	}
}
