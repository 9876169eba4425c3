package dnssd

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type opKind int

const (
	opBrowse opKind = iota + 1
	opResolve
	opRegister
	opQueryRecord
	opEnumerateDomains
	opConnection
)

func (k opKind) String() string {
	switch k {
	case opBrowse:
		return "browse"
	case opResolve:
		return "resolve"
	case opRegister:
		return "register"
	case opQueryRecord:
		return "query record"
	case opEnumerateDomains:
		return "enumerate domains"
	case opConnection:
		return "connection"
	}
	return "unknown"
}

// operation is one live unit of work. The fields up to worker are fixed at
// creation; refs is guarded by Session.mu; the protocol state after it is
// only touched by the event pass.
type operation struct {
	handle  Handle
	kind    opKind
	ifIndex int
	flags   Flags
	handler Handler
	log     *logrus.Entry
	stopped atomic.Bool
	worker  *opWorker

	refs map[uint64]bool

	query   *query
	reg     *registration
	records map[uint64]*registration
}

// delivery is one batch of events waiting to be handed to an operation.
type delivery struct {
	op  *operation
	evs []Event
}

// Session is an mDNS/DNS-SD engine instance: one transport, one record
// cache and any number of concurrent operations identified by Handle.
//
// Operations are started from any goroutine. Protocol work and event
// delivery happen in ProcessPendingEvents, which Run calls in a loop.
type Session struct {
	cfg       Config
	log       *logrus.Entry
	transport Transport
	now       func() time.Time
	host      string

	mu         sync.Mutex
	ops        map[Handle]*operation
	lastHandle Handle
	lastRef    uint64
	control    []func(now time.Time)
	closed     bool

	wake       chan struct{}
	done       chan struct{}
	inbox      chan Packet
	readErr    chan error
	cancel     context.CancelFunc
	readerDone chan struct{}

	// passMu serializes event passes. Everything below it belongs to the
	// pass holding it.
	passMu     sync.Mutex
	cache      *recordCache
	queries    *queryEngine
	responder  *responder
	unicast    *unicastClient
	batches    map[Handle][]Event
	batchOrder []*operation
	outbox     []delivery
}

// NewSession creates a session. Without WithTransport it joins the mDNS
// multicast groups on the selected interfaces.
func NewSession(opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(&cfg); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "dnssd")

	t := cfg.Transport
	if t == nil {
		mt, err := newMulticastTransport(cfg.ListenOn, cfg.Interfaces, log)
		if err != nil {
			return nil, err
		}
		t = mt
	}

	addrs := cfg.HostAddrs
	if len(addrs) == 0 {
		ifaces := cfg.Interfaces
		if len(ifaces) == 0 {
			ifaces = listMulticastInterfaces()
		}
		for _, iface := range ifaces {
			v4, v6 := addrsForInterface(&iface)
			if cfg.ListenOn&IPv4 != 0 {
				addrs = append(addrs, v4...)
			}
			if cfg.ListenOn&IPv6 != 0 {
				addrs = append(addrs, v6...)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		log:        log,
		transport:  t,
		now:        cfg.Clock,
		host:       cfg.localHostname(),
		ops:        make(map[Handle]*operation),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		inbox:      make(chan Packet, 64),
		readErr:    make(chan error, 1),
		cancel:     cancel,
		readerDone: make(chan struct{}),
		cache:      newRecordCache(),
		batches:    make(map[Handle][]Event),
	}
	s.queries = newQueryEngine(s)
	s.responder = newResponder(s, s.host, addrs)
	if len(cfg.UnicastServers) > 0 {
		s.unicast = newUnicastClient(s, cfg.UnicastServers, cfg.UnicastTimeout)
	}
	go s.read(ctx)

	log.WithFields(logrus.Fields{"host": s.host, "addrs": len(addrs)}).Debug("session started")
	return s, nil
}

// Hostname returns the fully qualified name the session publishes for
// itself.
func (s *Session) Hostname() string {
	return s.host
}

// read moves packets from the transport to the event pass.
func (s *Session) read(ctx context.Context) {
	defer close(s.readerDone)
	for {
		p, err := s.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case s.readErr <- err:
				default:
				}
			}
			return
		}
		if !s.post(ctx, p) {
			return
		}
	}
}

// post queues a packet for the event pass. It reports false once the
// session is shutting down.
func (s *Session) post(ctx context.Context, p Packet) bool {
	select {
	case s.inbox <- p:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// newOperation allocates a handle and registers op. Parameters have been
// validated by the caller.
func (s *Session) newOperation(kind opKind, ifIndex int, flags Flags, handler Handler) (*operation, error) {
	if handler == nil {
		return nil, errorf(KindBadParam, kind.String(), "nil handler")
	}
	if ifIndex < 0 {
		return nil, errorf(KindBadParam, kind.String(), "invalid interface index %d", ifIndex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errorf(KindBadState, kind.String(), "session is closed")
	}
	s.lastHandle++
	op := &operation{
		handle:  s.lastHandle,
		kind:    kind,
		ifIndex: ifIndex,
		flags:   flags,
		handler: handler,
		refs:    make(map[uint64]bool),
		records: make(map[uint64]*registration),
	}
	op.log = s.log.WithFields(logrus.Fields{"handle": op.handle, "op": kind.String()})
	if s.cfg.Dispatch == DispatchPerOperation {
		op.worker = newOpWorker(op)
	}
	s.ops[op.handle] = op
	return op, nil
}

// lookup returns the live operation for h.
func (s *Session) lookup(h Handle, op string) (*operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errorf(KindBadState, op, "session is closed")
	}
	o, ok := s.ops[h]
	if !ok {
		return nil, errorf(KindBadReference, op, "unknown handle %d", h)
	}
	return o, nil
}

// newRef allocates a record reference owned by op.
func (s *Session) newRef(op *operation, rrtype uint16) *RecordRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRef++
	op.refs[s.lastRef] = true
	return &RecordRef{id: s.lastRef, owner: op.handle, rrtype: rrtype}
}

// checkRef verifies that ref is a live record of op.
func (s *Session) checkRef(op *operation, ref *RecordRef, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == nil || ref.owner != op.handle || !op.refs[ref.id] {
		return errorf(KindBadReference, name, "unknown record reference")
	}
	return nil
}

func (s *Session) forgetRef(op *operation, id uint64) {
	s.mu.Lock()
	delete(op.refs, id)
	s.mu.Unlock()
}

// enqueue runs fn on the next event pass.
func (s *Session) enqueue(fn func(now time.Time)) {
	s.mu.Lock()
	s.control = append(s.control, fn)
	s.mu.Unlock()
	s.signal()
}

// Stop ends the operation h. Registrations send goodbyes for what they
// announced. No event is delivered for h once Stop returns; stopping an
// unknown or already stopped handle is a no-op.
func (s *Session) Stop(h Handle) error {
	s.mu.Lock()
	op, ok := s.ops[h]
	if ok {
		delete(s.ops, h)
		op.stopped.Store(true)
		s.control = append(s.control, func(now time.Time) { s.teardown(op, now) })
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	op.log.Debug("stopped")
	if op.worker != nil {
		op.worker.close()
	}
	s.signal()
	return nil
}

// teardown releases the protocol state of op.
func (s *Session) teardown(op *operation, now time.Time) {
	if op.reg != nil {
		s.responder.remove(op.reg, now)
		op.reg = nil
	}
	for id, reg := range op.records {
		s.responder.remove(reg, now)
		delete(op.records, id)
	}
	if op.query != nil {
		s.queries.remove(op)
	}
}

// fail ends op from inside the pass and delivers Failed as its last event.
func (s *Session) fail(op *operation, err error, now time.Time) {
	s.mu.Lock()
	_, live := s.ops[op.handle]
	delete(s.ops, op.handle)
	s.mu.Unlock()
	if !live {
		return
	}
	op.log.WithError(err).Debug("operation failed")
	s.teardown(op, now)
	s.emit(op, Failed{Handle: op.handle, Err: err})
}

// emit adds ev to the batch of op being built by the current pass step.
func (s *Session) emit(op *operation, ev Event) {
	if _, ok := s.batches[op.handle]; !ok {
		s.batchOrder = append(s.batchOrder, op)
	}
	s.batches[op.handle] = append(s.batches[op.handle], ev)
}

// endBatch closes the batches of the current step: every event but the
// last carries FlagMoreComing and BatchComplete follows, unless the batch
// ends with Failed.
func (s *Session) endBatch() {
	for _, op := range s.batchOrder {
		evs := s.batches[op.handle]
		last := len(evs) - 1
		for i := 0; i < last; i++ {
			evs[i] = withMoreComing(evs[i])
		}
		if _, failed := evs[last].(Failed); !failed {
			evs = append(evs, BatchComplete{Handle: op.handle})
		}
		s.outbox = append(s.outbox, delivery{op: op, evs: evs})
		delete(s.batches, op.handle)
	}
	s.batchOrder = s.batchOrder[:0]
}

// deliver hands events to handlers. It runs without any session lock so
// handlers may call back into the session.
func (s *Session) deliver(out []delivery) {
	for _, d := range out {
		if w := d.op.worker; w != nil {
			w.push(d.evs)
			if _, failed := d.evs[len(d.evs)-1].(Failed); failed {
				w.close()
			}
			continue
		}
		for _, ev := range d.evs {
			if d.op.stopped.Load() {
				break
			}
			d.op.handler(ev)
		}
	}
}

// ProcessPendingEvents runs one event pass: it waits for a packet, a
// protocol deadline, a new request or ctx, updates the protocol state and
// delivers the resulting events. It returns ErrBadState once the session
// is closed.
func (s *Session) ProcessPendingEvents(ctx context.Context) error {
	s.passMu.Lock()
	select {
	case <-s.done:
		s.passMu.Unlock()
		return errorf(KindBadState, "process events", "session is closed")
	default:
	}

	now := s.now()
	s.runControl(now)
	s.runTimers(now)
	if len(s.outbox) == 0 {
		if err := s.wait(ctx); err != nil {
			s.passMu.Unlock()
			return err
		}
		now = s.now()
		s.runControl(now)
		s.runTimers(now)
	}

	out := s.outbox
	s.outbox = nil
	s.passMu.Unlock()

	s.deliver(out)
	return nil
}

// Run processes events until ctx is done or the session is closed. It
// returns nil after Close.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := s.ProcessPendingEvents(ctx); err != nil {
			if errors.Is(err, ErrBadState) {
				return nil
			}
			return err
		}
	}
}

func (s *Session) wait(ctx context.Context) error {
	var timeout <-chan time.Time
	if at, ok := s.nextDeadline(); ok {
		d := at.Sub(s.now())
		if d < 0 {
			d = 0
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case p := <-s.inbox:
		s.handlePacket(p, s.now())
		s.endBatch()
	case err := <-s.readErr:
		s.transportFailed(err, s.now())
		s.endBatch()
	case <-timeout:
	case <-s.wake:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errorf(KindBadState, "process events", "session is closed")
	}
	return nil
}

func (s *Session) runControl(now time.Time) {
	for {
		s.mu.Lock()
		fns := s.control
		s.control = nil
		s.mu.Unlock()
		if len(fns) == 0 {
			return
		}
		for _, fn := range fns {
			fn(now)
		}
		s.endBatch()
	}
}

func (s *Session) runTimers(now time.Time) {
	s.queries.route(s.cache.expireDue(now), "", now)
	s.queries.refresh(s.cache.refreshDue(now), now)
	s.queries.tick(now)
	s.responder.tick(now)
	s.endBatch()
}

func (s *Session) nextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, f := range []func() (time.Time, bool){
		s.cache.nextDeadline,
		s.queries.nextDeadline,
		s.responder.nextDeadline,
	} {
		if at, ok := f(); ok && (!found || at.Before(next)) {
			next, found = at, true
		}
	}
	return next, found
}

// handlePacket decodes one datagram and routes it: queries to the
// responder, responses to conflict detection, the cache and the queries.
func (s *Session) handlePacket(p Packet, now time.Time) {
	if p.msg != nil {
		s.queries.handleUnicast(p.msg, p.From, now)
		return
	}
	msg, err := DecodeMessage(p.Data)
	if err != nil {
		s.log.WithError(err).WithField("from", p.From).Debug("dropping malformed packet")
		return
	}
	if !msg.Response {
		s.responder.handleQuery(msg, p, now)
		return
	}
	if addr, ok := p.From.(*net.UDPAddr); ok && addr.Port != mdnsPort {
		s.log.WithField("from", p.From).Debug("ignoring response from a non-mDNS port")
		return
	}

	records := recordsFromMsg(msg, p.IfIndex)
	s.responder.handleResponse(records, now)
	var changes []cacheChange
	for _, rr := range records {
		changes = append(changes, s.cache.observe(rr, now, true)...)
	}
	s.queries.route(changes, sourceKey(p.From), now)
}

// transportFailed ends every live operation after the transport stopped
// delivering packets.
func (s *Session) transportFailed(err error, now time.Time) {
	s.log.WithError(err).Error("transport failed")
	s.mu.Lock()
	ops := make([]*operation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	s.mu.Unlock()
	for _, op := range ops {
		s.fail(op, newError(KindResourceExhausted, op.kind.String(), err), now)
	}
}

// send encodes msg with name compression and hands it to the transport.
// A nil destination multicasts.
func (s *Session) send(msg *dns.Msg, ifIndex int, to net.Addr) {
	b, err := EncodeMessage(msg, true)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode message")
		return
	}
	if err := s.transport.Send(b, ifIndex, to); err != nil {
		s.log.WithError(err).Warn("failed to send message")
	}
}

// InterfaceChanged tells the session that an interface went up or down.
// Registrations are announced again on up; records learned over multicast
// on that interface are flushed on down.
func (s *Session) InterfaceChanged(ifIndex int, up bool) {
	s.enqueue(func(now time.Time) {
		if up {
			s.responder.reannounce(now)
			s.queries.restart(now)
			return
		}
		s.queries.route(s.cache.flushInterface(ifIndex, now), "", now)
	})
}

// Close stops every operation, sends goodbyes and releases the transport.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ops := make([]*operation, 0, len(s.ops))
	for h, op := range s.ops {
		op.stopped.Store(true)
		ops = append(ops, op)
		delete(s.ops, h)
	}
	s.mu.Unlock()
	close(s.done)

	s.passMu.Lock()
	defer s.passMu.Unlock()
	now := s.now()
	s.runControl(now)
	for _, op := range ops {
		s.teardown(op, now)
		if op.worker != nil {
			op.worker.close()
		}
	}
	s.responder.close()
	s.outbox = nil

	s.cancel()
	err := s.transport.Close()
	<-s.readerDone
	s.log.Debug("session closed")
	return err
}

// opWorker delivers the events of one operation on its own goroutine in
// DispatchPerOperation mode.
type opWorker struct {
	op      *operation
	mu      sync.Mutex
	queue   [][]Event
	closing bool
	kick    chan struct{}
}

func newOpWorker(op *operation) *opWorker {
	w := &opWorker{op: op, kick: make(chan struct{}, 1)}
	go w.run()
	return w
}

func (w *opWorker) push(evs []Event) {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, evs)
	w.mu.Unlock()
	w.signal()
}

// close lets the worker exit once its queue is drained.
func (w *opWorker) close() {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()
	w.signal()
}

func (w *opWorker) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *opWorker) run() {
	for range w.kick {
		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				closing := w.closing
				w.mu.Unlock()
				if closing {
					return
				}
				break
			}
			evs := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			for _, ev := range evs {
				if w.op.stopped.Load() {
					break
				}
				w.op.handler(ev)
			}
		}
	}
}

