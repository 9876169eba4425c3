package dnssd

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// ServiceRecord contains the basic description of a service.
type ServiceRecord struct {
	Instance string   `json:"name"`     // Instance name (e.g. "My web page")
	Service  string   `json:"type"`     // Service name (e.g. _http._tcp.)
	Subtypes []string `json:"subtypes"` // Service subtypes
	Domain   string   `json:"domain"`   // If blank, assumes "local"

	// cached strings
	serviceName         string
	serviceInstanceName string
	serviceTypeName     string
}

// ServiceName returns a complete service name (e.g. _foobar._tcp.local.)
func (s *ServiceRecord) ServiceName() string {
	return s.serviceName
}

// ServiceInstanceName returns a complete service instance name in
// presentation format, with the instance label escaped.
func (s *ServiceRecord) ServiceInstanceName() string {
	return s.serviceInstanceName
}

// ServiceTypeName returns the complete identifier for a DNS-SD query.
func (s *ServiceRecord) ServiceTypeName() string {
	return s.serviceTypeName
}

// NewServiceRecord constructs a ServiceRecord. The service may carry
// subtypes after commas: "_http._tcp,_printer".
func NewServiceRecord(instance, service string, domain string) *ServiceRecord {
	service, subtypes := parseSubtypes(service)
	if domain == "" {
		domain = defaultDomain
	}
	s := &ServiceRecord{
		Instance:    instance,
		Service:     trimDot(service),
		Domain:      fqdn(trimDot(domain)),
		serviceName: fmt.Sprintf("%s.%s.", trimDot(service), trimDot(domain)),
	}

	for _, subtype := range subtypes {
		s.Subtypes = append(s.Subtypes, fmt.Sprintf("%s._sub.%s", trimDot(subtype), s.serviceName))
	}

	// Cache service instance name
	if instance != "" {
		s.serviceInstanceName = fmt.Sprintf("%s.%s", dnsEscapeLabel(s.Instance), s.ServiceName())
	}

	// Cache service type name domain
	s.serviceTypeName = fmt.Sprintf("_services._dns-sd._udp.%s.", trimDot(domain))

	return s
}

// ServiceSpec describes a service to register.
type ServiceSpec struct {
	// Name is the instance label. Empty uses the first label of the
	// session host name.
	Name string
	// Type is "_service._tcp" or "_service._udp", optionally followed by
	// comma separated subtypes.
	Type string
	// Domain defaults to "local.".
	Domain string
	// Host is the SRV target. Empty means the session host; a different
	// host turns the registration into a proxy for it.
	Host string
	// Addrs are published as A/AAAA records of Host for proxy
	// registrations.
	Addrs []net.IP
	Port  uint16
	TXT   *TXTRecord
	Flags Flags
	// IfIndex restricts the registration to one interface; zero means all.
	IfIndex int
}

// validate checks the spec and every owner name the registration will
// publish. host is the session host name that stands in for an empty Name
// and Host.
func (spec ServiceSpec) validate(host string) error {
	service, subtypes := parseSubtypes(spec.Type)
	if !validServiceType(service) {
		return errorf(KindBadParam, "register", "invalid service type %q", spec.Type)
	}
	for _, st := range subtypes {
		if len(trimDot(st)) == 0 || len(trimDot(st)) > maxLabelLength {
			return errorf(KindBadParam, "register", "invalid subtype %q", st)
		}
	}
	if len(spec.Name) > maxLabelLength {
		return errorf(KindBadParam, "register", "instance name longer than %d bytes", maxLabelLength)
	}
	if spec.Port == 0 {
		return errorf(KindBadParam, "register", "missing port")
	}
	if spec.Domain != "" && !validDomainName(spec.Domain) {
		return errorf(KindBadParam, "register", "invalid domain %q", spec.Domain)
	}
	if spec.Host != "" && !validDomainName(spec.Host) {
		return errorf(KindBadParam, "register", "invalid host %q", spec.Host)
	}
	if spec.IfIndex < 0 {
		return errorf(KindBadParam, "register", "invalid interface index %d", spec.IfIndex)
	}
	if _, err := spec.TXT.Encode(); err != nil {
		return err
	}
	if err := checkFlags("register", spec.Flags, registerFlagsMask); err != nil {
		return err
	}

	if _, err := ConstructFullName(spec.instanceOr(host), service, spec.Domain); err != nil {
		return errorf(KindBadParam, "register", "instance name %q does not fit in a domain name", spec.instanceOr(host))
	}
	svc := NewServiceRecord("", spec.Type, spec.Domain)
	for _, owner := range append([]string{svc.ServiceTypeName()}, svc.Subtypes...) {
		if !validDomainName(owner) {
			return errorf(KindBadParam, "register", "name %q is not a valid domain name", owner)
		}
	}
	if target := spec.hostOr(host); !validDomainName(target) {
		return errorf(KindBadParam, "register", "host %q is not a valid domain name", target)
	}
	return nil
}

// instanceOr returns the instance label, or the first label of host when
// no name was given.
func (spec ServiceSpec) instanceOr(host string) string {
	if spec.Name != "" {
		return spec.Name
	}
	if labels := dns.SplitDomainName(host); len(labels) > 0 {
		return dnsUnescape(labels[0])
	}
	return ""
}

// hostOr returns the SRV target, qualified in the service domain like the
// session host name, or def when no host was given.
func (spec ServiceSpec) hostOr(def string) string {
	if spec.Host == "" {
		return def
	}
	host := trimDot(spec.Host)
	if !strings.Contains(host, ".") {
		domain := spec.Domain
		if domain == "" {
			domain = defaultDomain
		}
		host = fmt.Sprintf("%s.%s", host, trimDot(domain))
	}
	return fqdn(host)
}

// newServiceRegistration builds the records of a service under its
// current name.
func newServiceRegistration(op *operation, spec ServiceSpec, name, host string, cfg *Config) (*registration, error) {
	reg := &registration{op: op, spec: spec, ifIndex: spec.IfIndex}
	if err := reg.rename(name, host, cfg); err != nil {
		return nil, err
	}
	return reg, nil
}

// rename rebuilds the service records under a new instance name. Records
// added by the caller move along with the instance name. On error reg is
// left unchanged.
func (reg *registration) rename(name, host string, cfg *Config) error {
	svc := NewServiceRecord(name, reg.spec.Type, reg.spec.Domain)
	instance := svc.ServiceInstanceName()
	if !validDomainName(instance) {
		return errorf(KindBadParam, "register", "instance name %q is not a valid domain name", instance)
	}
	target := reg.spec.hostOr(host)

	txt, err := reg.spec.TXT.Encode()
	if err != nil {
		return err
	}
	srv, err := srvRdata(0, 0, reg.spec.Port, target)
	if err != nil {
		return err
	}
	var records []*authRecord
	shared := func(owner, ptr string) error {
		rdata, err := ptrRdata(ptr)
		if err != nil {
			return err
		}
		records = append(records, &authRecord{rr: ResourceRecord{
			Name:  owner,
			Type:  dns.TypePTR,
			Class: dns.ClassINET,
			TTL:   cfg.ServiceTTL,
			Rdata: rdata,
		}})
		return nil
	}

	if err := shared(svc.ServiceName(), instance); err != nil {
		return err
	}
	if err := shared(svc.ServiceTypeName(), svc.ServiceName()); err != nil {
		return err
	}
	for _, sub := range svc.Subtypes {
		if err := shared(sub, instance); err != nil {
			return err
		}
	}
	records = append(records,
		&authRecord{unique: true, probe: true, rr: ResourceRecord{
			Name:  instance,
			Type:  dns.TypeSRV,
			Class: dns.ClassINET,
			TTL:   cfg.HostTTL,
			Rdata: srv,
		}},
		&authRecord{unique: true, probe: true, rr: ResourceRecord{
			Name:  instance,
			Type:  dns.TypeTXT,
			Class: dns.ClassINET,
			TTL:   cfg.ServiceTTL,
			Rdata: txt,
		}},
	)
	if reg.spec.Host != "" {
		records = append(records, addressRecords(target, reg.spec.Addrs, cfg.HostTTL)...)
	}
	for _, ar := range reg.records {
		if ar.ref != 0 {
			ar.rr.Name = instance
			records = append(records, ar)
		}
	}
	reg.name, reg.svc, reg.records = name, svc, records
	return nil
}

// newRecordRegistration wraps a single caller supplied record registered on
// a connection.
func newRecordRegistration(op *operation, ref *RecordRef, rr ResourceRecord, unique bool) *registration {
	return &registration{
		op:      op,
		ref:     ref,
		name:    rr.Name,
		ifIndex: rr.IfIndex,
		records: []*authRecord{{rr: rr, unique: unique, probe: unique, ref: ref.id}},
	}
}
