// Package dnssd is a DNS Service Discovery engine over multicast DNS
// (RFC 6762, RFC 6763). A Session browses, resolves and registers services,
// follows arbitrary records and publishes its own, with probing, conflict
// renaming, known-answer suppression and a TTL driven record cache.
package dnssd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const (
	maxLabelLength  = 63
	maxDomainLength = 255
	defaultDomain   = "local."
)

// parseSubtypes extracts the primary service type and any subtypes from
// a service type string. The input format follows DNS-SD conventions
// where subtypes are comma-separated: "service,subtype1,subtype2".
func parseSubtypes(service string) (string, []string) {
	subtypes := strings.Split(service, ",")
	var out []string
	for _, st := range subtypes[1:] {
		if st = strings.TrimSpace(st); st != "" {
			out = append(out, st)
		}
	}
	return strings.TrimSpace(subtypes[0]), out
}

// trimDot removes leading and trailing dots from a DNS name string.
//
// Example: ".local." becomes "local", "service." becomes "service"
func trimDot(s string) string {
	return strings.Trim(s, ".")
}

// fqdn guarantees the trailing dot. The empty name is the root.
func fqdn(s string) string {
	return dns.Fqdn(s)
}

// canonicalName is the key form used to compare names: lower case and fully
// qualified. Escapes are kept as produced by miekg/dns.
func canonicalName(s string) string {
	return dns.CanonicalName(s)
}

// dnsUnescape converts a DNS presentation-escaped string back to its
// original form by processing escape sequences as defined in RFC 1035.
//
// Supported escape sequences:
//   - "\\"    -> backslash character
//   - "\ "    -> space character
//   - "\."    -> dot character
//   - "\DDD"  -> byte with the given 3-digit decimal value
//
// miekg/dns produces these sequences when it unpacks labels containing
// special characters.
func dnsUnescape(s string) string {
	if len(s) == 0 || strings.IndexByte(s, '\\') < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			num := int(s[i+1]-'0')*100 + int(s[i+2]-'0')*10 + int(s[i+3]-'0')
			b.WriteByte(byte(num))
			i += 3
		} else if i+1 < len(s) {
			b.WriteByte(s[i+1])
			i++
		}
		// A trailing backslash with nothing after it is dropped.
	}
	return b.String()
}

// dnsEscapeLabel is the inverse of dnsUnescape for a single label: it turns
// a raw label (such as a user supplied instance name) into presentation
// format that miekg/dns packs back into exactly the same bytes.
func dnsEscapeLabel(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.' || c == '\\' || c == ' ' || c == '(' || c == ')' ||
			c == ';' || c == '@' || c == '"' || c == '\'':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			fmt.Fprintf(&b, "\\%03d", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// isDigit checks if a byte represents an ASCII digit character (0-9).
func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// validServiceType checks the "_service._tcp" / "_service._udp" shape of a
// DNS-SD service type (RFC 6763 §7), without the domain.
func validServiceType(t string) bool {
	labels := strings.Split(trimDot(t), ".")
	if len(labels) != 2 {
		return false
	}
	if labels[1] != "_tcp" && labels[1] != "_udp" {
		return false
	}
	svc := labels[0]
	if len(svc) < 2 || len(svc) > 16 || svc[0] != '_' {
		return false
	}
	for i := 1; i < len(svc); i++ {
		c := svc[i]
		if !(c == '-' || isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'z')) {
			return false
		}
	}
	return true
}

// validDomainName reports whether the presentation form name packs into a
// legal wire name (labels ≤ 63 bytes, whole name ≤ 255 bytes).
func validDomainName(name string) bool {
	_, ok := dns.IsDomainName(fqdn(name))
	if !ok {
		return false
	}
	buf := make([]byte, maxDomainLength+1)
	n, err := dns.PackDomainName(fqdn(name), buf, 0, nil, false)
	return err == nil && n <= maxDomainLength
}

// ConstructFullName joins an instance label, a service type and a domain
// into a fully qualified service instance name in presentation format. The
// instance is taken literally; dots and spaces in it are escaped. An empty
// instance yields the service type name.
func ConstructFullName(instance, serviceType, domain string) (string, error) {
	if !validServiceType(serviceType) {
		return "", errorf(KindBadParam, "construct full name", "invalid service type %q", serviceType)
	}
	if len(instance) > maxLabelLength {
		return "", errorf(KindBadParam, "construct full name", "instance name longer than %d bytes", maxLabelLength)
	}
	if domain == "" {
		domain = defaultDomain
	}
	name := fmt.Sprintf("%s.%s.", trimDot(serviceType), trimDot(domain))
	if instance != "" {
		name = dnsEscapeLabel(instance) + "." + name
	}
	if !validDomainName(name) {
		return "", errorf(KindBadParam, "construct full name", "name %q is not a valid domain name", name)
	}
	return name, nil
}

// splitInstanceName breaks a full service instance name into its unescaped
// instance label, service type and domain. ok is false when the name does
// not have the instance._service._proto.domain shape.
func splitInstanceName(full string) (instance, serviceType, domain string, ok bool) {
	labels := dns.SplitDomainName(full)
	if len(labels) < 4 {
		return "", "", "", false
	}
	instance = dnsUnescape(labels[0])
	serviceType = labels[1] + "." + labels[2] + "."
	domain = strings.Join(labels[3:], ".") + "."
	if !strings.HasPrefix(labels[1], "_") || !strings.HasPrefix(labels[2], "_") {
		return "", "", "", false
	}
	return instance, serviceType, domain, true
}

// nextConflictName derives the replacement name used after a name conflict:
// "Printer" becomes "Printer (2)", "Printer (2)" becomes "Printer (3)".
func nextConflictName(name string) string {
	base, n := name, 1
	if strings.HasSuffix(name, ")") {
		if open := strings.LastIndex(name, " ("); open > 0 {
			if v, err := strconv.Atoi(name[open+2 : len(name)-1]); err == nil && v > 0 {
				base, n = name[:open], v
			}
		}
	}
	suffix := fmt.Sprintf(" (%d)", n+1)
	if len(base)+len(suffix) > maxLabelLength {
		base = truncateUTF8(base, maxLabelLength-len(suffix))
	}
	return base + suffix
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// isLocalName reports whether name belongs to the link-local namespace that
// is resolved over multicast (RFC 6762 §3 and §4).
func isLocalName(name string) bool {
	n := canonicalName(name)
	for _, suffix := range []string{
		".local.",
		".254.169.in-addr.arpa.",
		".8.e.f.ip6.arpa.",
		".9.e.f.ip6.arpa.",
		".a.e.f.ip6.arpa.",
		".b.e.f.ip6.arpa.",
	} {
		if strings.HasSuffix(n, suffix) || n == suffix[1:] {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
