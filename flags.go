package dnssd

import "strings"

// Flags carries the per-operation and per-result option bits. The values
// match the kDNSServiceFlags* constants.
type Flags uint32

const (
	FlagMoreComing          Flags = 0x1
	FlagAdd                 Flags = 0x2
	FlagDefault             Flags = 0x4
	FlagNoAutoRename        Flags = 0x8
	FlagShared              Flags = 0x10
	FlagUnique              Flags = 0x20
	FlagBrowseDomains       Flags = 0x40
	FlagRegistrationDomains Flags = 0x80
	FlagLongLivedQuery      Flags = 0x100
	FlagAllowRemoteQuery    Flags = 0x200
	FlagForceMulticast      Flags = 0x400
	FlagReturnIntermediates Flags = 0x1000
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagMoreComing, "MoreComing"},
	{FlagAdd, "Add"},
	{FlagDefault, "Default"},
	{FlagNoAutoRename, "NoAutoRename"},
	{FlagShared, "Shared"},
	{FlagUnique, "Unique"},
	{FlagBrowseDomains, "BrowseDomains"},
	{FlagRegistrationDomains, "RegistrationDomains"},
	{FlagLongLivedQuery, "LongLivedQuery"},
	{FlagAllowRemoteQuery, "AllowRemoteQuery"},
	{FlagForceMulticast, "ForceMulticast"},
	{FlagReturnIntermediates, "ReturnIntermediates"},
}

// Has reports whether every bit of o is set in f.
func (f Flags) Has(o Flags) bool { return f&o == o }

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Flags accepted by each operation kind. Anything outside the mask is
// rejected with ErrBadFlags at the call site.
const (
	registerFlagsMask  = FlagNoAutoRename | FlagShared | FlagAllowRemoteQuery
	queryFlagsMask     = FlagLongLivedQuery | FlagForceMulticast | FlagReturnIntermediates | FlagAllowRemoteQuery
	recordFlagsMask    = FlagShared | FlagUnique | FlagAllowRemoteQuery
	enumerateFlagsMask = FlagBrowseDomains | FlagRegistrationDomains
)

func checkFlags(op string, f, allowed Flags) error {
	if f&^allowed != 0 {
		return errorf(KindBadFlags, op, "unsupported flags %s", (f &^ allowed).String())
	}
	return nil
}
